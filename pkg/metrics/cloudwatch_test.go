package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const putMetricDataSuccess = `<PutMetricDataResponse xmlns="http://monitoring.amazonaws.com/doc/2010-08-01/">
  <ResponseMetadata>
    <RequestId>00000000-0000-0000-0000-000000000000</RequestId>
  </ResponseMetadata>
</PutMetricDataResponse>`

const expiredTokenError = `<ErrorResponse xmlns="http://monitoring.amazonaws.com/doc/2010-08-01/">
  <Error>
    <Type>Sender</Type>
    <Code>ExpiredToken</Code>
    <Message>The security token included in the request is expired</Message>
  </Error>
  <RequestId>00000000-0000-0000-0000-000000000000</RequestId>
</ErrorResponse>`

const internalFailureError = `<ErrorResponse xmlns="http://monitoring.amazonaws.com/doc/2010-08-01/">
  <Error>
    <Type>Receiver</Type>
    <Code>InternalFailure</Code>
    <Message>Something went wrong</Message>
  </Error>
  <RequestId>00000000-0000-0000-0000-000000000000</RequestId>
</ErrorResponse>`

type cannedResponse struct {
	status int
	body   string
}

// fakeDoer stands in for the HTTP client underneath the CloudWatch client,
// capturing each wire request and replaying scripted responses. Once the
// script runs out it answers every call with success.
type fakeDoer struct {
	responses []cannedResponse
	requests  []string
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	d.requests = append(d.requests, string(body))

	next := cannedResponse{status: http.StatusOK, body: putMetricDataSuccess}
	if len(d.responses) > 0 {
		next = d.responses[0]
		d.responses = d.responses[1:]
	}
	return &http.Response{
		StatusCode: next.status,
		Header:     http.Header{"Content-Type": []string{"text/xml"}},
		Body:       io.NopCloser(strings.NewReader(next.body)),
	}, nil
}

type fakeProvider struct {
	client      *cloudwatch.Client
	invalidated int
}

func (p *fakeProvider) Client() *cloudwatch.Client { return p.client }
func (p *fakeProvider) Invalidate()                { p.invalidated++ }

func newTestReporter(doer *fakeDoer, flushInterval time.Duration) (*CloudwatchReporter, *fakeProvider) {
	client := cloudwatch.NewFromConfig(aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		HTTPClient:  doer,
		Retryer:     func() aws.Retryer { return aws.NopRetryer{} },
		// Match the production client: LoadDefaultConfig resolves this to
		// 10240, so sub-10KiB PutMetricData bodies are never gzipped.
		RequestMinCompressSizeBytes: 10240,
	})
	provider := &fakeProvider{client: client}
	r := NewCloudwatchReporter(provider, "SerialMonitor", "SerialLines", "Device", "ttyUSB0", flushInterval)
	r.retryDelay = 0
	return r, provider
}

func TestReporterPublishesCount(t *testing.T) {
	doer := &fakeDoer{}
	r, _ := newTestReporter(doer, 0)

	require.NoError(t, r.Line("hello"))

	require.Len(t, doer.requests, 1)
	body := doer.requests[0]
	assert.Contains(t, body, "Action=PutMetricData")
	assert.Contains(t, body, "Namespace=SerialMonitor")
	assert.Contains(t, body, "MetricName=SerialLines")
	assert.Contains(t, body, "Name=Device")
	assert.Contains(t, body, "Value=ttyUSB0")
	assert.Contains(t, body, "Value=1")
	assert.Contains(t, body, "Unit=Count")

	// The count resets after a successful publish.
	require.NoError(t, r.Line("world"))
	require.Len(t, doer.requests, 2)
	assert.Contains(t, doer.requests[1], "Value=1")
}

func TestReporterBatchesUntilClose(t *testing.T) {
	doer := &fakeDoer{}
	r, _ := newTestReporter(doer, time.Hour)

	require.NoError(t, r.Line("a"))
	require.NoError(t, r.Line("b"))
	require.NoError(t, r.Line("c"))
	assert.Empty(t, doer.requests)

	require.NoError(t, r.Close())
	require.Len(t, doer.requests, 1)
	assert.Contains(t, doer.requests[0], "Value=3")

	// Nothing pending means nothing to publish.
	require.NoError(t, r.Close())
	assert.Len(t, doer.requests, 1)
}

func TestReporterRetriesExpiredCreds(t *testing.T) {
	doer := &fakeDoer{responses: []cannedResponse{
		{status: http.StatusForbidden, body: expiredTokenError},
	}}
	r, provider := newTestReporter(doer, 0)

	require.NoError(t, r.Line("hello"))

	// First attempt hits the expired-token rejection, invalidates the cached
	// client, and the retry with fresh credentials succeeds.
	assert.Equal(t, 1, provider.invalidated)
	require.Len(t, doer.requests, 2)
	assert.Contains(t, doer.requests[1], "Value=1")

	require.NoError(t, r.Close())
	assert.Len(t, doer.requests, 2)
}

func TestReporterKeepsCountAfterFailure(t *testing.T) {
	doer := &fakeDoer{responses: []cannedResponse{
		{status: http.StatusInternalServerError, body: internalFailureError},
		{status: http.StatusInternalServerError, body: internalFailureError},
	}}
	r, provider := newTestReporter(doer, 0)

	require.NoError(t, r.Line("a"))
	require.NoError(t, r.Line("b"))
	require.Len(t, doer.requests, 2)
	assert.Contains(t, doer.requests[1], "Value=2")
	assert.Zero(t, provider.invalidated)

	// The script is exhausted, so the final flush goes through.
	require.NoError(t, r.Close())
	require.Len(t, doer.requests, 3)
	assert.Contains(t, doer.requests[2], "Value=2")
}
