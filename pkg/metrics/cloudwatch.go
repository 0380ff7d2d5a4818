package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/dancavallaro/serialmon/awso"
)

type CloudwatchClientProvider interface {
	Client() *cloudwatch.Client
	Invalidate()
}

// CloudwatchReporter counts monitored lines and publishes the count as a
// metric datum once per flush interval. All publishing happens inside Line
// and Close calls, on the monitor's own thread.
type CloudwatchReporter struct {
	cw              CloudwatchClientProvider
	metricNamespace string
	metricName      string
	deviceDimension string
	device          string
	flushInterval   time.Duration
	retryDelay      time.Duration

	count     int
	lastFlush time.Time
}

func NewCloudwatchReporter(
	cw CloudwatchClientProvider, metricNamespace string, metricName string,
	deviceDimension string, device string, flushInterval time.Duration,
) *CloudwatchReporter {
	return &CloudwatchReporter{
		cw:              cw,
		metricNamespace: metricNamespace,
		metricName:      metricName,
		deviceDimension: deviceDimension,
		device:          device,
		flushInterval:   flushInterval,
		retryDelay:      5 * time.Second,
		lastFlush:       time.Now(),
	}
}

// Line never returns an error: a CloudWatch outage must not stop the
// monitor, so flush failures are logged and the count carries over into the
// next interval.
func (r *CloudwatchReporter) Line(text string) error {
	r.count++
	if time.Since(r.lastFlush) < r.flushInterval {
		return nil
	}
	r.lastFlush = time.Now()
	if err := r.flush(); err != nil {
		log.Printf("Error publishing line count for %s: %v", r.device, err)
	}
	return nil
}

// Close publishes whatever accumulated since the last flush.
func (r *CloudwatchReporter) Close() error {
	if r.count == 0 {
		return nil
	}
	return r.flush()
}

func (r *CloudwatchReporter) flush() error {
	if err := r.publishCount(); err != nil {
		if !errors.Is(err, awso.ClientInvalidated) {
			return err
		}

		log.Printf("IAM creds are expired, sleeping for %v then retrying", r.retryDelay)
		time.Sleep(r.retryDelay)

		if err := r.publishCount(); err != nil {
			return err
		}
	}
	r.count = 0
	return nil
}

func (r *CloudwatchReporter) publishCount() error {
	_, err := r.cw.Client().PutMetricData(context.TODO(), &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.metricNamespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(r.metricName),
				Dimensions: []types.Dimension{
					{
						Name:  aws.String(r.deviceDimension),
						Value: aws.String(r.device),
					},
				},
				Value: aws.Float64(float64(r.count)),
				Unit:  types.StandardUnitCount,
			},
		},
	})

	if err != nil {
		if awso.Expired(err) {
			r.cw.Invalidate()
			return fmt.Errorf("cloudwatch rejected credentials: %w", awso.ClientInvalidated)
		}
		return err
	}

	log.Printf("Published count of %d line(s) for device %s\n", r.count, r.device)
	return nil
}
