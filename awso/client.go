package awso

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

// ClientInvalidated is returned (wrapped) by callers that had to throw away a
// cached client, typically because its credentials expired. Seeing it means
// the next Client() call will build a fresh one.
var ClientInvalidated = errors.New("aws client has been invalidated")

type ClientProvider[T any] struct {
	buildClient func(cfg aws.Config) *T
	client      *T
}

func NewClientProvider[T any](buildClient func(cfg aws.Config) *T) ClientProvider[T] {
	return ClientProvider[T]{buildClient: buildClient}
}

func (cp *ClientProvider[T]) Client() *T {
	if cp.client == nil {
		cfg, err := config.LoadDefaultConfig(context.TODO()) // TODO: should accept context as parameter

		if err != nil {
			panic(err)
		}

		cp.client = cp.buildClient(cfg)
	}
	return cp.client
}

// Invalidate drops the cached client so the next Client() call rebuilds it
// with freshly resolved credentials.
func (cp *ClientProvider[T]) Invalidate() {
	cp.client = nil
}

// Expired reports whether err looks like an AWS credential-expiry failure.
func Expired(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ExpiredToken", "ExpiredTokenException", "RequestExpired":
		return true
	}
	return false
}
