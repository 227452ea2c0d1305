package envoy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/enlighten/pkg/common"
	"github.com/raterudder/enlighten/pkg/enphase"
	"github.com/raterudder/enlighten/pkg/log"
)

// Fallback is an enphase.Executor that sends queries to the API and falls
// back to an Envoy gateway when the API is unreachable or failing.
type Fallback struct {
	primary enphase.Executor
	gateway *Gateway
}

var _ enphase.Executor = (*Fallback)(nil)

// NewFallback returns an executor that tries primary first. A nil gateway
// disables the fallback.
func NewFallback(primary enphase.Executor, gateway *Gateway) *Fallback {
	return &Fallback{primary: primary, gateway: gateway}
}

// Configured returns a Fallback over primary configured from flags. The
// fallback is disabled unless -envoy-host is set.
func Configured(primary enphase.Executor, tf func() enphase.TimeAdapter) *Fallback {
	host := lflag.String("envoy-host", "", "Host of a local Envoy gateway to read from when the API is unavailable")
	timeout := lflag.Duration("envoy-timeout", 10*time.Second, "Timeout for a single request to the Envoy gateway")

	f := &Fallback{primary: primary}

	lflag.Do(func() {
		if *host == "" {
			return
		}
		g, err := NewGateway(*host, common.HTTPClient(*timeout), tf)
		if err != nil {
			panic(fmt.Sprintf("invalid envoy-host: %v", err))
		}
		f.gateway = g
	})

	return f
}

// shouldFallback reports whether err means the API could not answer rather
// than that the query was wrong.
func shouldFallback(err error) bool {
	var transport *enphase.TransportError
	var overloaded *enphase.ServerOverloadedError
	var status *enphase.UnexpectedStatusError
	switch {
	case errors.As(err, &transport), errors.As(err, &overloaded):
		return true
	case errors.As(err, &status):
		return status.Status >= 500
	}
	return false
}

// Execute implements enphase.Executor. If both the API and the gateway fail
// the returned error matches both errors.
func (f *Fallback) Execute(ctx context.Context, q enphase.Query) ([]byte, error) {
	body, err := f.primary.Execute(ctx, q)
	if err == nil || f.gateway == nil || !shouldFallback(err) || !f.gateway.Supports(q.Command) {
		return body, err
	}
	log.Ctx(ctx).WarnContext(
		ctx,
		"enlighten api unavailable, reading from envoy",
		slog.String("command", q.Command),
		slog.String("systemID", q.SystemID),
		slog.Any("error", err),
	)
	body, gerr := f.gateway.Execute(ctx, q)
	if gerr != nil {
		return nil, errors.Join(err, fmt.Errorf("envoy fallback: %w", gerr))
	}
	return body, nil
}
