// Package ledger reads address funding evidence from external block-data
// providers. Providers are tried in order; the first well-formed response
// wins and partial responses are never merged across providers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable means every configured provider failed for one query.
// Callers must treat this as "no new information", never as a zero balance.
var ErrUnavailable = errors.New("ledger: all providers unavailable")

// TxCandidate is one funding transaction as reported by a provider. Amounts
// are in minor units, read verbatim from the winning provider.
type TxCandidate struct {
	TxID          string
	AmountMinor   int64
	Confirmations int
	BlockHeight   *int64
}

// Funding is the full funding picture of one address from a single provider.
type Funding struct {
	BalanceMinor int64
	Transactions []TxCandidate
}

// Provider is one independent block-data source.
type Provider interface {
	Name() string
	QueryAddress(ctx context.Context, address string) (Funding, error)
}

// ObserverMetrics records provider call outcomes.
type ObserverMetrics interface {
	ObserveProvider(provider string, err error, started time.Time)
}

// Observer queries an ordered list of providers with a bounded per-provider
// timeout. Fallback is sequential, never parallel-racing.
type Observer struct {
	providers []Provider
	timeout   time.Duration
	metrics   ObserverMetrics
	log       *zap.Logger
}

func NewObserver(providers []Provider, timeout time.Duration, metrics ObserverMetrics, log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{
		providers: providers,
		timeout:   timeout,
		metrics:   metrics,
		log:       log,
	}
}

// QueryAddress returns the first well-formed provider response. Provider
// errors are swallowed here; only total exhaustion surfaces, as
// ErrUnavailable.
func (o *Observer) QueryAddress(ctx context.Context, address string) (Funding, error) {
	if address == "" {
		return Funding{}, fmt.Errorf("ledger: empty address")
	}
	if len(o.providers) == 0 {
		return Funding{}, ErrUnavailable
	}

	var lastErr error
	for _, p := range o.providers {
		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		funding, err := p.QueryAddress(callCtx, address)
		cancel()

		if o.metrics != nil {
			o.metrics.ObserveProvider(p.Name(), err, started)
		}
		if err == nil {
			return funding, nil
		}

		lastErr = err
		o.log.Warn("ledger provider failed",
			zap.String("provider", p.Name()),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	return Funding{}, fmt.Errorf("%w: last error: %v", ErrUnavailable, lastErr)
}
