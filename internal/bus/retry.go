package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pdsno/pdsno/internal/envelope"
)

// SendFunc is any transport's send primitive (in-process bus, HTTP client).
type SendFunc func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// RetryConfig tunes the exponential backoff applied to transport sends.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	PerAttempt      time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
		PerAttempt:      10 * time.Second,
	}
}

// RetryingSender wraps a SendFunc with exponential backoff and a
// per-attempt timeout. Routing errors (unknown recipient, no handler) are
// permanent; everything else is retried until the elapsed budget runs out.
type RetryingSender struct {
	log  *slog.Logger
	cfg  RetryConfig
	send SendFunc
}

func NewRetryingSender(log *slog.Logger, cfg RetryConfig, send SendFunc) *RetryingSender {
	return &RetryingSender{log: log, cfg: cfg, send: send}
}

func (r *RetryingSender) Send(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.InitialInterval
	bo.MaxInterval = r.cfg.MaxInterval
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime

	var resp *envelope.Envelope
	operation := func() error {
		attemptCtx := ctx
		if r.cfg.PerAttempt > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.PerAttempt)
			defer cancel()
		}
		var err error
		resp, err = r.send(attemptCtx, env)
		if err == nil {
			return nil
		}
		switch {
		case isPermanent(err):
			return backoff.Permanent(err)
		default:
			r.log.Warn("send failed, will retry", "envelope", env.String(), "error", err)
			return err
		}
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrUnknownRecipient) || errors.Is(err, ErrNoHandler)
}
