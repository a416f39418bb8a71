package connection

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/JQIamo/temperature-control-app/internal/config"
	"github.com/JQIamo/temperature-control-app/internal/connectors"
)

// ReconnectPolicy decides whether a closed socket is redialed and after how long.
//
// The default strategy is a fixed delay (5s) between attempts, not exponential
// backoff. The backoff strategy grows the delay with jitter up to a cap. Either
// way, closures whose code is not in the retry set are never retried, which
// always covers normal closures (1000, 1001).
type ReconnectPolicy struct {
	mu      sync.Mutex
	backoff backoff.BackOff
	retry   map[int]struct{}
}

// NewReconnectPolicy builds the policy described by cfg.
func NewReconnectPolicy(cfg config.ConnectionConfig) *ReconnectPolicy {
	delay := cfg.ReconnectDelay.Std()
	if delay <= 0 {
		delay = config.DefaultReconnectDelay
	}

	var b backoff.BackOff
	switch cfg.ReconnectStrategy {
	case config.ReconnectBackoff:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = delay
		exp.MaxInterval = cfg.MaxReconnectDelay.Std()
		if exp.MaxInterval < delay {
			exp.MaxInterval = delay
		}
		b = exp
	default:
		b = backoff.NewConstantBackOff(delay)
	}

	// An empty list disables reconnects; only an unset list means defaults.
	codes := cfg.RetryCloseCodes
	if codes == nil {
		codes = connectors.DefaultRetryCloseCodes
	}

	return NewReconnectPolicyWith(b, codes)
}

// NewReconnectPolicyWith uses an explicit backoff and retry code set.
func NewReconnectPolicyWith(b backoff.BackOff, retryCodes []int) *ReconnectPolicy {
	retry := make(map[int]struct{}, len(retryCodes))
	for _, code := range retryCodes {
		retry[code] = struct{}{}
	}

	return &ReconnectPolicy{backoff: b, retry: retry}
}

// ShouldRetry reports whether a closure with the given code is retried.
func (p *ReconnectPolicy) ShouldRetry(code int) bool {
	if code == connectors.CloseNormal || code == connectors.CloseGoingAway {
		return false
	}
	_, ok := p.retry[code]

	return ok
}

// Next returns the delay before the next attempt, or false when no attempt
// should be made.
func (p *ReconnectPolicy) Next(reason connectors.CloseReason) (time.Duration, bool) {
	if !p.ShouldRetry(reason.Code) {
		return 0, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}

	return d, true
}

// Reset restarts the delay progression after a successful handshake.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.backoff.Reset()
}
