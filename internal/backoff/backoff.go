// Package backoff provides the retry-delay policy used by the connection
// manager. Reconnection uses a short fixed delay by default; an exponential
// factor and jitter are available for callers that need them.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines how the delay between retry attempts is computed.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor multiplies the delay on each successive attempt. Values <= 1
	// produce a fixed delay.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to the delay.
	Jitter float64
}

// Reconnect returns the policy used for transport reconnection: a fixed 2s
// delay with a small jitter so that a fleet of clients does not stampede the
// gateway after an outage.
func Reconnect() Policy {
	return Policy{
		Initial: 2 * time.Second,
		Max:     2 * time.Second,
		Factor:  1,
		Jitter:  0.1,
	}
}

// Delay computes the delay for the given attempt number. Attempts start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// DelayWithRand computes the delay using a caller-provided random value in
// [0.0, 1.0). Tests use it for deterministic results.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	jitter := base * p.Jitter * randomValue
	total := base + jitter
	if p.Max > 0 {
		// Jitter may push past Max; the cap is on the base delay.
		total = math.Min(float64(p.Max)*(1+p.Jitter), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for the attempt's delay, respecting context cancellation.
// It returns nil when the full delay elapsed, or ctx.Err() otherwise.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return sleep(ctx, p.Delay(attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
