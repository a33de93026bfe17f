package backoff

import (
	"context"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "fixed delay first attempt",
			policy:      Policy{Initial: 2 * time.Second, Max: 2 * time.Second, Factor: 1, Jitter: 0},
			attempt:     1,
			randomValue: 0.5,
			expected:    2 * time.Second,
		},
		{
			name:        "fixed delay does not grow",
			policy:      Policy{Initial: 2 * time.Second, Max: 2 * time.Second, Factor: 1, Jitter: 0},
			attempt:     7,
			randomValue: 0.5,
			expected:    2 * time.Second,
		},
		{
			name:        "exponential growth",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0},
			attempt:     3,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name:        "clamped at max",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    300 * time.Millisecond,
		},
		{
			name:        "jitter adds fraction of base",
			policy:      Policy{Initial: 1 * time.Second, Max: 10 * time.Second, Factor: 1, Jitter: 0.1},
			attempt:     1,
			randomValue: 1.0,
			expected:    1100 * time.Millisecond,
		},
		{
			name:        "zero attempt treated as first",
			policy:      Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0},
			attempt:     0,
			randomValue: 0,
			expected:    100 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.DelayWithRand(tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestReconnectPolicyIsFixed(t *testing.T) {
	p := Reconnect()
	first := p.DelayWithRand(1, 0)
	fifth := p.DelayWithRand(5, 0)
	if first != fifth {
		t.Errorf("reconnect delay grew from %v to %v; want fixed", first, fifth)
	}
	if first <= 0 {
		t.Errorf("reconnect delay = %v; want positive", first)
	}
}

func TestSleepRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := Policy{Initial: time.Hour, Max: time.Hour, Factor: 1}
	start := time.Now()
	err := p.Sleep(ctx, 1)
	if err == nil {
		t.Fatal("Sleep() = nil, want context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Sleep took %v after cancellation; want immediate return", elapsed)
	}
}

func TestSleepCompletes(t *testing.T) {
	p := Policy{Initial: 5 * time.Millisecond, Max: 5 * time.Millisecond, Factor: 1}
	if err := p.Sleep(context.Background(), 1); err != nil {
		t.Fatalf("Sleep() = %v, want nil", err)
	}
}
