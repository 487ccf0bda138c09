package main

// TODO: Add tests that require more setup and scaffolding:
// - Integration tests with real NSQ consumer/producer setup
// - Database interaction testing with pgxpool connections
// - Full event processing workflow testing (success/failure/retry/park)
// - Signal handling and graceful shutdown testing

import (
	"errors"
	"testing"
	"time"
)

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{
		5 * time.Second,
		30 * time.Second,
		2 * time.Minute,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt uses first slot", attempt: 1, want: 5 * time.Second},
		{name: "second attempt uses second slot", attempt: 2, want: 30 * time.Second},
		{name: "third attempt uses last slot", attempt: 3, want: 2 * time.Minute},
		{name: "beyond schedule clamps to last slot", attempt: 9, want: 2 * time.Minute},
		{name: "zero attempt clamps to first slot", attempt: 0, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeDelay(tt.attempt, schedule, 0)
			if got != tt.want {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestComputeDelay_JitterBounds(t *testing.T) {
	schedule := []time.Duration{10 * time.Second}
	jitter := 0.2
	lo := time.Duration(float64(10*time.Second) * (1 - jitter))
	hi := time.Duration(float64(10*time.Second) * (1 + jitter))

	for i := 0; i < 200; i++ {
		got := computeDelay(1, schedule, jitter)
		if got < lo || got > hi {
			t.Fatalf("computeDelay with %.0f%% jitter = %v, want within [%v, %v]", jitter*100, got, lo, hi)
		}
	}
}

func TestComputeDelay_ExtremeJitterNeverNonPositive(t *testing.T) {
	schedule := []time.Duration{time.Second}

	for i := 0; i < 200; i++ {
		got := computeDelay(1, schedule, 2.0)
		if got <= 0 {
			t.Fatalf("computeDelay with oversized jitter = %v, want > 0", got)
		}
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: "other"},
		{name: "timeout", err: errors.New("context deadline exceeded: timeout"), want: "timeout"},
		{name: "connection refused", err: errors.New("dial tcp 127.0.0.1:443: connection refused"), want: "connection_refused"},
		{name: "dns failure", err: errors.New("lookup discord.invalid: no such host"), want: "dns_error"},
		{name: "rate limited", err: errors.New("channel delivery failed: rejected with status 429"), want: "rate_limited"},
		{name: "server error", err: errors.New("channel delivery failed: rejected with status 502"), want: "upstream_5xx"},
		{name: "missing target", err: errors.New("recipient not found"), want: "target_missing"},
		{name: "unclassified", err: errors.New("something odd happened"), want: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err); got != tt.want {
				t.Errorf("classifyReason(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
