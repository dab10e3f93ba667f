package node

import (
	"testing"
	"time"
)

func TestDefaultRetryWorkerConfig(t *testing.T) {
	cfg := DefaultRetryWorkerConfig()

	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, 5*time.Second)
	}
	if cfg.CleanupInterval != 1*time.Hour {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, 1*time.Hour)
	}
	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want %d", cfg.BatchSize, 50)
	}
	if cfg.BufferDuration != 1*time.Hour {
		t.Errorf("BufferDuration = %v, want %v", cfg.BufferDuration, 1*time.Hour)
	}
	if cfg.RetentionPeriod != 7*24*time.Hour {
		t.Errorf("RetentionPeriod = %v, want %v", cfg.RetentionPeriod, 7*24*time.Hour)
	}
}

func TestRetryBackoffDoublesToCeiling(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{4, 160 * time.Second},
		{5, 320 * time.Second},
		{6, 10 * time.Minute}, // 640s would exceed the ceiling
		{7, 10 * time.Minute},
		{10, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.retryCount); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestBufferDurationBeforeTradeExpiry(t *testing.T) {
	cfg := DefaultRetryWorkerConfig()

	// A message for a trade expiring at T stops being retried at T minus
	// the buffer.
	tradeExpiry := time.Now().Add(2 * time.Hour)
	stopRetryingAt := tradeExpiry.Add(-cfg.BufferDuration)

	until := time.Until(stopRetryingAt)
	if until < 50*time.Minute || until > 70*time.Minute {
		t.Errorf("stop retrying in %v, want approximately 1 hour", until)
	}
}
