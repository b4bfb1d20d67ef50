package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "notify-go", settings.Main.Name)
	assert.True(t, settings.Database.SQLite.Enabled)

	assert.Equal(t, "notification.exchange", settings.Queue.Exchange)
	assert.Equal(t, "notification.dlq", settings.Queue.DLQQueue)
	assert.Equal(t, 3, settings.Queue.Consumers)
	assert.Equal(t, 10, settings.Queue.MaxConsumers)
	assert.Equal(t, 1, settings.Queue.Prefetch)
	assert.Equal(t, 3, settings.Queue.Redelivery.MaxAttempts)

	assert.Equal(t, 3, settings.Retry.MaxAttempts)
	assert.Equal(t, time.Second, settings.Retry.BackoffDelay)
	assert.Equal(t, 10*time.Minute, settings.Retry.StuckAfter)
	assert.Equal(t, 5*time.Minute, settings.Retry.SweepInterval)

	assert.Equal(t, 20, settings.Breaker.WindowSize)
	assert.Equal(t, 10, settings.Breaker.MinCalls)
	assert.InDelta(t, 0.5, settings.Breaker.FailureRateThreshold, 0.001)
	assert.Equal(t, 5*time.Second, settings.Breaker.SlowCallDuration)
	assert.Equal(t, 10*time.Second, settings.Breaker.OpenStateWait)
	assert.Equal(t, 3, settings.Breaker.HalfOpenCalls)
}

func TestValidate(t *testing.T) {
	base := func() *Settings {
		s, err := Load("")
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{
			name:    "no database backend",
			mutate:  func(s *Settings) { s.Database.SQLite.Enabled = false },
			wantErr: "no database backend",
		},
		{
			name:    "zero consumers",
			mutate:  func(s *Settings) { s.Queue.Consumers = 0 },
			wantErr: "queue.consumers",
		},
		{
			name:    "max consumers below minimum",
			mutate:  func(s *Settings) { s.Queue.MaxConsumers = 1 },
			wantErr: "queue.maxconsumers",
		},
		{
			name:    "min calls above window",
			mutate:  func(s *Settings) { s.Breaker.MinCalls = 100 },
			wantErr: "breaker.mincalls",
		},
		{
			name:    "non-positive backoff",
			mutate:  func(s *Settings) { s.Retry.BackoffDelay = 0 },
			wantErr: "retry.backoffdelay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
