// Package conf loads and validates application settings via viper.
package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is the root configuration for the notification service.
type Settings struct {
	Debug bool

	Main     MainSettings
	Database DatabaseSettings
	Queue    QueueSettings
	Retry    RetrySettings
	Breaker  BreakerSettings
	Mailer   MailerSettings
	Push     PushSettings
	Metrics  MetricsSettings
}

// MainSettings holds service identity and log output configuration.
type MainSettings struct {
	Name string
	Log  LogSettings
}

// LogSettings controls the optional file logger.
type LogSettings struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DatabaseSettings selects and configures the record store backend.
type DatabaseSettings struct {
	SQLite SQLiteSettings
	MySQL  MySQLSettings
}

type SQLiteSettings struct {
	Enabled bool
	Path    string
}

type MySQLSettings struct {
	Enabled  bool
	Username string
	Password string
	Database string
	Host     string
	Port     string
}

// QueueSettings configures the AMQP dispatch topology and consumers.
type QueueSettings struct {
	URI string

	Exchange      string
	DLQExchange   string
	RoutingKey    string
	DLQRoutingKey string

	MainQueue  string
	EmailQueue string
	PushQueue  string
	DLQQueue   string

	Consumers    int
	MaxConsumers int
	Prefetch     int

	Redelivery RedeliverySettings
}

// RedeliverySettings controls broker-level redelivery before a message
// is rejected to the dead-letter queue.
type RedeliverySettings struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetrySettings controls application-level retry bookkeeping.
type RetrySettings struct {
	MaxAttempts   int
	BackoffDelay  time.Duration
	BackoffCap    time.Duration
	StuckAfter    time.Duration
	SweepInterval time.Duration
}

// BreakerSettings configures the delivery-path circuit breaker.
type BreakerSettings struct {
	WindowSize           int
	MinCalls             int
	FailureRateThreshold float64
	SlowRateThreshold    float64
	SlowCallDuration     time.Duration
	OpenStateWait        time.Duration
	HalfOpenCalls        int
}

// MailerSettings configures provider pool maintenance.
type MailerSettings struct {
	HealthCheckEnabled  bool
	HealthCheckInterval time.Duration
	RecoveryThreshold   int
	DailyResetSchedule  string
	CacheTTL            time.Duration
	RefreshInterval     time.Duration
}

// PushSettings configures the push gateway client.
type PushSettings struct {
	GatewayURL string
	Timeout    time.Duration
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool
	Listen  string
}

// Load reads configuration from the given file (optional), environment
// variables prefixed with NOTIFY_, and built-in defaults.
func Load(configFile string) (*Settings, error) {
	setDefaultConfig()

	viper.SetEnvPrefix("notify")
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

// Validate checks settings for values the pipeline cannot operate with.
func (s *Settings) Validate() error {
	if !s.Database.SQLite.Enabled && !s.Database.MySQL.Enabled {
		return fmt.Errorf("no database backend enabled")
	}
	if s.Queue.Consumers < 1 {
		return fmt.Errorf("queue.consumers must be at least 1, got %d", s.Queue.Consumers)
	}
	if s.Queue.MaxConsumers < s.Queue.Consumers {
		return fmt.Errorf("queue.maxconsumers (%d) must be >= queue.consumers (%d)",
			s.Queue.MaxConsumers, s.Queue.Consumers)
	}
	if s.Queue.Prefetch < 1 {
		return fmt.Errorf("queue.prefetch must be at least 1, got %d", s.Queue.Prefetch)
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.maxattempts must be at least 1, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.BackoffDelay <= 0 {
		return fmt.Errorf("retry.backoffdelay must be positive, got %v", s.Retry.BackoffDelay)
	}
	if s.Breaker.WindowSize < 1 {
		return fmt.Errorf("breaker.windowsize must be at least 1, got %d", s.Breaker.WindowSize)
	}
	if s.Breaker.MinCalls > s.Breaker.WindowSize {
		return fmt.Errorf("breaker.mincalls (%d) must not exceed breaker.windowsize (%d)",
			s.Breaker.MinCalls, s.Breaker.WindowSize)
	}
	if s.Breaker.HalfOpenCalls < 1 {
		return fmt.Errorf("breaker.halfopencalls must be at least 1, got %d", s.Breaker.HalfOpenCalls)
	}
	return nil
}
