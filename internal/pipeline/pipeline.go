// Package pipeline is the composition root: it wires the store, queue,
// senders, breaker, processor and scheduler into a running delivery core.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/notify-go/internal/breaker"
	"github.com/tphakala/notify-go/internal/conf"
	"github.com/tphakala/notify-go/internal/datastore"
	"github.com/tphakala/notify-go/internal/logging"
	"github.com/tphakala/notify-go/internal/mailer"
	"github.com/tphakala/notify-go/internal/notification"
	"github.com/tphakala/notify-go/internal/observability/metrics"
	"github.com/tphakala/notify-go/internal/processor"
	"github.com/tphakala/notify-go/internal/push"
	"github.com/tphakala/notify-go/internal/queue"
	"github.com/tphakala/notify-go/internal/scheduler"
)

// Core holds the wired delivery components shared by the serve, retry
// and provider commands.
type Core struct {
	Settings  *conf.Settings
	Store     datastore.Interface
	Metrics   *metrics.NotificationMetrics
	Registry  *prometheus.Registry
	Queue     *queue.Client
	Publisher *queue.Publisher
	Service   *notification.Service
	Cache     *mailer.ProviderCache
	Router    *mailer.Router
	Smtp      *mailer.SMTPSender
	Breaker   *breaker.Breaker
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler

	logger *slog.Logger
}

// New builds the full pipeline without starting consumers or cron jobs.
func New(settings *conf.Settings) (*Core, error) {
	store := datastore.New(settings)
	if store == nil {
		return nil, fmt.Errorf("no database backend enabled")
	}
	if err := store.Open(); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.NewNotificationMetrics(registry)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client, err := queue.Dial(&settings.Queue)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	publisher, err := client.NewPublisher(m)
	if err != nil {
		_ = client.Close()
		_ = store.Close()
		return nil, err
	}

	service := notification.NewService(store, publisher, m, settings.Retry.MaxAttempts)

	providerCache := mailer.NewProviderCache(store, settings.Mailer.CacheTTL)
	smtpSender := mailer.NewSMTPSender()
	router := mailer.NewRouter(store, providerCache, smtpSender, m)

	b := breaker.New("emailService", breakerConfig(&settings.Breaker), m)
	pushSender := push.NewSender(settings.Push.GatewayURL, settings.Push.Timeout)

	proc := processor.New(store, service, b, router, pushSender, m)
	sched := scheduler.New(store, service, proc, publisher, settings.Retry)

	return &Core{
		Settings:  settings,
		Store:     store,
		Metrics:   m,
		Registry:  registry,
		Queue:     client,
		Publisher: publisher,
		Service:   service,
		Cache:     providerCache,
		Router:    router,
		Smtp:      smtpSender,
		Breaker:   b,
		Processor: proc,
		Scheduler: sched,
		logger:    logging.ForService("pipeline"),
	}, nil
}

// Close releases the queue connection and the record store.
func (c *Core) Close() {
	if c.Publisher != nil {
		_ = c.Publisher.Close()
	}
	if c.Queue != nil {
		_ = c.Queue.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// breakerConfig maps settings onto the breaker's thresholds.
func breakerConfig(s *conf.BreakerSettings) breaker.Config {
	return breaker.Config{
		WindowSize:           s.WindowSize,
		MinCalls:             s.MinCalls,
		FailureRateThreshold: s.FailureRateThreshold,
		SlowRateThreshold:    s.SlowRateThreshold,
		SlowCallDuration:     s.SlowCallDuration,
		OpenStateWait:        s.OpenStateWait,
		HalfOpenCalls:        s.HalfOpenCalls,
	}
}

// Run starts the consumer groups, the scheduler and the metrics
// endpoint, then blocks until the context is canceled.
func (c *Core) Run(ctx context.Context) error {
	s := c.Settings

	groups := []*queue.ConsumerGroup{
		c.Queue.NewConsumerGroup(s.Queue.MainQueue, s.Queue.Consumers, c.Processor.Process, c.Metrics),
		c.Queue.NewConsumerGroup(s.Queue.EmailQueue, s.Queue.Consumers, c.Processor.ProcessEmail, c.Metrics),
		c.Queue.NewConsumerGroup(s.Queue.PushQueue, s.Queue.Consumers, c.Processor.ProcessPush, c.Metrics),
		c.Queue.NewConsumerGroup(s.Queue.DLQQueue, 1, c.Processor.HandleDeadLetter, c.Metrics),
	}
	for _, g := range groups {
		if err := g.Start(ctx); err != nil {
			return err
		}
	}

	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}
	if err := c.registerMaintenanceJobs(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if s.Metrics.Enabled {
		metricsServer = c.serveMetrics()
	}

	c.logger.Info("delivery core running",
		"consumers", s.Queue.Consumers,
		"queues", 4,
		"metrics", s.Metrics.Enabled)

	<-ctx.Done()
	c.logger.Info("shutting down")

	c.Scheduler.Stop()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	// Closing the connection terminates the consumer delivery channels.
	_ = c.Queue.Close()
	for _, g := range groups {
		g.Wait()
	}
	return nil
}

// registerMaintenanceJobs schedules the provider pool upkeep: health
// probes, the daily usage reset and periodic cache refresh.
func (c *Core) registerMaintenanceJobs(ctx context.Context) error {
	s := c.Settings

	if s.Mailer.HealthCheckEnabled {
		hc := mailer.NewHealthChecker(c.Store, c.Smtp, c.Cache, s.Mailer.RecoveryThreshold)
		spec := fmt.Sprintf("@every %s", s.Mailer.HealthCheckInterval)
		if err := c.Scheduler.AddJob(spec, "provider-health-check", func() { hc.Run(ctx) }); err != nil {
			return err
		}
	}

	resetter := mailer.NewUsageResetter(c.Store, c.Cache, c.Metrics)
	if err := c.Scheduler.AddJob(s.Mailer.DailyResetSchedule, "provider-usage-reset", func() {
		resetter.Run(ctx, time.Now())
	}); err != nil {
		return err
	}

	if s.Mailer.RefreshInterval > 0 {
		spec := fmt.Sprintf("@every %s", s.Mailer.RefreshInterval)
		if err := c.Scheduler.AddJob(spec, "provider-cache-refresh", func() {
			c.Cache.Invalidate()
			if _, err := c.Cache.Refresh(ctx); err != nil {
				c.logger.Error("provider cache refresh failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// serveMetrics exposes the Prometheus registry over HTTP.
func (c *Core) serveMetrics() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              c.Settings.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		c.logger.Info("metrics endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}
