package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"faultwatch/internal/alerts"
	"faultwatch/internal/config"
	"faultwatch/internal/coordinator"
	"faultwatch/internal/handlers"
	"faultwatch/internal/kafka"
	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/middleware"
	"faultwatch/internal/models"
	"faultwatch/internal/scoring"
	"faultwatch/internal/state"
	"faultwatch/internal/storage"
	"faultwatch/internal/worker"
	"faultwatch/internal/ws"
)

// healthProbeID is looked up by /health to exercise the state store
const healthProbeID = "__health__"

// Processor owns every collaborator of the running service: stores, the
// history pipeline, the alert channel, the coordinator and the HTTP surface.
type Processor struct {
	cfg        *config.Config
	configPath string

	db       *gorm.DB
	store    state.Store
	history  storage.HistoryLog
	queueLog *worker.QueueLog

	historyProducer *kafka.Producer
	alertProducer   *kafka.Producer
	consumer        *kafka.Consumer

	coord *coordinator.Coordinator
	hub   *ws.Hub

	handler    http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup

	closeOnce sync.Once
	started   time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithConfigPath enables hot reload of the alert policy from path
func WithConfigPath(path string) Option {
	return func(p *Processor) {
		p.configPath = path
	}
}

// New builds every collaborator from cfg. Resources acquired here are
// released by Close, or by Run on shutdown.
func New(cfg *config.Config, opts ...Option) (*Processor, error) {
	p := &Processor{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.build(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Processor) build() error {
	log := logger.WithComponent("processor")

	if err := p.initStorage(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	alerter, err := p.initAlerter()
	if err != nil {
		return fmt.Errorf("failed to initialize alerter: %w", err)
	}

	p.coord, err = coordinator.New(coordinator.Config{
		Store:        p.store,
		History:      p.history,
		Scorer:       scoring.New(p.cfg.Scoring.Thresholds),
		Alerter:      alerter,
		Policy:       policyFromConfig(p.cfg.Alerts),
		AlertTimeout: p.cfg.Alerts.Timeout,
	})
	if err != nil {
		return err
	}

	if p.cfg.Kafka.IngestTopic != "" {
		p.consumer, err = kafka.NewConsumer(
			p.cfg.Kafka.Brokers,
			p.cfg.Kafka.IngestTopic,
			p.cfg.Kafka.ConsumerGroup,
			func(ctx context.Context, in *models.TelemetryInput) error {
				_, err := p.coord.Ingest(ctx, in)
				return err
			},
		)
		if err != nil {
			return fmt.Errorf("failed to initialize consumer: %w", err)
		}
	}

	if p.cfg.Dashboard.Enabled {
		p.hub = ws.New(p.store, p.cfg.Dashboard.Period)
	}

	p.handler = p.routes()

	log.Info().
		Str("latest", p.cfg.Storage.Latest).
		Str("history", p.cfg.Storage.History).
		Str("alert_channel", p.cfg.Alerts.Channel).
		Strs("alertable", p.cfg.Alerts.Alertable).
		Dur("min_interval", p.cfg.Alerts.MinInterval).
		Bool("kafka_ingest", p.consumer != nil).
		Bool("dashboard", p.hub != nil).
		Msg("processor initialized")
	return nil
}

// initStorage opens the latest-state store and the history log
func (p *Processor) initStorage() error {
	log := logger.WithComponent("processor")
	sc := p.cfg.Storage

	if sc.Latest == "sqlite" || sc.History == "sqlite" {
		db, err := storage.OpenSQLite(sc.SQLitePath)
		if err != nil {
			return err
		}
		p.db = db
		log.Info().Str("path", sc.SQLitePath).Msg("sqlite opened")
	}

	switch sc.Latest {
	case "sqlite":
		st, err := state.NewSQLStore(p.db)
		if err != nil {
			return err
		}
		p.store = st
	default:
		p.store = state.NewMemoryStore()
	}

	switch sc.History {
	case "none":
		p.history = storage.NewNopHistory()
	case "sqlite":
		h, err := storage.NewSQLHistory(p.db)
		if err != nil {
			return err
		}
		p.history = h
	case "kafka":
		producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.HistoryTopic, p.cfg.Kafka.Producer)
		if err != nil {
			return err
		}
		p.historyProducer = producer

		pool := worker.NewPool(worker.Config{
			Publisher:      producer,
			QueueSize:      p.cfg.Kafka.QueueSize,
			Workers:        p.cfg.Kafka.Producer.PoolSize,
			BatchSize:      p.cfg.Kafka.Producer.BatchSize,
			BatchTimeout:   p.cfg.Kafka.Producer.BatchTimeout,
			PublishTimeout: p.cfg.Kafka.Producer.WriteTimeout,
		})
		pool.Start()
		p.queueLog = worker.NewQueueLog(pool, p.nodeID())
		p.history = p.queueLog

		log.Info().
			Strs("brokers", p.cfg.Kafka.Brokers).
			Str("topic", p.cfg.Kafka.HistoryTopic).
			Msg("kafka history producer initialized")
	default:
		p.history = storage.NewMemoryHistory(p.cfg.Storage.MemoryRetention)
	}
	return nil
}

// initAlerter builds the configured delivery channel
func (p *Processor) initAlerter() (alerts.Alerter, error) {
	ac := p.cfg.Alerts

	var a alerts.Alerter
	switch ac.Channel {
	case "webhook":
		url := ac.Webhook.URL()
		if url == "" {
			return nil, fmt.Errorf("webhook url env %q is empty", ac.Webhook.URLEnv)
		}
		w, err := alerts.NewWebhookAlerter(ac.Webhook.Type, url)
		if err != nil {
			return nil, err
		}
		a = w
	case "kafka":
		producer, err := kafka.NewProducer(p.cfg.Kafka.Brokers, p.cfg.Kafka.AlertTopic, p.cfg.Kafka.Producer)
		if err != nil {
			return nil, err
		}
		p.alertProducer = producer
		a = alerts.NewKafkaAlerter(producer)
	default:
		a = alerts.LogAlerter{}
	}
	return alerts.Instrument(ac.Channel, a), nil
}

func (p *Processor) nodeID() string {
	if p.cfg.Server.NodeID != "" {
		return p.cfg.Server.NodeID
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// policyFromConfig converts the alerts section into a decision policy
func policyFromConfig(a config.AlertsConfig) alerts.Policy {
	return alerts.Policy{
		Alertable:   a.AlertableSet(),
		MinInterval: a.MinInterval,
	}
}

// routes wires the HTTP surface
func (p *Processor) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery, middleware.Logging, middleware.CORS)

	var auth func(http.Handler) http.Handler = func(h http.Handler) http.Handler { return h }
	if p.cfg.Server.Auth.Mode == "apikey" {
		key := p.cfg.Server.Auth.Key()
		if key == "" {
			log := logger.WithComponent("processor")
			log.Warn().
				Str("key_env", p.cfg.Server.Auth.KeyEnv).
				Msg("api key auth enabled but no key is set; write endpoints are open")
		}
		auth = middleware.APIKey(p.cfg.Server.Auth.EffectiveHeader(), key)
	}

	ingest := handlers.NewIngestHandler(handlers.IngestConfig{
		Ingester:    p.coord,
		MaxBodySize: p.cfg.Server.MaxBodySize,
	})
	predict := handlers.NewPredictHandler(p.coord, p.cfg.Server.MaxBodySize)
	machines := handlers.NewMachineHandler(p.coord, p.store, p.cfg.Server.DefaultMachineID)

	r.With(auth).Handle("/ingest", ingest)
	r.Get("/query", machines.Query)

	r.Route("/v1", func(r chi.Router) {
		r.With(auth).Handle("/ingest", ingest)
		r.With(auth).Handle("/predict", predict)
		r.Get("/machines", machines.List)
		r.Get("/machines/{machineID}", machines.Get)
		r.Get("/machines/{machineID}/readings", machines.Readings)
	})

	r.Get("/health", p.healthHandler)
	r.Get("/stats", p.statsHandler)
	r.Handle("/metrics", promhttp.Handler())
	if p.hub != nil {
		r.Handle("/ws", p.hub)
	}
	return r
}

// Handler returns the HTTP handler serving the API
func (p *Processor) Handler() http.Handler {
	return p.handler
}

// Coordinator returns the coordinator shared by every transport
func (p *Processor) Coordinator() *coordinator.Coordinator {
	return p.coord
}

// Run starts background goroutines and blocks until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	log := logger.WithComponent("processor")
	log.Info().Msg("processor starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.httpServer = &http.Server{
		Addr:         p.cfg.Server.Addr,
		Handler:      p.handler,
		ReadTimeout:  p.cfg.Server.ReadTimeout,
		WriteTimeout: p.cfg.Server.WriteTimeout,
		IdleTimeout:  p.cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Info().Str("addr", p.cfg.Server.Addr).Msg("starting HTTP server")
		if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			serverErr <- err
		}
	}()

	if p.consumer != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
	}

	if p.hub != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.hub.Run(ctx)
		}()
	}

	if p.configPath != "" {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := config.Watch(ctx, p.configPath, p.applyConfig); err != nil {
				log.Error().Err(err).Str("path", p.configPath).Msg("config watcher stopped")
			}
		}()
	}

	// Stats reporting goroutine
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reportStats(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serverErr:
	}

	cancel()
	p.shutdown()
	return runErr
}

// applyConfig takes the hot-reloadable parts of a reloaded config. Storage,
// transport and scoring settings need a restart.
func (p *Processor) applyConfig(cfg *config.Config) {
	p.coord.SetPolicy(policyFromConfig(cfg.Alerts), cfg.Alerts.Timeout)
	logger.SetLevel(cfg.Log.Level)

	log := logger.WithComponent("processor")

	log.Info().
		Strs("alertable", cfg.Alerts.Alertable).
		Dur("min_interval", cfg.Alerts.MinInterval).
		Dur("timeout", cfg.Alerts.Timeout).
		Msg("alert policy reloaded")
}

// shutdown performs graceful shutdown
func (p *Processor) shutdown() {
	log := logger.WithComponent("processor")
	log.Info().Msg("initiating graceful shutdown")

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("stopping HTTP server")
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the broker reader so no new ingests start
	if p.consumer != nil {
		if err := p.consumer.Stop(); err != nil {
			log.Error().Err(err).Msg("consumer close error")
		}
	}

	// 3. Wait for background goroutines
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		log.Warn().Msg("background shutdown timeout - continuing")
	}

	// 4. Flush history and release stores
	p.Close()

	log.Info().Msg("processor stopped gracefully")
}

// Close releases every resource acquired by New. Safe to call more than once.
func (p *Processor) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		log := logger.WithComponent("processor")

		if p.history != nil {
			if err := p.history.Close(); err != nil {
				errs = append(errs, fmt.Errorf("history: %w", err))
			}
		}
		for _, producer := range []*kafka.Producer{p.historyProducer, p.alertProducer} {
			if producer == nil {
				continue
			}
			log.Info().Str("topic", producer.Topic()).Msg("closing kafka producer")
			if err := producer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("producer %s: %w", producer.Topic(), err))
			}
		}
		if p.store != nil {
			if err := p.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("state: %w", err))
			}
		}
		if p.db != nil {
			if err := storage.CloseSQLite(p.db); err != nil {
				errs = append(errs, fmt.Errorf("sqlite: %w", err))
			}
		}
		for _, err := range errs {
			log.Error().Err(err).Msg("close error")
		}
	})
	return errors.Join(errs...)
}

// reportStats periodically logs statistics
func (p *Processor) reportStats(ctx context.Context) {
	log := logger.WithComponent("processor")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := p.stats(ctx)
			ev := log.Info().Int("machines", s.Machines)
			if s.History != nil {
				metrics.WorkerQueueSize.Set(float64(s.History.Queued))
				ev = ev.
					Uint64("history_processed", s.History.Processed).
					Uint64("history_failed", s.History.Failed).
					Uint64("history_dropped", s.History.Dropped)
			}
			if s.Consumer != nil {
				ev = ev.
					Uint64("consumed", s.Consumer.Consumed).
					Uint64("consume_invalid", s.Consumer.Invalid)
			}
			ev.Msg("stats")
		}
	}
}

// Stats is the /stats payload
type Stats struct {
	UptimeSeconds    float64              `json:"uptime_seconds"`
	Machines         int                  `json:"machines"`
	DashboardClients int                  `json:"dashboard_clients"`
	History          *worker.Stats        `json:"history_queue,omitempty"`
	Producers        []ProducerStats      `json:"producers,omitempty"`
	Consumer         *kafka.ConsumerStats `json:"consumer,omitempty"`
}

// ProducerStats reports one Kafka producer
type ProducerStats struct {
	Topic          string `json:"topic"`
	MessagesSent   uint64 `json:"messages_sent"`
	MessagesFailed uint64 `json:"messages_failed"`
	BytesWritten   uint64 `json:"bytes_written"`
}

func (p *Processor) stats(ctx context.Context) Stats {
	s := Stats{UptimeSeconds: time.Since(p.started).Seconds()}

	if states, err := p.store.List(ctx); err == nil {
		s.Machines = len(states)
	}
	if p.hub != nil {
		s.DashboardClients = p.hub.Count()
	}
	if p.queueLog != nil {
		hs := p.queueLog.Stats()
		s.History = &hs
	}
	for _, producer := range []*kafka.Producer{p.historyProducer, p.alertProducer} {
		if producer == nil {
			continue
		}
		ps := producer.Stats()
		s.Producers = append(s.Producers, ProducerStats{
			Topic:          producer.Topic(),
			MessagesSent:   ps.MessagesSent,
			MessagesFailed: ps.MessagesFailed,
			BytesWritten:   ps.BytesWritten,
		})
	}
	if p.consumer != nil {
		cs := p.consumer.Stats()
		s.Consumer = &cs
	}
	return s
}

// healthHandler reports whether the state store and producers are reachable
func (p *Processor) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := p.checkHealth(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *Processor) checkHealth(ctx context.Context) error {
	if _, err := p.store.Get(ctx, healthProbeID); err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("state store: %w", err)
	}
	for _, producer := range []*kafka.Producer{p.historyProducer, p.alertProducer} {
		if producer == nil {
			continue
		}
		if err := producer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("kafka %s: %w", producer.Topic(), err)
		}
	}
	return nil
}

// statsHandler returns current statistics
func (p *Processor) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.stats(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
