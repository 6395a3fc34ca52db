// Package providers assembles the realtime components into a running
// server: connection registry, offline queue, delivery service, heartbeat
// monitor, expiry sweeper and the producer surfaces.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/config"
	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/events"
	"github.com/orchestra-mcp/realtime/src/heartbeat"
	"github.com/orchestra-mcp/realtime/src/ingest"
	"github.com/orchestra-mcp/realtime/src/metrics"
	"github.com/orchestra-mcp/realtime/src/offline"
	"github.com/orchestra-mcp/realtime/src/receipts"
	"github.com/orchestra-mcp/realtime/src/registry"
	"github.com/orchestra-mcp/realtime/src/service"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Server owns every component and their background loops.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	hooks     *events.Hooks
	registry  *registry.Registry
	queue     *offline.Queue
	service   *service.Service
	monitor   *heartbeat.Monitor
	sweeper   *offline.Sweeper
	handshake auth.Handshake
	verifier  *auth.Verifier
	receipts  *receipts.Store
	metrics   *metrics.Metrics
	ingest    *ingest.Ingest
	redisIn   *ingest.RedisIngest
	app       *fiber.App

	mu      sync.Mutex
	active  bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	httpSrv *fasthttp.Server
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s.queue, err = offline.NewQueue(offline.Config{
		Enabled:  cfg.Offline.Enabled,
		MaxCount: cfg.Offline.MaxCount,
		TTL:      cfg.Offline.TTL,
	}, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	s.hooks = events.New(logger)
	s.registry = registry.New(s.hooks, logger)

	var recorder service.Recorder
	if cfg.Metrics.Enabled {
		s.metrics = metrics.New(s.registry, s.queue)
		recorder = s.metrics
	}
	s.service = service.New(s.registry, s.queue, service.Options{
		FanOut:   cfg.Server.FanOut,
		Recorder: recorder,
	}, logger)

	s.monitor, err = heartbeat.New(heartbeat.Config{
		Interval: cfg.Heartbeat.Interval,
		Timeout:  cfg.Heartbeat.Timeout,
	}, s.registry, logger)
	if err != nil {
		s.closeStores()
		return nil, err
	}
	if s.metrics != nil {
		s.monitor.OnTimeout(s.metrics.HeartbeatTimeout)
	}

	if cfg.Offline.Enabled && cfg.Offline.SweepCron != "" {
		s.sweeper, err = offline.NewSweeper(s.queue, cfg.Offline.SweepCron, logger)
		if err != nil {
			s.closeStores()
			return nil, err
		}
	}

	if cfg.Auth.JWTSecret != "" {
		s.verifier, err = auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			s.closeStores()
			return nil, err
		}
	}
	s.handshake = auth.Handshake{
		Verifier: s.verifier,
		Required: cfg.Auth.Required,
		Timeout:  cfg.Auth.Timeout,
	}

	if cfg.Receipts.Enabled {
		s.receipts, err = receipts.Open(cfg.Receipts.DSN, logger)
		if err != nil {
			s.closeStores()
			return nil, err
		}
		s.receipts.Observe(s.hooks)
	}

	s.app = fiber.New(fiber.Config{AppName: "realtime"})
	s.RegisterRoutes(s.app)
	return s, nil
}

func openStore(cfg *config.Config) (offline.Store, error) {
	switch cfg.Offline.Backend {
	case config.BackendPebble:
		store, err := offline.OpenPebbleStore(cfg.Pebble.Path, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendRedis:
		store := offline.NewRedisStore(newRedisClient(cfg.Redis), cfg.Redis.Prefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("redis offline backend at %s: %w", cfg.Redis.Addr, err)
		}
		return store, nil
	case config.BackendMemory, "":
		return offline.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown offline backend %q", cfg.Offline.Backend)
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Service returns the delivery service.
func (s *Server) Service() *service.Service { return s.service }

// Hooks returns the lifecycle hooks so embedders can observe events.
func (s *Server) Hooks() *events.Hooks { return s.hooks }

// Verifier returns the token verifier, or nil when no secret is configured.
func (s *Server) Verifier() *auth.Verifier { return s.verifier }

// App returns the HTTP API.
func (s *Server) App() *fiber.App { return s.app }

// Start launches the heartbeat monitor, the expiry sweeper and, when a
// broker is configured, the MQTT ingest.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || s.stopped {
		return errors.New("server already started")
	}

	if s.cfg.MQTT.Broker != "" {
		in, err := ingest.Connect(ingest.Options{
			BrokerURL:   s.cfg.MQTT.Broker,
			ClientID:    s.cfg.MQTT.ClientID,
			Username:    s.cfg.MQTT.Username,
			Password:    s.cfg.MQTT.Password,
			TopicPrefix: s.cfg.MQTT.TopicPrefix,
			QoS:         s.cfg.MQTT.QoS,
		}, s.service, s.logger)
		if err != nil {
			return err
		}
		s.ingest = in
	}
	if s.cfg.Redis.Ingest {
		rin := ingest.NewRedisIngest(newRedisClient(s.cfg.Redis), s.cfg.Redis.Prefix+"ingest", s.service, s.logger)
		if err := rin.Start(); err != nil {
			rin.Stop()
			if s.ingest != nil {
				s.ingest.Close()
				s.ingest = nil
			}
			return err
		}
		s.redisIn = rin
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.monitor.Run(ctx)
	}()
	if s.sweeper != nil {
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.sweeper.Run(ctx)
		}()
	}

	s.active = true
	s.logger.Info().
		Str("offline_backend", s.cfg.Offline.Backend).
		Bool("auth_required", s.cfg.Auth.Required).
		Bool("mqtt", s.ingest != nil).
		Bool("redis_ingest", s.redisIn != nil).
		Msg("realtime server started")
	return nil
}

// ListenAndServe serves HTTP and websocket traffic on the configured
// address until Stop is called.
func (s *Server) ListenAndServe() error {
	srv := &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "realtime",
		WriteTimeout:       s.cfg.Server.WriteTimeout,
		MaxRequestBodySize: 1 << 20,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", s.cfg.Server.Addr).Msg("listening")
	return srv.ListenAndServe(s.cfg.Server.Addr)
}

// Stop disconnects every client, stops the loops and releases stores.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	srv := s.httpSrv
	s.httpSrv = nil
	cancel := s.cancel
	s.cancel = nil
	in := s.ingest
	s.ingest = nil
	rin := s.redisIn
	s.redisIn = nil
	s.active = false
	s.mu.Unlock()

	var errs []error
	if in != nil {
		in.Close()
	}
	if rin != nil {
		if err := rin.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("redis ingest stop: %w", err))
		}
	}
	s.registry.Close(events.ReasonServerShutdown)
	if srv != nil {
		if err := srv.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.loops.Wait()
	errs = append(errs, s.closeStores())

	s.logger.Info().Msg("realtime server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStores() error {
	var errs []error
	if s.receipts != nil {
		if err := s.receipts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close receipts: %w", err))
		}
	}
	if err := s.queue.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close offline store: %w", err))
	}
	return errors.Join(errs...)
}
