// Package app wires the configured components into a running service.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kilianp07/csms/api/admin"
	"github.com/kilianp07/csms/config"
	coremetrics "github.com/kilianp07/csms/core/metrics"
	"github.com/kilianp07/csms/core/model"
	"github.com/kilianp07/csms/core/ocpp"
	"github.com/kilianp07/csms/core/reaper"
	"github.com/kilianp07/csms/core/registry"
	"github.com/kilianp07/csms/core/scheduler"
	"github.com/kilianp07/csms/core/store"
	"github.com/kilianp07/csms/infra/logger"
	"github.com/kilianp07/csms/infra/metrics"
	"github.com/kilianp07/csms/infra/mqtt"
	"github.com/kilianp07/csms/infra/postgres"
	"github.com/kilianp07/csms/infra/ws"
	"github.com/kilianp07/csms/internal/eventbus"
)

// Service orchestrates the protocol engine, allocation scheduler, reaper
// and the HTTP surfaces.
type Service struct {
	cfg      *config.Config
	store    store.Store
	registry *registry.Registry
	engine   *ocpp.Engine
	sched    *scheduler.Scheduler
	reap     *reaper.Reaper
	station  *ws.Server
	adminH   *admin.Handler
	bus      *eventbus.Bus
	events   *mqtt.EventPublisher
	broker   mqtt.Publisher
	closeFns []func()
	log      logger.Logger
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	bus := eventbus.New()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	sink, err := buildSink(cfg.Metrics)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("metrics sink: %w", err)
	}

	reg := registry.New(st, bus, logger.New("registry"))
	engine, err := ocpp.NewEngine(st, nil, reg, bus, cfg.Engine, logger.New("ocpp"))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("engine: %w", err)
	}
	sender := ocpp.NewCommandSender(reg, st, logger.New("commands"))
	sched, err := scheduler.New(cfg.Scheduler, st, reg, sender, bus, sink, logger.New("scheduler"))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	reap, err := reaper.New(cfg.Reaper, st, bus, logger.New("reaper"))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("reaper: %w", err)
	}

	stagger := time.Duration(cfg.Scheduler.StaggerMS) * time.Millisecond
	adminH, err := admin.NewHandler(sched, reg, stagger, logger.New("admin"))
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("admin handler: %w", err)
	}

	svc := &Service{
		cfg:      cfg,
		store:    st,
		registry: reg,
		engine:   engine,
		sched:    sched,
		reap:     reap,
		station:  ws.NewServer(engine, reg, logger.New("station")),
		adminH:   adminH,
		bus:      bus,
		closeFns: []func(){closeStore},
		log:      logg,
	}

	if cfg.MQTT.Enabled {
		broker, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		svc.broker = broker
		pub, err := mqtt.NewEventPublisher(broker, bus, cfg.MQTT.TopicPrefix, logger.New("events"))
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("event publisher: %w", err)
		}
		svc.events = pub
	}
	return svc, nil
}

// Run starts all components and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.sched.Run(ctx)
	go s.reap.Run(ctx)
	if s.events != nil {
		go s.events.Run(ctx)
	}
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Metrics.PrometheusAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	go func() {
		if err := s.runAdmin(ctx); err != nil {
			s.log.Errorf("admin server: %v", err)
		}
	}()
	go func() {
		if err := s.station.Run(ctx, s.cfg.Station); err != nil {
			s.log.Errorf("station server: %v", err)
		}
	}()
	<-ctx.Done()
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.sched.Stop()
	s.bus.Close()
	if s.broker != nil {
		s.broker.Disconnect()
	}
	for _, fn := range s.closeFns {
		fn()
	}
	return nil
}

func (s *Service) runAdmin(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Admin.Addr, Handler: s.adminH.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("admin API listening on %s", s.cfg.Admin.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "memory":
		mem := store.NewMemoryStore()
		if cfg.SeedFile != "" {
			if err := seedFromFile(mem, cfg.SeedFile); err != nil {
				return nil, nil, err
			}
		}
		return mem, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %s", cfg.Backend)
	}
}

type seedFile struct {
	Connectors []model.Connector   `json:"connectors"`
	Settings   []model.SiteSetting `json:"settings"`
}

func seedFromFile(mem *store.MemoryStore, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	mem.SeedConnectors(seed.Connectors...)
	mem.SeedSettings(seed.Settings...)
	return nil
}

func buildSink(cfg config.MetricsConfig) (coremetrics.Sink, error) {
	var sinks []coremetrics.Sink
	if cfg.PrometheusEnabled {
		sink, err := metrics.NewPromSink()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket))
	}
	switch len(sinks) {
	case 0:
		return coremetrics.NopSink{}, nil
	case 1:
		return sinks[0], nil
	default:
		return metrics.NewMultiSink(sinks...), nil
	}
}
