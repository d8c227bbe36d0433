// Package app wires configuration, MQTT, storage and the arbitrator into a
// runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/ems/api"
	"github.com/kilianp07/ems/api/decisions"
	"github.com/kilianp07/ems/api/overrides"
	"github.com/kilianp07/ems/config"
	"github.com/kilianp07/ems/core/clock"
	"github.com/kilianp07/ems/core/dispatch"
	"github.com/kilianp07/ems/core/dispatch/logging"
	"github.com/kilianp07/ems/core/events"
	coremetrics "github.com/kilianp07/ems/core/metrics"
	coremon "github.com/kilianp07/ems/core/monitoring"
	"github.com/kilianp07/ems/core/override"
	"github.com/kilianp07/ems/core/registry"
	"github.com/kilianp07/ems/core/scheduler"
	"github.com/kilianp07/ems/infra/logger"
	"github.com/kilianp07/ems/infra/metrics"
	"github.com/kilianp07/ems/infra/monitoring"
	"github.com/kilianp07/ems/infra/mqtt"
	"github.com/kilianp07/ems/infra/store"
	"github.com/kilianp07/ems/internal/eventbus"
)

// CleanupInterval is how often expired overrides are purged.
const CleanupInterval = 5 * time.Minute

// Service orchestrates the arbitrator and its adapters.
type Service struct {
	Arbitrator *dispatch.Arbitrator

	cfg       *config.Config
	client    *mqtt.Client
	publisher *mqtt.DecisionPublisher
	bus       *eventbus.Bus[events.Event]
	store     logging.LogStore
	sink      coremetrics.MetricsSink
	monitor   coremon.Monitor
	log       logger.Logger
}

// New creates a Service from the configuration and connects to the broker.
func New(cfg *config.Config) (*Service, error) {
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	client, err := mqtt.NewClient(cfg.MQTT, logger.New("mqtt"), mon)
	if err != nil {
		return nil, fmt.Errorf("mqtt client: %w", err)
	}
	svc, err := build(cfg, client, mon, clock.Real{})
	if err != nil {
		client.Disconnect()
		return nil, err
	}
	svc.client = client
	return svc, nil
}

// build assembles everything that does not own the broker connection.
func build(cfg *config.Config, conn mqtt.Conn, mon coremon.Monitor, clk clock.Clock) (*Service, error) {
	logg := logger.New("service")

	devices, err := registry.New(cfg.Devices...)
	if err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	ovStore, err := store.NewOverrideStore(cfg.Storage.Overrides, clk)
	if err != nil {
		return nil, err
	}
	resolver, err := override.NewResolver(ovStore, clk, logger.New("overrides"))
	if err != nil {
		return nil, err
	}
	schedStore, err := store.NewScheduleStore(cfg.Storage.Schedules)
	if err != nil {
		return nil, err
	}
	schedules, err := scheduler.NewManager(schedStore, clk, logger.New("scheduler"))
	if err != nil {
		return nil, err
	}

	control, err := mqtt.NewRelayController(conn, cfg.MQTT, cfg.Relays, devices.Get, clk, logger.New("relays"))
	if err != nil {
		return nil, fmt.Errorf("relay controller: %w", err)
	}
	energy, err := mqtt.NewEnergySubscriber(conn, cfg.MQTT, cfg.Energy, clk, logger.New("energy"))
	if err != nil {
		return nil, fmt.Errorf("energy subscriber: %w", err)
	}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	logStore, err := logging.New(cfg.Logging.Decisions)
	if err != nil {
		coremetrics.Close(sink)
		return nil, fmt.Errorf("decision log: %w", err)
	}

	bus := eventbus.New[events.Event](eventbus.DefaultBuffer)
	arb, err := dispatch.New(cfg.Dispatch, dispatch.Deps{
		Devices:   devices,
		Overrides: resolver,
		Schedules: schedules,
		Energy:    energy,
		Control:   control,
		Clock:     clk,
		Logger:    logger.New("arbitrator"),
		Metrics:   sink,
		Bus:       bus,
		Store:     logStore,
		Monitor:   mon,
	})
	if err != nil {
		if logStore != nil {
			_ = logStore.Close()
		}
		coremetrics.Close(sink)
		return nil, fmt.Errorf("arbitrator: %w", err)
	}

	svc := &Service{Arbitrator: arb, cfg: cfg, bus: bus, store: logStore, sink: sink, monitor: coremon.OrNop(mon), log: logg}
	if cfg.Publish.Enabled {
		svc.publisher = mqtt.NewDecisionPublisher(conn, cfg.MQTT, cfg.Publish.Prefix, logger.New("publisher"))
	}
	logg.Infof("service ready: %d devices, %d schedules", devices.Len(), len(schedules.All()))
	return svc, nil
}

// Handler returns the admin HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	ov := overrides.NewHandler(s.Arbitrator, s.cfg.API.Token, logger.New("api"))
	mux.Handle("/api/overrides", ov)
	mux.Handle("/api/overrides/", ov)
	mux.Handle("/api/decisions", decisions.NewLogHandler(s.Arbitrator, s.cfg.API.Token))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		last := s.Arbitrator.LastCycle()
		api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "last_cycle": last.CycleID, "last_cycle_at": last.Time})
	})
	return mux
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.publisher != nil {
		sub := s.bus.Subscribe()
		go func() {
			defer s.bus.Unsubscribe(sub)
			s.publisher.Run(ctx, sub)
		}()
	}
	if addr := s.cfg.Metrics.PrometheusAddr; addr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	if s.cfg.API.Addr != "" {
		go s.serveAPI(ctx)
	}
	go s.cleanupLoop(ctx)
	return s.Arbitrator.Run(ctx)
}

func (s *Service) serveAPI(ctx context.Context) {
	srv := &http.Server{Addr: s.cfg.API.Addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api shutdown: %v", err)
		}
	}()
	s.log.Infof("admin API listening on %s", s.cfg.API.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Errorf("api server: %v", err)
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Arbitrator.CleanupExpiredOverrides()
			if err != nil {
				s.log.Errorf("override cleanup: %v", err)
			} else if n > 0 {
				s.log.Infof("removed %d expired overrides", n)
			}
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.bus.Close()
	if s.client != nil {
		s.client.Disconnect()
	}
	coremetrics.Close(s.sink)
	s.monitor.Flush(2 * time.Second)
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
