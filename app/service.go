// Package app assembles the autopilot service from configuration:
// store, actuators, grid source, metrics sinks, the evaluation engine
// and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voltwise/autopilot/api/autopilot"
	"github.com/voltwise/autopilot/config"
	coredevice "github.com/voltwise/autopilot/core/device"
	"github.com/voltwise/autopilot/core/engine"
	"github.com/voltwise/autopilot/core/events"
	"github.com/voltwise/autopilot/core/grid"
	coremetrics "github.com/voltwise/autopilot/core/metrics"
	"github.com/voltwise/autopilot/infra/device"
	"github.com/voltwise/autopilot/infra/logger"
	"github.com/voltwise/autopilot/infra/metrics"
	"github.com/voltwise/autopilot/infra/store"
	"github.com/voltwise/autopilot/internal/eventbus"
)

// Service orchestrates the evaluation engine and the API server.
type Service struct {
	Engine *engine.Engine
	Store  *store.Store
	Grid   grid.Source

	actuator coredevice.Actuator
	bus      *eventbus.Bus[events.Event]
	log      logger.Logger
	apiAddr  string
	promPort string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var plugged coredevice.Actuator
	if cfg.MQTTEnabled() {
		mqttCfg := cfg.MQTT
		mqttCfg.AckTimeout = time.Duration(cfg.Engine.AckTimeoutSeconds) * time.Second
		plugged, err = device.NewMQTTActuator(mqttCfg)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("mqtt actuator: %w", err)
		}
	}
	actuator := device.NewSelector(plugged)

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusPort != "" {
		sink, err := metrics.NewPromSink()
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken,
			cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	src := grid.NewStaticSource()
	bus := eventbus.New[events.Event]()

	eng, err := engine.New(st, actuator, src, sink, bus, logg,
		engine.WithInterval(time.Duration(cfg.Engine.TickIntervalSeconds)*time.Second),
		engine.WithThreshold(cfg.Engine.Threshold),
		engine.WithAckTimeout(time.Duration(cfg.Engine.AckTimeoutSeconds)*time.Second))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	svc := &Service{
		Engine:   eng,
		Store:    st,
		Grid:     src,
		actuator: actuator,
		bus:      bus,
		log:      logg,
		apiAddr:  cfg.API.Addr,
		promPort: cfg.Metrics.PrometheusPort,
	}
	if err := svc.seed(cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return svc, nil
}

// seed loads reference data into the engine and upserts configured
// homes, appliances and device settings.
func (s *Service) seed(cfg *config.Config) error {
	seed, err := cfg.Seed.LoadSeeds()
	if err != nil {
		return fmt.Errorf("load seeds: %w", err)
	}
	if err := s.Engine.LoadReference(seed.Tariffs, seed.Carbon); err != nil {
		return fmt.Errorf("load reference: %w", err)
	}
	ctx := context.Background()
	for _, h := range seed.Homes {
		if err := s.Store.UpsertHome(ctx, h); err != nil {
			return fmt.Errorf("seed home %s: %w", h.ID, err)
		}
	}
	for _, a := range seed.Appliances {
		if err := s.Store.UpsertAppliance(ctx, a); err != nil {
			return fmt.Errorf("seed appliance %s: %w", a.ID, err)
		}
	}
	for _, c := range seed.DeviceConfigs {
		if err := s.Store.UpsertDeviceConfig(ctx, c); err != nil {
			return fmt.Errorf("seed device config %s: %w", c.ApplianceID, err)
		}
	}
	s.log.Infof("seeded %d tariff slots, %d carbon slots, %d homes",
		len(seed.Tariffs), len(seed.Carbon), len(seed.Homes))
	return nil
}

// Run starts the engine loop, the API server and the Prometheus server,
// blocking until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	go func() {
		if err := s.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Errorf("engine: %v", err)
		}
	}()
	if s.promPort != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, s.promPort); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	handler := autopilot.New(s.Store, s.Engine, s.Grid)
	srv := &http.Server{Addr: s.apiAddr, Handler: handler.Mux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api shutdown: %v", err)
		}
	}()
	s.log.Infof("API listening on %s", s.apiAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Events exposes the service event bus.
func (s *Service) Events() *eventbus.Bus[events.Event] { return s.bus }

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.actuator.Close()
	s.bus.Close()
	return s.Store.Close()
}
