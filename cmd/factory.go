// File: cmd/factory.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/bus"
	"github.com/SileNt525/NMOS-Controller/internal/config"
	"github.com/SileNt525/NMOS-Controller/internal/engine"
	"github.com/SileNt525/NMOS-Controller/internal/knowledgegraph"
	"github.com/SileNt525/NMOS-Controller/internal/network"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
	"github.com/SileNt525/NMOS-Controller/internal/orchestrator"
	"github.com/SileNt525/NMOS-Controller/internal/selection"
	"github.com/SileNt525/NMOS-Controller/internal/store"
)

// Components holds every service a command needs, so their lifecycle is
// managed in one place.
type Components struct {
	Bus          *bus.Bus
	Store        *store.Store
	Graph        *knowledgegraph.InMemoryKG
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Control      *network.ControlClient

	activation schemas.Activation
	logger     *zap.Logger
}

// Options selects which background sources the engine runs.
type Options struct {
	// Watch enables periodic polling and the push channel. One-shot commands
	// leave both off and refresh explicitly.
	Watch bool
}

// Start launches the engine loops.
func (c *Components) Start(ctx context.Context) {
	c.Engine.Start(ctx)
}

// NewSelection builds a selection workflow that commits through the
// orchestrator with the configured default activation.
func (c *Components) NewSelection() *selection.Machine {
	commit := func(ctx context.Context, req schemas.ConnectionRequest) (string, error) {
		p := c.Orchestrator.Connect(ctx, req)
		// Local validation completes before Connect returns; surface it as a
		// refused submission.
		select {
		case <-p.Done():
			if _, err := p.Wait(ctx); schemas.IsValidation(err) {
				return "", err
			}
		default:
		}
		return p.ID(), nil
	}
	return selection.New(c.Graph, commit, c.Bus, c.activation, c.logger)
}

// Shutdown releases components in dependency order: commands drain before
// the engine that backs their overlay stops, and the bus closes last.
func (c *Components) Shutdown() {
	c.logger.Debug("Beginning components shutdown sequence.")

	if c.Orchestrator != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.Orchestrator.Shutdown(shutdownCtx); err != nil {
			c.logger.Warn("Commands still running at shutdown.", zap.Error(err))
		} else {
			c.logger.Debug("Orchestrator drained.")
		}
	}
	if c.Engine != nil {
		c.Engine.Stop()
		c.logger.Debug("Engine stopped.")
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
		c.logger.Debug("Bus shut down.")
	}
	c.logger.Info("All components shut down successfully.")
}

// ComponentFactory creates the component set. It keeps commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config, opts Options) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the clients, the store, the engine and the orchestrator.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config, opts Options) (*Components, error) {
	logger := observability.GetLogger()

	mode, err := schemas.ParseActivationMode(cfg.Control.DefaultActivation)
	if err != nil {
		return nil, fmt.Errorf("control.default_activation: %w", err)
	}
	if mode != schemas.ActivateImmediate {
		// A default cannot carry a time, so only immediate is usable here.
		return nil, fmt.Errorf("control.default_activation must be immediate, got %q", mode)
	}

	clk := clock.New()
	components := &Components{
		activation: schemas.Activation{Mode: mode},
		logger:     logger,
	}

	// 1. HTTP transport shared by the registry and control clients.
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.IgnoreTLSErrors = cfg.Control.IgnoreTLSErrors
	clientCfg.Logger = logger
	httpClient := network.NewClient(clientCfg)

	registry := network.NewRegistryClient(cfg.Registry.URL, cfg.Registry.APIVersion, httpClient, logger)
	components.Control = network.NewControlClient(cfg.Control.URL, httpClient, logger)
	logger.Debug("Service clients initialized.",
		zap.String("registry", cfg.Registry.URL), zap.String("control", cfg.Control.URL))

	// 2. Push channel, only when watching.
	var push schemas.PushSource
	if opts.Watch && cfg.Push.URL != "" {
		push = network.NewWebSocketSource(network.PushConfig{
			URL:               cfg.Push.URL,
			ReconnectInterval: cfg.Push.ReconnectInterval,
			HandshakeTimeout:  cfg.Push.HandshakeTimeout,
			ReadTimeout:       cfg.Push.ReadTimeout,
			IgnoreTLSErrors:   cfg.Control.IgnoreTLSErrors,
		}, clk, logger)
		logger.Debug("Push source initialized.", zap.String("url", cfg.Push.URL))
	}

	// 3. State and distribution.
	components.Bus = bus.New(logger, cfg.Engine.BusBufferSize)
	components.Store = store.New(logger)
	components.Graph = knowledgegraph.NewInMemoryKG(logger)

	// 4. Engine.
	engineCfg := engine.Config{
		FetchTimeout:     cfg.Registry.RequestTimeout,
		DebounceInterval: cfg.Engine.DebounceInterval,
		QueueSize:        cfg.Engine.QueueSize,
		PushBufferSize:   cfg.Push.BufferSize,
		EventLogSize:     cfg.History.EventLogSize,
	}
	if opts.Watch {
		engineCfg.PollInterval = cfg.Registry.PollInterval
	}
	components.Engine = engine.New(engineCfg, components.Store, registry, push, components.Bus, components.Graph, clk, logger)
	logger.Debug("Engine initialized.", zap.Bool("watch", opts.Watch))

	// 5. Orchestrator, with the engine as its overlay writer.
	components.Orchestrator = orchestrator.New(components.Control, components.Engine, components.Bus, clk, orchestrator.Config{
		CommandTimeout: cfg.Control.CommandTimeout,
		StatusTimeout:  cfg.Control.StatusTimeout,
		HistorySize:    cfg.History.CommandLogSize,
	}, logger)
	logger.Debug("Orchestrator initialized.")

	logger.Info("All components initialized successfully.")
	return components, nil
}
