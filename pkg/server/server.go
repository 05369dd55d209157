// Package server provides the public entry point for initializing the
// Attune engine server.
//
// This package lives in pkg/ (not internal/) so embedding deployments
// can import it and compose the engine with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8460", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/attune-health/attune/internal/api"
	"github.com/attune-health/attune/internal/api/handlers"
	"github.com/attune-health/attune/internal/config"
	"github.com/attune-health/attune/internal/detect"
	"github.com/attune-health/attune/internal/dispatch"
	"github.com/attune-health/attune/internal/engine"
	"github.com/attune-health/attune/internal/events"
	"github.com/attune-health/attune/internal/protocol"
	"github.com/attune-health/attune/internal/respond"
	"github.com/attune-health/attune/internal/router"
	"github.com/attune-health/attune/internal/store"
	"github.com/attune-health/attune/internal/telemetry"
	"github.com/attune-health/attune/internal/tracker"
	"github.com/attune-health/attune/pkg/contracts"
)

// Server holds the initialized Attune engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the session store. Exposed so embedding deployments can
	// wrap it or run maintenance against it.
	Store store.Store

	// Engine is the turn pipeline, exposed for in-process embedding.
	Engine *engine.Engine

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry and close the event publisher.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	table, err := loadTable(cfg)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("states", len(table.StateIDs())).
		Str("initial", table.Initial()).
		Msg("protocol table loaded")

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := events.Connect(cfg.Events.NatsURL, cfg.Events.NatsToken)
	if err != nil {
		return nil, fmt.Errorf("connect event publisher: %w", err)
	}

	trk := tracker.New(table, cfg.Tracker)
	gov := router.NewGovernor(table)
	rt := router.New(table, gov, trk)

	disp := dispatch.New(table, cfg.Services.Timeout)
	registerSubsystems(disp, cfg)

	var classifier contracts.Classifier = detect.NewHTTPClassifier(cfg.Services.ClassifierURL, cfg.Services.Timeout)
	var retriever contracts.Retriever
	if cfg.Services.RetrievalURL != "" {
		retriever = respond.NewHTTPRetriever(cfg.Services.RetrievalURL, cfg.Services.Timeout)
	}
	coordinator := respond.NewCoordinator(
		respond.NewHTTPRenderer(cfg.Services.RendererURL, cfg.Services.Timeout),
		retriever,
	)

	eng := engine.New(table, dataStore, classifier, trk, rt, disp, coordinator, publisher, cfg.Services.Timeout)

	h := handlers.New(dataStore, eng, table)
	apiRouter := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		publisher.Close()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      apiRouter,
		Store:        dataStore,
		Engine:       eng,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func loadTable(cfg *config.Config) (*protocol.Table, error) {
	if cfg.ProtocolTablePath != "" {
		table, err := protocol.LoadFile(cfg.ProtocolTablePath, cfg.MaxAttempts)
		if err != nil {
			return nil, fmt.Errorf("load protocol table %s: %w", cfg.ProtocolTablePath, err)
		}
		return table, nil
	}
	table, err := protocol.Default(cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("load default protocol table: %w", err)
	}
	return table, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("in-memory session store initialized")
		return store.NewMemoryStore(), nil
	}
	ps, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	log.Info().Msg("postgres session store initialized")
	return ps, nil
}

// registerSubsystems binds the guided routine kinds the default
// protocol table can trigger. All share one subsystem service; the
// kind selects the routine.
func registerSubsystems(disp *dispatch.Dispatcher, cfg *config.Config) {
	for _, kind := range []string{"relaxation", "cards", "breathing", "crisis"} {
		disp.Register(kind, dispatch.NewHTTPSubsystem(cfg.Services.SubsystemURL, kind, cfg.Services.Timeout))
	}
}
