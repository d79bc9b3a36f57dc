package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/forechoandlook/stepflow"
	"github.com/forechoandlook/stepflow/checkpointer"
	"github.com/forechoandlook/stepflow/config"
	"github.com/forechoandlook/stepflow/engine"
	"github.com/forechoandlook/stepflow/flows"
	"github.com/forechoandlook/stepflow/kv"
	"github.com/forechoandlook/stepflow/log"
	"github.com/forechoandlook/stepflow/nodes"
	"github.com/forechoandlook/stepflow/server"
	"github.com/forechoandlook/stepflow/session"
	"github.com/forechoandlook/stepflow/utils"
)

const (
	serviceName = "stepflow"
	meterName   = "github.com/forechoandlook/stepflow"

	// kvArchiveURL archives reaped sessions into the configured kv backend
	kvArchiveURL = "kv://"
)

var (
	version = "dev"
	env     = "local"
)

// app holds everything one stepflow process wires together
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    kv.Store
	archiver session.Archiver
	bucket   *session.BlobArchiver
	sessions *session.Registry
	nodes    *nodes.Registry
	catalog  *flows.MemoryCatalog
	engine   *engine.Engine
	checks   map[string]server.HealthCheck
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	lvl, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		logger: log.NewWithWriter(logOut, cfg.Log.Format, serviceName, env, version, lvl),
		checks: map[string]server.HealthCheck{},
	}

	if a.store, err = a.openStore(); err != nil {
		return nil, err
	}

	regOpts := []session.Option{
		session.WithRetention(cfg.Sessions.Retention),
		session.WithIdleTTL(cfg.Sessions.IdleTTL),
		session.WithLogger(a.logger),
	}
	switch cfg.Archive.URL {
	case "":
	case kvArchiveURL:
		a.archiver = checkpointer.NewKVCheckpointer(a.store, cfg.Archive.Prefix)
	default:
		a.bucket, err = session.NewBlobArchiver(
			ctx, cfg.Archive.URL, cfg.Archive.Prefix,
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open archive %s: %w", cfg.Archive.URL, err)
		}
		a.archiver = a.bucket
	}
	if a.archiver != nil {
		regOpts = append(regOpts, session.WithArchiver(a.archiver))
	}
	a.sessions = session.NewRegistry(regOpts...)

	nodeOpts := []nodes.Option{
		nodes.WithStore(a.store),
		nodes.WithLogger(a.logger),
		nodes.WithShell(cfg.Nodes.EnableShell),
	}
	if cfg.LLM.Model != "" {
		nodeOpts = append(nodeOpts, nodes.WithDefaultModel(cfg.LLM.Model))
	}
	a.nodes = nodes.NewRegistry(nodeOpts...)

	a.catalog = flows.NewMemoryCatalog()
	if cfg.Flows.Dir != "" {
		n, err := a.catalog.LoadDir(cfg.Flows.Dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.logger.Info("Flows loaded",
			slog.String("dir", cfg.Flows.Dir),
			slog.Int("count", n))
	}

	var exec stepflow.Executor = a.nodes
	if cfg.Server.NodeTimeout > 0 {
		exec = utils.WithTimeoutOnExecutor(a.nodes, cfg.Server.NodeTimeout)
	}

	telemetry, err := engine.NewTelemetryMonitor(otel.Meter(meterName))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine.New(a.sessions, exec,
		engine.WithCatalog(a.catalog),
		engine.WithLogger(a.logger),
		engine.WithMonitor(engine.NewLogMonitor(a.logger)),
		engine.WithMonitor(telemetry),
	)
	return a, nil
}

func (a *app) openStore() (kv.Store, error) {
	c := a.cfg.KV
	switch c.Backend {
	case config.KVFile:
		return kv.NewFileStore(c.Path)
	case config.KVRedis:
		rs := kv.NewRedisStore(kv.RedisConfig{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			Prefix:   c.Prefix,
			TTL:      c.TTL,
		})
		a.checks["redis"] = rs.Ping
		return rs, nil
	default:
		return kv.NewMemoryStore(), nil
	}
}

// credentials returns the configured default LLM credentials, or nil when
// no api key is set
func (a *app) credentials() *stepflow.Credentials {
	c := a.cfg.LLM
	if c.APIKey == "" {
		return nil
	}
	return &stepflow.Credentials{
		Provider: c.Provider,
		APIKey:   c.APIKey,
		BaseURL:  c.BaseURL,
		Model:    c.Model,
	}
}

func (a *app) serverOptions() []server.Option {
	opts := []server.Option{
		server.WithNodes(a.nodes),
		server.WithDefaultCredentials(a.credentials()),
		server.WithLogger(a.logger),
		server.WithCORSOrigins(a.cfg.Server.CORSOrigins...),
		server.WithMCP(a.cfg.MCP.Enabled),
	}
	for name, check := range a.checks {
		opts = append(opts, server.WithHealthCheck(name, check))
	}
	return opts
}

// Close releases the kv store and the archive bucket
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close kv store", log.Error(err))
		}
	}
	if a.bucket != nil {
		if err := a.bucket.Close(); err != nil {
			a.logger.Warn("Failed to close archive", log.Error(err))
		}
	}
}
