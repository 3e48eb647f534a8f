package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/stratusiac/stratus/pkg/config"
	"github.com/stratusiac/stratus/pkg/engine"
	"github.com/stratusiac/stratus/pkg/provider"
	"github.com/stratusiac/stratus/pkg/stores"
	"github.com/stratusiac/stratus/pkg/telemetry"
	"github.com/stratusiac/stratus/pkg/topology"
)

// runtime bundles everything a command needs: configuration, telemetry,
// the open state store, and the compiled topology.
type runtime struct {
	cfg      *config.RunConfig
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	store    *stores.SQLiteStore
	registry *engine.Registry
	compiled *topology.Compiled

	// full is the unrestricted graph, kept for destroy safety checks
	// when --target narrows the working set.
	full *topology.Graph
}

// setupRuntime loads config, compiles the descriptor directory, and opens
// the state store. varFlags override config variables as key=value
// strings; targets restrict the working set to the named nodes plus their
// dependencies.
func setupRuntime(ctx context.Context, dir string, varFlags, targets []string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	metrics := telemetry.NewMetrics(cfg.Metrics)
	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		serveMetrics(log, metrics, cfg.Metrics.Listen)
	}

	vars, err := cfg.CtyVariables()
	if err != nil {
		return nil, err
	}
	if err := applyVarFlags(vars, varFlags); err != nil {
		return nil, err
	}

	set, err := topology.ParseDir(dir)
	if err != nil {
		return nil, err
	}
	compiled, err := topology.Compile(set, vars)
	if err != nil {
		return nil, err
	}
	full := compiled.Graph

	if len(targets) > 0 {
		ids := make([]topology.NodeID, len(targets))
		for i, t := range targets {
			ids[i] = topology.NodeID(t)
		}
		compiled, err = engine.TargetSubset(compiled, ids)
		if err != nil {
			return nil, err
		}
	}

	store, err := stores.Open(ctx, cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		store:    store,
		registry: provider.DefaultRegistry(),
		compiled: compiled,
		full:     full,
	}, nil
}

func (r *runtime) Close() {
	if err := r.store.Close(); err != nil {
		r.log.WithError(err).Warn("closing state store")
	}
}

func (r *runtime) newEngine(concurrency int, confirmDrift bool) *engine.Engine {
	if concurrency <= 0 {
		concurrency = r.cfg.Concurrency
	}
	return engine.New(r.store, r.registry, r.log, r.metrics, engine.Options{
		Concurrency:   concurrency,
		MaxRetries:    r.cfg.MaxRetries,
		WaiterTimeout: r.cfg.WaiterTimeout.Std(),
		ConfirmDrift:  confirmDrift,
	})
}

func (r *runtime) newPlanner() *engine.Planner {
	return engine.NewPlanner(r.store, r.registry)
}

func applyVarFlags(vars map[string]cty.Value, flags []string) error {
	for _, flag := range flags {
		name, value, ok := strings.Cut(flag, "=")
		if !ok {
			return fmt.Errorf("invalid --var %q, expected name=value", flag)
		}
		vars[name] = cty.StringVal(value)
	}
	return nil
}

func serveMetrics(log *telemetry.Logger, metrics *telemetry.Metrics, listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("metrics listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
}

func descriptorDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
