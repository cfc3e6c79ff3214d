package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/osprey-io/osprey/internal/config"
	"github.com/osprey-io/osprey/internal/datasource"
	"github.com/osprey-io/osprey/internal/ledger"
	"github.com/osprey-io/osprey/internal/memory"
	"github.com/osprey-io/osprey/internal/policy"
	"github.com/osprey-io/osprey/internal/signal"
	"github.com/osprey-io/osprey/internal/tools"
	"github.com/osprey-io/osprey/internal/triage"
)

// app bundles the wired dependency graph for one process.
type app struct {
	cfg       *config.Config
	policy    *policy.Engine
	memory    *memory.Store
	extractor *memory.Extractor
	ledger    *ledger.Store
	data      *datasource.Store
	router    *tools.Router
	engine    *triage.Engine
}

// buildApp wires stores, policy, capabilities and the triage engine from the
// resolved configuration. fixturesPath empty loads the built-in demo
// fixtures. The returned cleanup closes both databases.
func buildApp(ctx context.Context, fixturesPath string) (*app, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	pol, err := policy.Load(ctx, cfg.PolicyFile)
	if err != nil {
		return nil, nil, err
	}
	policyEngine, err := policy.NewEngine(ctx, pol)
	if err != nil {
		return nil, nil, err
	}

	mem, err := memory.NewStore(cfg.MemoryDBPath(), cfg.ShortTermTTL, cfg.LongTermTTL)
	if err != nil {
		return nil, nil, err
	}
	led, err := ledger.NewStore(cfg.LedgerDBPath())
	if err != nil {
		mem.Close()
		return nil, nil, err
	}
	cleanup := func() {
		led.Close()
		mem.Close()
	}

	data := datasource.NewStore()
	if fixturesPath != "" {
		if err := datasource.LoadFile(data, fixturesPath); err != nil {
			cleanup()
			return nil, nil, err
		}
	} else {
		datasource.DefaultFixtures(data, time.Now().UTC())
	}

	registry := tools.NewRegistry()
	datasource.RegisterCapabilities(registry, data, datasource.NewCardNetwork())
	router := tools.NewRouter(registry, tools.NewCircuitBreaker(5, 30*time.Second), tools.RouterConfig{
		Timeout:    cfg.ToolTimeout,
		MaxRetries: cfg.ToolMaxRetries,
	})

	// Remote capabilities override the local fixtures when a catalog is
	// configured; discovery failure degrades to the static registry.
	if cfg.RemoteRegistryURL != "" {
		var tokens tools.TokenSource
		if token := os.Getenv("OSPREY_REGISTRY_TOKEN"); token != "" {
			tokens = tools.StaticToken(token)
		}
		discoverer := tools.NewDiscoverer(cfg.RemoteRegistryURL, tokens, nil, 0)
		count, err := discoverer.Discover(ctx, registry)
		if err != nil {
			log.Warn().Err(err).Str("registry_url", cfg.RemoteRegistryURL).Msg("capability_discovery_failed")
		} else {
			log.Info().Int("capabilities", count).Msg("capability_discovery_complete")
		}
	}

	engine, err := triage.New(triage.Deps{
		Signals: signal.Config{
			MaxFeasibleSpeedKMH: cfg.MaxFeasibleSpeedKMH,
			ConnectionBuffer:    cfg.ConnectionBuffer,
			VelocityWindow:      cfg.VelocityWindow,
			VelocityThreshold:   cfg.VelocityThreshold,
			AmountSaturation:    cfg.AmountSaturation,
		},
		Data:   data,
		Policy: policyEngine,
		Memory: mem,
		Ledger: led,
		Router: router,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &app{
		cfg:       cfg,
		policy:    policyEngine,
		memory:    mem,
		extractor: memory.NewExtractor(mem),
		ledger:    led,
		data:      data,
		router:    router,
		engine:    engine,
	}, cleanup, nil
}
