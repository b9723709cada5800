package kernel

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/resource-kernel/internal/config"
	"github.com/p-blackswan/resource-kernel/internal/event"
	"github.com/p-blackswan/resource-kernel/internal/exchange"
	"github.com/p-blackswan/resource-kernel/internal/health"
	"github.com/p-blackswan/resource-kernel/internal/indexer"
	"github.com/p-blackswan/resource-kernel/internal/metrics"
	"github.com/p-blackswan/resource-kernel/internal/migration"
	"github.com/p-blackswan/resource-kernel/internal/policy"
	"github.com/p-blackswan/resource-kernel/internal/registry"
	"github.com/p-blackswan/resource-kernel/internal/repository"
	"github.com/p-blackswan/resource-kernel/internal/retry"
	"github.com/p-blackswan/resource-kernel/internal/search"
	"github.com/p-blackswan/resource-kernel/internal/store"
)

// AuditCapacity bounds the in-memory access audit log.
const AuditCapacity = 512

type options struct {
	policy   policy.Policy
	registry *registry.Registry
	repoOpts []repository.Option
}

// Option customises Open.
type Option func(*options)

// WithPolicy replaces the default role-based policy. Denials are still
// instrumented.
func WithPolicy(p policy.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithRegistry uses a prebuilt type registry instead of TYPES_FILE.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithClock overrides the backend's millisecond clock.
func WithClock(now func() int64) Option {
	return func(o *options) { o.repoOpts = append(o.repoOpts, repository.WithClock(now)) }
}

// Open wires a kernel from configuration.
func Open(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Kernel, error) {
	o := options{policy: policy.NewRoleBased(nil)}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	busOpts := []event.Option{event.WithFailureHook(m.FailureHook())}
	if cfg.EventBusMode == "async" {
		busOpts = append(busOpts, event.WithAsync(cfg.EventBusQueue))
	}
	bus := event.New(logger, busOpts...)
	m.Attach(bus)

	k := &Kernel{
		bus:             bus,
		metrics:         m,
		checker:         health.NewChecker(logger),
		logger:          logger.With().Str("component", "kernel").Logger(),
		healthWorkspace: cfg.HealthWorkspace,
	}

	reg, err := loadRegistry(cfg, o.registry)
	if err != nil {
		bus.Close()
		return nil, err
	}
	k.registry = reg

	ext := search.NewExtractor(cfg.SearchFieldList()...)
	repoOpts := append([]repository.Option{repository.WithExtractor(ext)}, o.repoOpts...)

	switch cfg.StoreBackend {
	case config.BackendMemory:
		k.backend = repository.NewMemory(reg, bus, logger, repoOpts...)
	case config.BackendSQLite, "":
		st, err := store.New(store.Config{
			Path:      cfg.StorePath,
			CacheSize: cfg.StoreCacheSize,
			Retry:     retry.DefaultConfig(),
		}, reg, bus, logger, repoOpts...)
		if err != nil {
			bus.Close()
			return nil, err
		}
		k.backend = st
		k.closers = append(k.closers, st.Close)
		k.checker.Register("store", health.Ping(st.Ping))
		if err := m.RegisterCache("store", st.CacheStats); err != nil {
			k.logger.Warn().Err(err).Msg("cache metrics not registered")
		}
	default:
		bus.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	k.repo = metrics.InstrumentRepository(k.backend, m)

	k.index = indexer.New(k.backend, logger, indexer.WithExtractor(ext), indexer.WithPageSize(cfg.PageSize))
	k.index.Attach(bus)
	k.searcher = metrics.InstrumentIndexer(k.index, m)
	if err := k.warmIndex(context.Background()); err != nil {
		_ = k.Close()
		return nil, err
	}

	k.migrations = metrics.InstrumentMigrator(migration.New(k.repo, reg, logger, cfg.PageSize), m)
	k.exporter = exchange.NewExporter(k.repo, logger, cfg.PageSize)

	k.audit = policy.NewAuditLog(AuditCapacity, logger)
	k.audit.Attach(bus)
	k.policy = policy.Instrument(o.policy, bus, m, logger)

	k.reporter = health.NewReporter(
		health.WithSync(k.syncProbe),
		health.WithMetrics(func(context.Context) (any, error) { return m.Summary() }),
		health.WithMigrations(k.migrationsProbe),
		health.WithChecker(k.checker),
	)

	k.logger.Info().
		Str("backend", cfg.StoreBackend).
		Str("bus_mode", cfg.EventBusMode).
		Strs("types", reg.Types()).
		Strs("search_fields", ext.Fields()).
		Msg("kernel ready")
	return k, nil
}

func loadRegistry(cfg *config.Config, prebuilt *registry.Registry) (*registry.Registry, error) {
	if prebuilt != nil {
		return prebuilt, nil
	}
	var (
		ds  []registry.Descriptor
		err error
	)
	if cfg.TypesFile != "" {
		ds, err = registry.LoadFile(cfg.TypesFile)
	} else {
		ds, err = registry.Defaults()
	}
	if err != nil {
		return nil, fmt.Errorf("loading types: %w", err)
	}
	reg := registry.New()
	if err := reg.RegisterAll(ds); err != nil {
		return nil, err
	}
	return reg, nil
}

type workspaceLister interface {
	Workspaces(ctx context.Context) ([]string, error)
}

// warmIndex loads every stored workspace into the search index.
func (k *Kernel) warmIndex(ctx context.Context) error {
	wl, ok := k.backend.(workspaceLister)
	if !ok {
		return nil
	}
	workspaces, err := wl.Workspaces(ctx)
	if err != nil {
		return fmt.Errorf("warming index: %w", err)
	}
	for _, ws := range workspaces {
		if _, err := k.searcher.Rebuild(ctx, ws); err != nil {
			return fmt.Errorf("warming index: %w", err)
		}
	}
	return nil
}
