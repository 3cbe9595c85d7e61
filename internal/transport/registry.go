package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/basket/tablebus/internal/config"
	"github.com/basket/tablebus/internal/otel"
	"github.com/basket/tablebus/internal/queue"
	"github.com/basket/tablebus/internal/tablestore"
)

// Factory opens a transport for one store driver.
type Factory func(ctx context.Context, cfg config.Config, log *slog.Logger) (Transport, error)

// Registry maps store driver names to transport factories. Build one at
// process start and pass it by reference; there is no package-level
// global to mutate behind a caller's back.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	metrics   *otel.Metrics
}

// NewRegistry returns a registry with the built-in drivers: "memory"
// and "sqlite", both table-backed.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories["memory"] = r.openMemoryBacked
	r.factories["sqlite"] = r.openSQLiteBacked
	return r
}

// WithMetrics attaches bus instruments to transports opened by the
// built-in factories. Nil leaves instrumentation off.
func (r *Registry) WithMetrics(m *otel.Metrics) *Registry {
	r.metrics = m
	return r
}

// Register adds a factory. Duplicate names are an error so two
// components cannot silently fight over a driver.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("transport: driver %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the transport for cfg.Store.Driver.
func (r *Registry) Open(ctx context.Context, cfg config.Config, log *slog.Logger) (Transport, error) {
	r.mu.Lock()
	factory, ok := r.factories[cfg.Store.Driver]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown driver %q (registered: %v)", cfg.Store.Driver, r.Names())
	}
	return factory(ctx, cfg, log)
}

func (r *Registry) openMemoryBacked(_ context.Context, cfg config.Config, log *slog.Logger) (Transport, error) {
	return r.newTableBacked(tablestore.NewMemoryStore(), cfg, log)
}

func (r *Registry) openSQLiteBacked(ctx context.Context, cfg config.Config, log *slog.Logger) (Transport, error) {
	store, err := tablestore.OpenSQLite(ctx, tablestore.SQLiteConfig{
		Path:        cfg.Store.DSN,
		Backoff:     cfg.Store.Backoff(),
		MaxAttempts: cfg.Store.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	return r.newTableBacked(store, cfg, log)
}

func (r *Registry) newTableBacked(store tablestore.Store, cfg config.Config, log *slog.Logger) (Transport, error) {
	return NewTableTransport(TableOptions{
		Store: store,
		Queue: queue.Config{
			Namespace:      cfg.Queue.Namespace,
			DefaultTTL:     cfg.Queue.DefaultTTL(),
			LeaseExtension: cfg.Queue.LeaseExtension(),
			Metrics:        r.metrics,
			Logger:         log,
		},
		PollInterval: cfg.Poll.Interval(),
		QueueSize:    cfg.Poll.QueueSize,
		SweepCron:    cfg.Queue.SweepCron,
		Logger:       log,
	})
}
