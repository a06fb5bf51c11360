// Package di wires a backend, a manager, and the query-cache configuration
// into one container so applications construct their tables from a single
// place.
package di

import (
	"log/slog"

	"github.com/goliatone/go-relmap/backend"
	"github.com/goliatone/go-relmap/querycache"
	"github.com/goliatone/go-relmap/relmap"
)

// Container holds the shared singletons: the manager over the configured
// backend and the cache settings applied to decorated tables.
type Container struct {
	mgr      *relmap.Manager
	cacheCfg querycache.Config
}

// Option configures a Container.
type Option func(*settings)

type settings struct {
	log      *slog.Logger
	cacheCfg querycache.Config
}

// WithLogger sets the logger passed through to the manager.
func WithLogger(log *slog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithCacheConfig overrides the query-cache settings used by
// NewCachedTable.
func WithCacheConfig(cfg querycache.Config) Option {
	return func(s *settings) { s.cacheCfg = cfg }
}

// New builds a container over b.
func New(b backend.Backend, opts ...Option) (*Container, error) {
	s := settings{cacheCfg: querycache.DefaultConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if err := s.cacheCfg.Validate(); err != nil {
		return nil, err
	}
	var mgrOpts []relmap.Option
	if s.log != nil {
		mgrOpts = append(mgrOpts, relmap.WithLogger(s.log))
	}
	mgr, err := relmap.NewManager(b, mgrOpts...)
	if err != nil {
		return nil, err
	}
	return &Container{mgr: mgr, cacheCfg: s.cacheCfg}, nil
}

// Manager returns the shared manager.
func (c *Container) Manager() *relmap.Manager { return c.mgr }

// CacheConfig returns a copy of the cache settings.
func (c *Container) CacheConfig() querycache.Config { return c.cacheCfg }

// NewTable binds a table for schema through the container's manager.
//
// Methods cannot carry type parameters, so table construction is a
// package-level function. Example: di.NewTable[*User](container, schema, newUser)
func NewTable[T relmap.Entity](c *Container, schema relmap.Schema, newRow func() T) (*relmap.Table[T], error) {
	return relmap.NewTable(c.mgr, schema, newRow)
}

// NewCachedTable binds a table and decorates it with the container's query
// cache.
func NewCachedTable[T relmap.Entity](c *Container, schema relmap.Schema, newRow func() T) (*querycache.Cached[T], error) {
	t, err := relmap.NewTable(c.mgr, schema, newRow)
	if err != nil {
		return nil, err
	}
	return querycache.ForTable(t, c.cacheCfg)
}
