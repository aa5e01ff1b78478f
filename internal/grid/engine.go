package grid

import (
	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// Engine is the table engine: field registry enforcement, relation graph
// maintenance, and formula/rollup recomputation.
type Engine struct {
	store    *store.Store
	registry *metadata.Registry
	eval     Evaluator
	cfg      config.GridConfig
	locks    *keyedMutex
	remote   BulkOperationStrategy
	local    BulkOperationStrategy
}

// NewEngine wires an Engine. The bulk config is injected here so tests can
// vary chunking and the RPC fast path per case.
func NewEngine(s *store.Store, reg *metadata.Registry, eval Evaluator, cfg config.GridConfig) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.MaxPropagationDepth <= 0 {
		cfg.MaxPropagationDepth = 4
	}
	e := &Engine{
		store:    s,
		registry: reg,
		eval:     eval,
		cfg:      cfg,
		locks:    newKeyedMutex(),
	}
	e.local = &LocalStrategy{store: s}
	if cfg.UseBulkRPC && s.Dialect.SupportsBulkRPC() {
		e.remote = &RemoteProcedureStrategy{store: s}
	}
	return e
}

// Registry exposes the metadata registry backing this engine.
func (e *Engine) Registry() *metadata.Registry {
	return e.registry
}
