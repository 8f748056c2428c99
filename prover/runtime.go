package prover

import (
	"context"
	"sync"
	"sync/atomic"

	"auditor-zk/channel"

	"golang.org/x/sync/singleflight"
)

// EngineLoader produces the secure-channel engine. Loading may be expensive
// (an MPC engine fetches circuits and keys), so a Runtime loads it once.
type EngineLoader func(ctx context.Context) (channel.Engine, error)

// Runtime holds the process-wide channel engine. Concurrent Init calls share
// one in-flight load. A successful load is cached; a failed one is not, so a
// later Init retries.
type Runtime struct {
	load  EngineLoader
	group singleflight.Group
	loads atomic.Int32

	mu     sync.RWMutex
	engine channel.Engine
}

func NewRuntime(load EngineLoader) *Runtime {
	return &Runtime{load: load}
}

// NewRelayRuntime loads the WebSocket relay engine.
func NewRelayRuntime(opts channel.RelayOptions) *Runtime {
	return NewRuntime(func(ctx context.Context) (channel.Engine, error) {
		return channel.NewRelayEngine(opts), nil
	})
}

// Init returns the engine, loading it on first use.
func (r *Runtime) Init(ctx context.Context) (channel.Engine, error) {
	if e := r.cached(); e != nil {
		return e, nil
	}

	v, err, _ := r.group.Do("engine", func() (interface{}, error) {
		if e := r.cached(); e != nil {
			return e, nil
		}
		r.loads.Add(1)
		e, err := r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.engine = e
		r.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(channel.Engine), nil
}

// Loads reports how many times the loader has run.
func (r *Runtime) Loads() int {
	return int(r.loads.Load())
}

func (r *Runtime) cached() channel.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine
}
