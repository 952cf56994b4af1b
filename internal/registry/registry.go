// Package registry implements the Endpoint Service Registry: a process-wide
// map from local UDP endpoint to the shared Multiplexer and Context bound
// there, deduping creation and cleaning up on last release. It is the Go
// analog of asio-utp's service/context_service pair
// (service.hpp and context_service.hpp upstream).
//
// asio-utp's service keys its maps by weak_ptr and relies on destructors
// calling back in to erase dead entries, which only works because
// everything runs on one executor thread. Go has no destructor hook, so
// this package uses plain reference counting under a mutex instead: every
// GetOrCreate call increments a refcount, every Release call decrements it,
// and the entry is dropped from the map when the count reaches zero. An
// entry here owns a goroutine (the Multiplexer's receive loop) that must be
// shut down deterministically rather than left for the garbage collector.
package registry

import (
	"net"
	"sync"

	"utpgo/internal/addrutil"
	"utpgo/internal/multiplexer"
	"utpgo/internal/session"
)

type muxEntry struct {
	mux  *multiplexer.Multiplexer
	refs int
}

type ctxEntry struct {
	ctx  *session.Context
	refs int
}

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	muxes map[string]*muxEntry
	ctxs  map[string]*ctxEntry
}

// New returns an empty Registry. Most callers want the process-wide
// Default instance instead.
func New() *Registry {
	return &Registry{
		muxes: make(map[string]*muxEntry),
		ctxs:  make(map[string]*ctxEntry),
	}
}

// Default is the process-scoped registry instance. This module has no
// executor abstraction, so it defaults to one registry per process where
// asio-utp's equivalent service would be scoped to an io_service.
var Default = New()

// GetOrCreateMultiplexer returns the live Multiplexer bound at endpoint,
// creating and binding one if none exists. Each call increments the
// returned Multiplexer's refcount; pair it with ReleaseMultiplexer.
func (r *Registry) GetOrCreateMultiplexer(endpoint *net.UDPAddr) (*multiplexer.Multiplexer, error) {
	key := addrutil.Key(endpoint)

	r.mu.Lock()
	if e, ok := r.muxes[key]; ok {
		e.refs++
		r.mu.Unlock()
		return e.mux, nil
	}
	r.mu.Unlock()

	mux := multiplexer.New()
	if err := mux.Bind(endpoint); err != nil {
		return nil, err
	}

	// The socket resolves :0 to a concrete ephemeral port; key by what was
	// actually bound so a second bind to the same requested endpoint (e.g.
	// two callers both asking for 127.0.0.1:0) does not collide on "port 0".
	realKey := addrutil.Key(mux.LocalEndpoint())

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.muxes[realKey]; ok {
		// Lost the race: another goroutine bound the same concrete endpoint
		// between our unlock and Bind. Extremely unlikely for an ephemeral
		// port, but for an explicit port this is the real "already in use"
		// dedupe path.
		e.refs++
		mux.Close()
		return e.mux, nil
	}
	r.muxes[realKey] = &muxEntry{mux: mux, refs: 1}
	return mux, nil
}

// ReleaseMultiplexer decrements the refcount for mux's endpoint and closes
// it once no caller holds a reference. Tolerates an endpoint not present in
// the registry.
func (r *Registry) ReleaseMultiplexer(mux *multiplexer.Multiplexer) {
	key := addrutil.Key(mux.LocalEndpoint())

	r.mu.Lock()
	e, ok := r.muxes[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.refs--
	done := e.refs <= 0
	if done {
		delete(r.muxes, key)
	}
	r.mu.Unlock()

	if done {
		e.mux.Close()
	}
}

// GetOrCreateContext returns the live Context for mux's local endpoint,
// creating one (and wiring it to mux) if none exists.
func (r *Registry) GetOrCreateContext(mux *multiplexer.Multiplexer) *session.Context {
	key := addrutil.Key(mux.LocalEndpoint())

	r.mu.Lock()
	if e, ok := r.ctxs[key]; ok {
		e.refs++
		r.mu.Unlock()
		return e.ctx
	}
	r.mu.Unlock()

	ctx := session.New(mux)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.ctxs[key]; ok {
		e.refs++
		return e.ctx
	}
	r.ctxs[key] = &ctxEntry{ctx: ctx, refs: 1}
	return ctx
}

// ReleaseContext decrements the refcount for the Context at endpoint and
// erases it once no SocketImpl uses it. Tolerates absence.
func (r *Registry) ReleaseContext(endpoint *net.UDPAddr) {
	key := addrutil.Key(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.ctxs[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.ctxs, key)
	}
}
