package tx

import (
	"context"
	"sync"

	"metapus/internal/core/apperror"
)

// Registry is the per-flow (goroutine/request-scoped) rendezvous point
// between the engine and resource managers: a mapping from resource key to
// resource holder, an ordered list of registered synchronizations, and the
// scalar ambient attributes describing the currently active transaction.
//
// A Registry is carried on a context.Context (see WithRegistry/registryFrom)
// rather than in a goroutine-local, following the Go idiom of threading
// flow-scoped state explicitly. Because the *Registry is a pointer, every
// context derived from the one it was attached to observes the same mutable
// state for the lifetime of the flow — mirroring the "thread-local" registry
// this engine's design is modeled on, without relying on real thread locals.
type Registry struct {
	mu sync.Mutex

	resources        map[any]any
	synchronizations []Synchronization

	currentName             string
	currentReadOnly         bool
	currentIsolation        Isolation
	actualTransactionActive bool
	synchronizationActive   bool
}

// NewRegistry returns an empty, inactive registry.
func NewRegistry() *Registry {
	return &Registry{currentIsolation: IsolationDefault}
}

type registryContextKey struct{}

// WithRegistry attaches r to ctx, returning the derived context.
func WithRegistry(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, registryContextKey{}, r)
}

// registryFrom returns the *Registry attached to ctx, or nil.
func registryFrom(ctx context.Context) *Registry {
	r, _ := ctx.Value(registryContextKey{}).(*Registry)
	return r
}

// emptyRegistry is returned by the free functions below when no registry is
// attached to ctx, so callers outside any transaction get well-defined
// zero-value answers instead of a nil dereference.
var emptyRegistry = NewRegistry()

func registryFromOrEmpty(ctx context.Context) *Registry {
	if r := registryFrom(ctx); r != nil {
		return r
	}
	return emptyRegistry
}

// --- resource bindings ---

// BindResource associates key with holder in the registry attached to ctx.
// It is a no-op (silently discarded) if ctx carries no registry.
func BindResource(ctx context.Context, key, holder any) {
	r := registryFrom(ctx)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resources == nil {
		r.resources = make(map[any]any)
	}
	r.resources[key] = holder
}

// UnbindResource removes and returns the holder bound to key, if any.
func UnbindResource(ctx context.Context, key any) (any, bool) {
	r := registryFrom(ctx)
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.resources[key]
	if ok {
		delete(r.resources, key)
	}
	return holder, ok
}

// GetResource returns the holder bound to key, if any.
func GetResource(ctx context.Context, key any) (any, bool) {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.resources[key]
	return holder, ok
}

// HasResource reports whether key is currently bound.
func HasResource(ctx context.Context, key any) bool {
	_, ok := GetResource(ctx, key)
	return ok
}

// --- synchronizations ---

// RegisterSynchronization appends s to the registry's synchronization list.
// It fails with TransactionUsage if synchronization is not currently active
// for this flow (mirroring the upstream IllegalStateException).
func RegisterSynchronization(ctx context.Context, s Synchronization) error {
	r := registryFrom(ctx)
	if r == nil || !r.isSynchronizationActive() {
		return apperror.NewTransactionUsage("transaction synchronization is not active")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronizations = append(r.synchronizations, s)
	return nil
}

// GetSynchronizations returns an unmodifiable snapshot of the registry's
// current synchronization list, in registration order.
func GetSynchronizations(ctx context.Context) []Synchronization {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Synchronization, len(r.synchronizations))
	copy(out, r.synchronizations)
	return out
}

// ClearSynchronization empties the registry's synchronization list and
// marks synchronization inactive.
func ClearSynchronization(ctx context.Context) {
	r := registryFrom(ctx)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronizations = nil
	r.synchronizationActive = false
}

func (r *Registry) isSynchronizationActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synchronizationActive
}

// IsSynchronizationActive reports whether ctx's registry currently accepts
// RegisterSynchronization calls.
func IsSynchronizationActive(ctx context.Context) bool {
	return registryFromOrEmpty(ctx).isSynchronizationActive()
}

func (r *Registry) initSynchronization() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronizations = nil
	r.synchronizationActive = true
}

// --- scalar ambient attributes ---

// CurrentTransactionName returns the diagnostic name of the transaction
// active on ctx's flow, and whether one is set.
func CurrentTransactionName(ctx context.Context) (string, bool) {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentName, r.currentName != ""
}

// IsCurrentTransactionReadOnly reports the read-only flag of the
// transaction active on ctx's flow.
func IsCurrentTransactionReadOnly(ctx context.Context) bool {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentReadOnly
}

// CurrentTransactionIsolation returns the isolation level ambient on ctx's
// flow, or IsolationDefault if none is set.
func CurrentTransactionIsolation(ctx context.Context) Isolation {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentIsolation
}

// IsActualTransactionActive reports whether a physical transaction (as
// opposed to just an active synchronization scope) is active on ctx's flow.
func IsActualTransactionActive(ctx context.Context) bool {
	r := registryFromOrEmpty(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actualTransactionActive
}

// setAmbient sets the scalar attributes describing the newly-started or
// newly-joined transaction. Called by the engine only.
func (r *Registry) setAmbient(name string, readOnly bool, isolation Isolation, actualActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentName = name
	r.currentReadOnly = readOnly
	r.currentIsolation = isolation
	r.actualTransactionActive = actualActive
}

// clearAmbient resets scalar attributes to their inactive zero values.
func (r *Registry) clearAmbient() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentName = ""
	r.currentReadOnly = false
	r.currentIsolation = IsolationDefault
	r.actualTransactionActive = false
}

// snapshotAmbient captures the current scalar attributes for a suspend.
func (r *Registry) snapshotAmbient() (name string, readOnly bool, isolation Isolation, wasActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentName, r.currentReadOnly, r.currentIsolation, r.actualTransactionActive
}

// takeSynchronizations empties and returns the current synchronization list
// (used by suspend, which must observe them and then clear atomically).
func (r *Registry) takeSynchronizations() []Synchronization {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.synchronizations
	r.synchronizations = nil
	r.synchronizationActive = false
	return out
}

// restoreSynchronizations re-registers held synchronizations in order and
// reactivates synchronization (used by resume).
func (r *Registry) restoreSynchronizations(held []Synchronization) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synchronizationActive = true
	r.synchronizations = append([]Synchronization(nil), held...)
}

// Fork returns a shallow snapshot-copy of r, for the "inheritable" per-flow
// store mode described in the design (a child flow spawned from this one
// sees the parent's bindings as they exist at spawn time; subsequent
// mutations on either side are local to that side).
func (r *Registry) Fork() *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	fork := &Registry{
		currentName:             r.currentName,
		currentReadOnly:         r.currentReadOnly,
		currentIsolation:        r.currentIsolation,
		actualTransactionActive: r.actualTransactionActive,
		synchronizationActive:   r.synchronizationActive,
	}
	if r.resources != nil {
		fork.resources = make(map[any]any, len(r.resources))
		for k, v := range r.resources {
			fork.resources[k] = v
		}
	}
	fork.synchronizations = append([]Synchronization(nil), r.synchronizations...)
	return fork
}

// WithInheritedRegistry attaches a fork of ctx's current registry (if any)
// to a new context, for a spawned child flow. If ctx carries no registry,
// the returned context carries none either.
func WithInheritedRegistry(ctx context.Context) context.Context {
	r := registryFrom(ctx)
	if r == nil {
		return ctx
	}
	return WithRegistry(ctx, r.Fork())
}
