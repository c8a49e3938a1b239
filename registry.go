package provision

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var wg sync.WaitGroup

// Factory produces the value for a named fixture. The registry that owns the
// definition is passed in so a factory can resolve other fixtures it depends on.
type Factory func(ctx context.Context, r *Registry) (interface{}, error)

// Releaser is implemented by fixture values holding resources that must be
// released when their owning scope ends.
type Releaser interface {
	Release(ctx context.Context) error
}

type RegistryOpt func(*Registry)

func NewRegistry(opts ...RegistryOpt) *Registry {
	r := &Registry{
		defs:   map[string]*definition{},
		values: map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger()
	}
	return r
}

func RegistryLogger(logger *zap.Logger) RegistryOpt {
	return func(r *Registry) {
		r.log = logger
	}
}

type definition struct {
	scope   Scope
	factory Factory
}

// Registry holds named fixture definitions and materializes their values on
// demand. A registry is not safe for concurrent use; test workers running in
// parallel should each own an independent registry.
type Registry struct {
	log    *zap.Logger
	defs   map[string]*definition
	values map[string]interface{}
	order  []string
}

// Register records a factory under a unique name.
func (r *Registry) Register(name string, scope Scope, factory Factory) error {
	if def, ok := r.defs[name]; ok {
		return &DuplicateNameError{Name: name, Scope: def.scope}
	}
	r.defs[name] = &definition{scope: scope, factory: factory}
	r.log.Debug("register", zap.String("name", name), zap.String("scope", scope.String()))
	return nil
}

func (r *Registry) MustRegister(name string, scope Scope, factory Factory) {
	if err := r.Register(name, scope, factory); err != nil {
		panic(err)
	}
}

// Resolve returns the value for a registered fixture, invoking its factory at
// most once per scope lifetime. ScopeCall fixtures produce a fresh value on
// every call and the caller owns it; all other scopes cache the value until
// their scope ends.
func (r *Registry) Resolve(ctx context.Context, name string) (interface{}, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, &UnknownFixtureError{Name: name}
	}
	if def.scope != ScopeCall {
		if v, ok := r.values[name]; ok {
			return v, nil
		}
	}
	v, err := def.factory(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to produce fixture '%v': %w", name, err)
	}
	if def.scope != ScopeCall {
		r.values[name] = v
		r.order = append(r.order, name)
	}
	r.log.Debug("resolve", zap.String("name", name), zap.String("scope", def.scope.String()))
	return v, nil
}

func (r *Registry) MustResolve(ctx context.Context, name string) interface{} {
	v, err := r.Resolve(ctx, name)
	if err != nil {
		panic(err)
	}
	return v
}

// EndTest releases the values owned by ScopeTest.
func (r *Registry) EndTest(ctx context.Context) error {
	return r.release(ctx, ScopeTest)
}

// EndSuite releases the values owned by ScopeSuite, ending any open test
// scope first.
func (r *Registry) EndSuite(ctx context.Context) error {
	return r.release(ctx, ScopeTest, ScopeSuite)
}

// Close releases every cached value and waits for asynchronous cleanup to
// finish. Definitions survive, so a closed registry can still resolve.
func (r *Registry) Close(ctx context.Context) error {
	err := r.release(ctx, ScopeTest, ScopeSuite, ScopeSession)
	wg.Wait()
	return err
}

// RecoverClose is deferrable and will release everything in the event of a panic.
func (r *Registry) RecoverClose(ctx context.Context) {
	if rec := recover(); rec != nil {
		if err := r.Close(ctx); err != nil {
			r.log.Warn("failed to close", zap.Error(err))
		}
		panic(rec)
	}
}

// release tears down cached values owned by the ending scopes, newest first.
// The first error is returned, later failures are logged so every value still
// gets its chance to clean up.
func (r *Registry) release(ctx context.Context, scopes ...Scope) error {
	ending := map[Scope]bool{}
	for _, s := range scopes {
		ending[s] = true
	}
	var firstErr error
	kept := []string{}
	for i := len(r.order) - 1; i >= 0; i-- {
		name := r.order[i]
		if !ending[r.defs[name].scope] {
			kept = append([]string{name}, kept...)
			continue
		}
		v := r.values[name]
		delete(r.values, name)
		rel, ok := v.(Releaser)
		if !ok {
			continue
		}
		if err := rel.Release(ctx); err != nil {
			r.log.Warn("failed to release fixture", zap.String("fixture", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.log.Debug("release", zap.String("name", name), zap.String("scope", r.defs[name].scope.String()))
	}
	r.order = kept
	return firstErr
}

// Docker returns the first materialized Docker fixture. If none exists, panic.
func (r *Registry) Docker() *Docker {
	for _, x := range r.values {
		if val, ok := x.(*Docker); ok {
			return val
		}
	}
	panic("no docker fixture found")
}

// Postgres returns the first materialized Postgres fixture. If none exists, panic.
func (r *Registry) Postgres() *Postgres {
	for _, x := range r.values {
		if val, ok := x.(*Postgres); ok {
			return val
		}
	}
	panic("no postgres fixture found")
}

// SQLite returns the first materialized SQLite fixture. If none exists, panic.
func (r *Registry) SQLite() *SQLite {
	for _, x := range r.values {
		if val, ok := x.(*SQLite); ok {
			return val
		}
	}
	panic("no sqlite fixture found")
}
