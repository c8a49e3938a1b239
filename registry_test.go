package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testRegistry() *Registry {
	return NewRegistry(RegistryLogger(zap.NewNop()))
}

func staticFixture(v interface{}) Factory {
	return func(context.Context, *Registry) (interface{}, error) {
		return v, nil
	}
}

type dummyValue struct {
	name     string
	releases *[]string
	failWith error
}

func (d *dummyValue) Release(context.Context) error {
	if d.failWith != nil {
		return d.failWith
	}
	if d.releases != nil {
		*d.releases = append(*d.releases, d.name)
	}
	return nil
}

func dummyFixture(name string, releases *[]string) Factory {
	return staticFixture(&dummyValue{name: name, releases: releases})
}

func TestSampleFixture(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("sample_fixture", ScopeSession, staticFixture(map[string]string{"key": "value"})))

	v, err := r.Resolve(ctx, "sample_fixture")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"key": "value"}, v)
}

func TestRegisterDuplicate(t *testing.T) {
	r := testRegistry()
	require.NoError(t, r.Register("foobar", ScopeSuite, staticFixture(1)))

	err := r.Register("foobar", ScopeTest, staticFixture(2))
	require.Error(t, err)
	var dup *DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "foobar", dup.Name)
	assert.Equal(t, ScopeSuite, dup.Scope)
}

func TestResolveUnknown(t *testing.T) {
	r := testRegistry()
	_, err := r.Resolve(context.Background(), "nope")
	require.Error(t, err)
	var unknown *UnknownFixtureError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Name)
}

func TestResolveCachesPerScope(t *testing.T) {
	ctx := context.Background()
	for _, scope := range []Scope{ScopeTest, ScopeSuite, ScopeSession} {
		t.Run(scope.String(), func(t *testing.T) {
			r := testRegistry()
			calls := 0
			require.NoError(t, r.Register("counter", scope, func(context.Context, *Registry) (interface{}, error) {
				calls++
				return &dummyValue{}, nil
			}))

			first, err := r.Resolve(ctx, "counter")
			require.NoError(t, err)
			second, err := r.Resolve(ctx, "counter")
			require.NoError(t, err)

			assert.Equal(t, 1, calls)
			assert.Same(t, first, second)
		})
	}
}

func TestResolvePerCallIsFresh(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	calls := 0
	require.NoError(t, r.Register("counter", ScopeCall, func(context.Context, *Registry) (interface{}, error) {
		calls++
		return &dummyValue{}, nil
	}))

	first, err := r.Resolve(ctx, "counter")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "counter")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.NotSame(t, first, second)
}

func TestFactoryErrorIsWrapped(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	boom := errors.New("boom")
	require.NoError(t, r.Register("broken", ScopeTest, func(context.Context, *Registry) (interface{}, error) {
		return nil, boom
	}))

	_, err := r.Resolve(ctx, "broken")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestFactoryResolvesDependency(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("base", ScopeSession, staticFixture("postgres://")))
	require.NoError(t, r.Register("derived", ScopeSession, func(ctx context.Context, r *Registry) (interface{}, error) {
		base, err := r.Resolve(ctx, "base")
		if err != nil {
			return nil, err
		}
		return base.(string) + "db", nil
	}))

	v, err := r.Resolve(ctx, "derived")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db", v)
}

func TestReleaseOrderIsReversed(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	releases := []string{}
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(name, ScopeTest, dummyFixture(name, &releases)))
	}
	for _, name := range []string{"a", "b", "c"} {
		_, err := r.Resolve(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, r.EndTest(ctx))
	assert.Equal(t, []string{"c", "b", "a"}, releases)
}

func TestEndTestInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	calls := 0
	require.NoError(t, r.Register("counter", ScopeTest, func(context.Context, *Registry) (interface{}, error) {
		calls++
		return &dummyValue{}, nil
	}))

	_, err := r.Resolve(ctx, "counter")
	require.NoError(t, err)
	require.NoError(t, r.EndTest(ctx))
	_, err = r.Resolve(ctx, "counter")
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestEndTestKeepsWiderScopes(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	releases := []string{}
	require.NoError(t, r.Register("per_test", ScopeTest, dummyFixture("per_test", &releases)))
	require.NoError(t, r.Register("per_suite", ScopeSuite, dummyFixture("per_suite", &releases)))
	require.NoError(t, r.Register("per_session", ScopeSession, dummyFixture("per_session", &releases)))
	for _, name := range []string{"per_session", "per_suite", "per_test"} {
		_, err := r.Resolve(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, r.EndTest(ctx))
	assert.Equal(t, []string{"per_test"}, releases)

	require.NoError(t, r.EndSuite(ctx))
	assert.Equal(t, []string{"per_test", "per_suite"}, releases)

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, []string{"per_test", "per_suite", "per_session"}, releases)
}

func TestReleaseReturnsFirstError(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	releases := []string{}
	boom := errors.New("boom")
	require.NoError(t, r.Register("good", ScopeTest, dummyFixture("good", &releases)))
	require.NoError(t, r.Register("bad", ScopeTest, staticFixture(&dummyValue{failWith: boom})))
	for _, name := range []string{"good", "bad"} {
		_, err := r.Resolve(ctx, name)
		require.NoError(t, err)
	}

	err := r.EndTest(ctx)
	assert.ErrorIs(t, err, boom)
	// The failure must not keep earlier fixtures from releasing.
	assert.Equal(t, []string{"good"}, releases)
}

func TestMustResolvePanics(t *testing.T) {
	r := testRegistry()
	assert.Panics(t, func() {
		r.MustResolve(context.Background(), "nope")
	})
}
