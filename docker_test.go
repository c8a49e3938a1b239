package provision

import (
	"context"
	"fmt"
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocker(t *testing.T) {
	ctx := context.Background()
	r := testRegistry()
	require.NoError(t, r.Register("docker", ScopeSession, DockerFixture(DockerNamePrefix("goprovision"))))
	defer r.Close(ctx)

	f := r.MustResolve(ctx, "docker").(*Docker)
	assert.Same(t, f, r.Docker())

	name := GetRandomName()
	resource, err := f.GetPool().RunWithOptions(&dockertest.RunOptions{Name: name, Repository: "crccheck/hello-world", Tag: "latest", Env: nil})
	require.NoError(t, err)

	assert.Equal(t, name, GetHostName(resource))
	assert.Equal(t, fmt.Sprintf("/%v", name), resource.Container.Name)
	assert.NoError(t, f.GetPool().Purge(resource))
}
