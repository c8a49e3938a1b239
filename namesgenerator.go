package provision

import (
	"fmt"

	"github.com/docker/docker/pkg/namesgenerator"
	"github.com/google/uuid"
)

// GetRandomName returns a docker-style name with a uuid suffix to avoid
// collisions between concurrent test runs.
func GetRandomName() string {
	return fmt.Sprint(namesgenerator.GetRandomName(0), "_", uuid.NewString()[:8])
}
