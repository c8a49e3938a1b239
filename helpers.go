package provision

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v3"
)

func generateString() string {
	rand.Seed(time.Now().UTC().UnixNano())
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	result := make([]byte, 10) // Make some space
	for i := 0; i < 10; i++ {
		result[i] = chars[rand.Intn(len(chars))]
	}
	return string(result)
}

// Retry runs op until it succeeds or d elapses, backing off exponentially.
func Retry(d time.Duration, op backoff.Operation) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = d
	return backoff.Retry(op, bo)
}
