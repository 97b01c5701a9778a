// Package redistest contains utilities for unit tests with Redis.
package redistest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// Redis is an in-memory Redis server and client for use in unit tests.
type Redis struct {
	Server *miniredis.Miniredis
	Client *redis.Client
}

// NewRedis starts an ephemeral Redis server and returns a client.
// Both are shut down when the test finishes.
func NewRedis(t testing.TB) *Redis {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatal("Failed to start Redis:", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})
	t.Log("redistest: Redis is up at", server.Addr())
	return &Redis{
		Server: server,
		Client: client,
	}
}
