// Package auth verifies caller credentials. Identity itself is owned by the
// wider platform; this subsystem only needs "credential → principal".
package auth

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

type Role string

const (
	RoleStudent Role = "student"
	RoleDriver  Role = "driver"
	RoleAdmin   Role = "admin"
)

type Principal struct {
	ID   string
	Role Role
}

var ErrUnauthorized = errors.New("auth: invalid or expired credential")

type Verifier interface {
	Verify(ctx context.Context, credential string) (Principal, error)
}

// RedisVerifier resolves opaque bearer tokens minted by the identity
// service; tokens live in Redis hashes under auth:token:<credential> with
// their TTL managed by the issuer.
type RedisVerifier struct {
	client *redis.Client
}

func NewRedisVerifier(client *redis.Client) *RedisVerifier {
	return &RedisVerifier{client: client}
}

func (v *RedisVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrUnauthorized
	}
	m, err := v.client.HGetAll(ctx, "auth:token:"+credential).Result()
	if err != nil {
		return Principal{}, err
	}
	id, role := m["id"], m["role"]
	if id == "" || role == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{ID: id, Role: Role(role)}, nil
}

// StaticVerifier maps fixed tokens to principals for tests and local runs.
type StaticVerifier map[string]Principal

func (v StaticVerifier) Verify(ctx context.Context, credential string) (Principal, error) {
	p, ok := v[credential]
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	return p, nil
}
