package domain

import (
	"context"
	"time"
)

// FunctionDefinition is one user-defined trigger.
type FunctionDefinition struct {
	Trigger string    `json:"trigger"`
	Parent  string    `json:"parent"` // another trigger or a primitive invocation
	Body    string    `json:"body"`
	Setter  string    `json:"setter"`
	SetTime time.Time `json:"set_time"`
}

// Secret is an environment variable injected into execs of functions owned by Owner.
type Secret struct {
	Owner string
	Name  string
	Value string
}

// WriteLock marks a path on the exec host read-only on behalf of Owner.
type WriteLock struct {
	Path  string
	Owner string
}

// FunctionStore persists function definitions keyed by trigger.
type FunctionStore interface {
	ListFunctions(ctx context.Context) ([]FunctionDefinition, error)
	UpsertFunction(ctx context.Context, fn FunctionDefinition) error
	DeleteFunction(ctx context.Context, trigger string) (int64, error)
}

// SecretStore persists secrets keyed by (owner, name).
type SecretStore interface {
	ListSecrets(ctx context.Context, owner string) ([]Secret, error)
	SetSecret(ctx context.Context, s Secret) error
	DeleteSecret(ctx context.Context, owner, name string) (int64, error)
}

// ChannelStore remembers channels joined through invites.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]string, error)
	AddChannel(ctx context.Context, name string) error
	RemoveChannel(ctx context.Context, name string) error
}

// LockStore records write locks keyed by resolved path.
type LockStore interface {
	LockOwner(ctx context.Context, path string) (owner string, found bool, err error)
	AddLock(ctx context.Context, lock WriteLock) error
	RemoveLock(ctx context.Context, path, owner string) (int64, error)
}

// Store is the full storage collaborator. It is optional everywhere: a nil
// Store disables persistence, secrets, invite memory and write locks.
type Store interface {
	FunctionStore
	SecretStore
	ChannelStore
	LockStore
	Close() error
}
