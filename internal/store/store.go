// Package store provides the session persistence boundary for the
// Attune engine. The in-memory implementation is the zero-config
// default for local development and tests; the Postgres implementation
// backs production deployments.
//
// SaveSession replaces the whole record in a single operation, so a
// turn's effects are either fully persisted or not at all.
package store

import (
	"context"
	"fmt"

	"github.com/attune-health/attune/pkg/models"
)

// ErrNotFound indicates a session lookup miss.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.Key)
}

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}

// ErrConflict indicates an attempt to create a session that exists.
type ErrConflict struct {
	Key string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("session %s already exists", e.Key)
}

// Store is the session persistence interface. All engine and handler
// code depends on this interface, making it easy to swap between
// in-memory (tests, dev) and PostgreSQL (production) implementations.
type Store interface {
	// CreateSession stores a new session. Fails if the id exists.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSession returns a deep copy of the session. Callers own the
	// copy and may mutate it freely; nothing changes until SaveSession.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// SaveSession atomically replaces the stored record.
	SaveSession(ctx context.Context, s *models.Session) error

	// DeleteSession removes a session.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns up to limit sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)

	// Ping checks whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}
