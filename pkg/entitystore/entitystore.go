// Package entitystore defines checkpoint-versioned storage for user-defined
// entities. Every write is tagged with the checkpoint of the task performing
// it so the whole store can be rewound to a checkpoint after a failed task or
// a reorg.
package entitystore

import (
	"context"
	"errors"

	"github.com/d-mooers/ponder/pkg/checkpoints"
)

// ErrNotFound reports a missing entity on point lookups and updates.
var ErrNotFound = errors.New("entity not found")

// ErrAlreadyExists reports a Create over a live entity.
var ErrAlreadyExists = errors.New("entity already exists")

// Entity is one row of a user-defined table. The "id" field always holds the
// entity's key.
type Entity map[string]interface{}

// Clone returns a shallow copy, so callers can mutate the result freely.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Filter selects entities in bulk reads and updates.
type Filter func(Entity) bool

// EntityStore is the storage surface behind user indexing functions. Reads
// observe the latest live version of each entity; writes append a version at
// the given checkpoint.
type EntityStore interface {
	FindUnique(ctx context.Context, table, id string) (Entity, error)
	FindMany(ctx context.Context, table string, filter Filter) ([]Entity, error)

	Create(ctx context.Context, c checkpoints.Checkpoint, table, id string, data Entity) (Entity, error)
	CreateMany(ctx context.Context, c checkpoints.Checkpoint, table string, rows []Entity) ([]Entity, error)

	// Update merges data into the existing entity.
	Update(ctx context.Context, c checkpoints.Checkpoint, table, id string, data Entity) (Entity, error)
	UpdateMany(ctx context.Context, c checkpoints.Checkpoint, table string, filter Filter, data Entity) ([]Entity, error)

	// Upsert creates with create when the entity is missing, otherwise merges
	// update into it.
	Upsert(ctx context.Context, c checkpoints.Checkpoint, table, id string, create, update Entity) (Entity, error)

	// Delete writes a tombstone. Returns false when the entity was not live.
	Delete(ctx context.Context, c checkpoints.Checkpoint, table, id string) (bool, error)

	// Revert drops every version written after c, restoring the state the
	// store had when all tasks with checkpoint <= c were processed.
	Revert(ctx context.Context, c checkpoints.Checkpoint) error
}
