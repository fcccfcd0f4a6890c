package entitystore

import (
	"context"

	"github.com/d-mooers/ponder/pkg/checkpoints"
)

// Bound scopes an EntityStore to a single task checkpoint. It is the `db`
// handle user code receives: CRUD without checkpoint arguments, every write
// versioned at the task's position in the event order.
type Bound struct {
	store      EntityStore
	checkpoint checkpoints.Checkpoint
}

// NewBound binds store to c.
func NewBound(store EntityStore, c checkpoints.Checkpoint) *Bound {
	return &Bound{store: store, checkpoint: c}
}

// Checkpoint returns the bound checkpoint.
func (b *Bound) Checkpoint() checkpoints.Checkpoint { return b.checkpoint }

// FindUnique looks up one entity by id.
func (b *Bound) FindUnique(ctx context.Context, table, id string) (Entity, error) {
	return b.store.FindUnique(ctx, table, id)
}

// FindMany returns all entities matching filter. A nil filter matches all.
func (b *Bound) FindMany(ctx context.Context, table string, filter Filter) ([]Entity, error) {
	return b.store.FindMany(ctx, table, filter)
}

// Create inserts a new entity.
func (b *Bound) Create(ctx context.Context, table, id string, data Entity) (Entity, error) {
	return b.store.Create(ctx, b.checkpoint, table, id, data)
}

// CreateMany inserts a batch of new entities.
func (b *Bound) CreateMany(ctx context.Context, table string, rows []Entity) ([]Entity, error) {
	return b.store.CreateMany(ctx, b.checkpoint, table, rows)
}

// Update merges data into an existing entity.
func (b *Bound) Update(ctx context.Context, table, id string, data Entity) (Entity, error) {
	return b.store.Update(ctx, b.checkpoint, table, id, data)
}

// UpdateMany merges data into every entity matching filter.
func (b *Bound) UpdateMany(ctx context.Context, table string, filter Filter, data Entity) ([]Entity, error) {
	return b.store.UpdateMany(ctx, b.checkpoint, table, filter, data)
}

// Upsert creates or updates an entity.
func (b *Bound) Upsert(ctx context.Context, table, id string, create, update Entity) (Entity, error) {
	return b.store.Upsert(ctx, b.checkpoint, table, id, create, update)
}

// Delete removes an entity.
func (b *Bound) Delete(ctx context.Context, table, id string) (bool, error) {
	return b.store.Delete(ctx, b.checkpoint, table, id)
}
