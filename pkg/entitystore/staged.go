package entitystore

import (
	"context"
	"fmt"

	"github.com/d-mooers/ponder/pkg/checkpoints"
)

// Staged buffers one task's writes on top of an EntityStore. Reads observe
// the buffered writes, so a handler sees its own effects, but nothing reaches
// the underlying store until Commit. Dropping a Staged without committing
// discards the task's writes, which is how the executor rewinds a failed
// attempt without disturbing concurrently committed work.
//
// A Staged is owned by a single task and is not safe for concurrent use.
type Staged struct {
	store EntityStore

	// staged maps table -> id -> pending state; a nil entity is a pending
	// delete.
	staged map[string]map[string]Entity
}

var _ EntityStore = (*Staged)(nil)

// NewStaged wraps store with a write buffer.
func NewStaged(store EntityStore) *Staged {
	return &Staged{
		store:  store,
		staged: make(map[string]map[string]Entity),
	}
}

// Commit applies the buffered writes to the underlying store at checkpoint c.
func (s *Staged) Commit(ctx context.Context, c checkpoints.Checkpoint) error {
	for table, rows := range s.staged {
		for id, data := range rows {
			if data == nil {
				if _, err := s.store.Delete(ctx, c, table, id); err != nil {
					return fmt.Errorf("committing delete of %s %q: %s", table, id, err)
				}
				continue
			}
			if _, err := s.store.Upsert(ctx, c, table, id, data, data); err != nil {
				return fmt.Errorf("committing write of %s %q: %s", table, id, err)
			}
		}
	}
	s.staged = make(map[string]map[string]Entity)
	return nil
}

// visible returns the entity as the task sees it: the staged state when one
// exists, the stored state otherwise. The bool reports whether the id is
// staged at all.
func (s *Staged) visible(ctx context.Context, table, id string) (Entity, bool, error) {
	if rows, ok := s.staged[table]; ok {
		if data, ok := rows[id]; ok {
			return data, true, nil
		}
	}
	data, err := s.store.FindUnique(ctx, table, id)
	if err == nil {
		return data, false, nil
	}
	if err == ErrNotFound {
		return nil, false, nil
	}
	return nil, false, err
}

func (s *Staged) stage(table, id string, data Entity) {
	rows, ok := s.staged[table]
	if !ok {
		rows = make(map[string]Entity)
		s.staged[table] = rows
	}
	rows[id] = data
}

// FindUnique implements EntityStore.
func (s *Staged) FindUnique(ctx context.Context, table, id string) (Entity, error) {
	data, _, err := s.visible(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	return data.Clone(), nil
}

// FindMany implements EntityStore, overlaying staged writes on the stored
// rows.
func (s *Staged) FindMany(ctx context.Context, table string, filter Filter) ([]Entity, error) {
	stored, err := s.store.FindMany(ctx, table, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Entity
	for _, e := range stored {
		id, _ := e["id"].(string)
		if staged, ok := s.staged[table][id]; ok {
			seen[id] = true
			if staged == nil {
				continue
			}
			e = staged
		}
		if filter == nil || filter(e) {
			out = append(out, e.Clone())
		}
	}
	for id, staged := range s.staged[table] {
		if staged == nil || seen[id] {
			continue
		}
		if filter == nil || filter(staged) {
			out = append(out, staged.Clone())
		}
	}
	return out, nil
}

// Create implements EntityStore.
func (s *Staged) Create(ctx context.Context, _ checkpoints.Checkpoint, table, id string, data Entity) (Entity, error) {
	current, _, err := s.visible(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current != nil {
		return nil, fmt.Errorf("creating %s %q: %w", table, id, ErrAlreadyExists)
	}
	stored := data.Clone()
	stored["id"] = id
	s.stage(table, id, stored)
	return stored.Clone(), nil
}

// CreateMany implements EntityStore.
func (s *Staged) CreateMany(ctx context.Context, c checkpoints.Checkpoint, table string, rows []Entity) ([]Entity, error) {
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok {
			return nil, fmt.Errorf("row has no string id field")
		}
		created, err := s.Create(ctx, c, table, id, row)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// Update implements EntityStore.
func (s *Staged) Update(ctx context.Context, _ checkpoints.Checkpoint, table, id string, data Entity) (Entity, error) {
	current, _, err := s.visible(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("updating %s %q: %w", table, id, ErrNotFound)
	}
	merged := current.Clone()
	for k, v := range data {
		merged[k] = v
	}
	merged["id"] = id
	s.stage(table, id, merged)
	return merged.Clone(), nil
}

// UpdateMany implements EntityStore.
func (s *Staged) UpdateMany(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table string,
	filter Filter,
	data Entity,
) ([]Entity, error) {
	matched, err := s.FindMany(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(matched))
	for _, e := range matched {
		id, _ := e["id"].(string)
		updated, err := s.Update(ctx, c, table, id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Upsert implements EntityStore.
func (s *Staged) Upsert(ctx context.Context, c checkpoints.Checkpoint, table, id string, create, update Entity) (Entity, error) {
	current, _, err := s.visible(ctx, table, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return s.Create(ctx, c, table, id, create)
	}
	return s.Update(ctx, c, table, id, update)
}

// Delete implements EntityStore.
func (s *Staged) Delete(ctx context.Context, _ checkpoints.Checkpoint, table, id string) (bool, error) {
	current, _, err := s.visible(ctx, table, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}
	s.stage(table, id, nil)
	return true, nil
}

// Revert implements EntityStore by discarding the buffer; the underlying
// store is untouched.
func (s *Staged) Revert(ctx context.Context, _ checkpoints.Checkpoint) error {
	s.staged = make(map[string]map[string]Entity)
	return nil
}
