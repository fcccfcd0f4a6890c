// Package impl provides the in-memory versioned entity store.
package impl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/entitystore"
)

// version is one write to an entity. A nil data marks a tombstone.
type version struct {
	checkpoint checkpoints.Checkpoint
	data       entitystore.Entity
}

// Store keeps every entity as an append-only version list ordered by write
// time. Reads observe the last version; Revert truncates the lists.
type Store struct {
	log zerolog.Logger

	mu     sync.RWMutex
	tables map[string]map[string][]version
}

var _ entitystore.EntityStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		log: logger.With().
			Str("component", "entitystore").
			Logger(),
		tables: make(map[string]map[string][]version),
	}
}

// FindUnique implements EntityStore.
func (s *Store) FindUnique(ctx context.Context, table, id string) (entitystore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data := s.latest(table, id)
	if data == nil {
		return nil, entitystore.ErrNotFound
	}
	return data.Clone(), nil
}

// FindMany implements EntityStore. Results are ordered by id for determinism.
func (s *Store) FindMany(ctx context.Context, table string, filter entitystore.Filter) ([]entitystore.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tables[table]))
	for id := range s.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []entitystore.Entity
	for _, id := range ids {
		data := s.latest(table, id)
		if data == nil {
			continue
		}
		if filter == nil || filter(data) {
			out = append(out, data.Clone())
		}
	}
	return out, nil
}

// Create implements EntityStore.
func (s *Store) Create(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table, id string,
	data entitystore.Entity,
) (entitystore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create(c, table, id, data)
}

// CreateMany implements EntityStore. Rows carry their id in the "id" field.
func (s *Store) CreateMany(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table string,
	rows []entitystore.Entity,
) ([]entitystore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entitystore.Entity, 0, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok {
			return nil, fmt.Errorf("row has no string id field")
		}
		created, err := s.create(c, table, id, row)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

func (s *Store) create(c checkpoints.Checkpoint, table, id string, data entitystore.Entity) (entitystore.Entity, error) {
	if s.latest(table, id) != nil {
		return nil, fmt.Errorf("creating %s %q: %w", table, id, entitystore.ErrAlreadyExists)
	}
	stored := data.Clone()
	stored["id"] = id
	s.append(c, table, id, stored)
	return stored.Clone(), nil
}

// Update implements EntityStore.
func (s *Store) Update(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table, id string,
	data entitystore.Entity,
) (entitystore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.latest(table, id)
	if current == nil {
		return nil, fmt.Errorf("updating %s %q: %w", table, id, entitystore.ErrNotFound)
	}
	merged := merge(current, data, id)
	s.append(c, table, id, merged)
	return merged.Clone(), nil
}

// UpdateMany implements EntityStore.
func (s *Store) UpdateMany(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table string,
	filter entitystore.Filter,
	data entitystore.Entity,
) ([]entitystore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.tables[table]))
	for id := range s.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []entitystore.Entity
	for _, id := range ids {
		current := s.latest(table, id)
		if current == nil || (filter != nil && !filter(current)) {
			continue
		}
		merged := merge(current, data, id)
		s.append(c, table, id, merged)
		out = append(out, merged.Clone())
	}
	return out, nil
}

// Upsert implements EntityStore.
func (s *Store) Upsert(
	ctx context.Context,
	c checkpoints.Checkpoint,
	table, id string,
	create, update entitystore.Entity,
) (entitystore.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.latest(table, id)
	if current == nil {
		return s.create(c, table, id, create)
	}
	merged := merge(current, update, id)
	s.append(c, table, id, merged)
	return merged.Clone(), nil
}

// Delete implements EntityStore.
func (s *Store) Delete(ctx context.Context, c checkpoints.Checkpoint, table, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest(table, id) == nil {
		return false, nil
	}
	s.append(c, table, id, nil)
	return true, nil
}

// Revert implements EntityStore.
func (s *Store) Revert(ctx context.Context, c checkpoints.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, table := range s.tables {
		for id, versions := range table {
			keep := versions[:0]
			for _, v := range versions {
				if checkpoints.Compare(v.checkpoint, c) > 0 {
					dropped++
					continue
				}
				keep = append(keep, v)
			}
			if len(keep) == 0 {
				delete(table, id)
				continue
			}
			table[id] = keep
		}
	}
	if dropped > 0 {
		s.log.Debug().
			Int("versions", dropped).
			Str("checkpoint", c.String()).
			Msg("reverted entity versions")
	}
	return nil
}

// latest returns the live data of (table, id), or nil. Called with a lock
// held.
func (s *Store) latest(table, id string) entitystore.Entity {
	versions := s.tables[table][id]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1].data
}

func (s *Store) append(c checkpoints.Checkpoint, table, id string, data entitystore.Entity) {
	rows, ok := s.tables[table]
	if !ok {
		rows = make(map[string][]version)
		s.tables[table] = rows
	}
	rows[id] = append(rows[id], version{checkpoint: c, data: data})
}

func merge(current, data entitystore.Entity, id string) entitystore.Entity {
	out := current.Clone()
	for k, v := range data {
		out[k] = v
	}
	out["id"] = id
	return out
}
