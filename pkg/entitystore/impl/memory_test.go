package impl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/d-mooers/ponder/pkg/checkpoints"
	"github.com/d-mooers/ponder/pkg/entitystore"
)

func TestCreateAndFind(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	c := checkpoints.New(100, 1, 1, 0)

	created, err := s.Create(ctx, c, "Account", "0xa", entitystore.Entity{"balance": int64(10)})
	require.NoError(t, err)
	require.Equal(t, "0xa", created["id"])

	got, err := s.FindUnique(ctx, "Account", "0xa")
	require.NoError(t, err)
	require.Equal(t, int64(10), got["balance"])

	_, err = s.Create(ctx, c, "Account", "0xa", entitystore.Entity{})
	require.ErrorIs(t, err, entitystore.ErrAlreadyExists)

	_, err = s.FindUnique(ctx, "Account", "0xb")
	require.ErrorIs(t, err, entitystore.ErrNotFound)
}

func TestUpdateMergesFields(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, checkpoints.New(100, 1, 1, 0), "Account", "0xa",
		entitystore.Entity{"balance": int64(10), "nonce": int64(1)})
	require.NoError(t, err)

	updated, err := s.Update(ctx, checkpoints.New(100, 1, 1, 1), "Account", "0xa",
		entitystore.Entity{"balance": int64(25)})
	require.NoError(t, err)
	require.Equal(t, int64(25), updated["balance"])
	require.Equal(t, int64(1), updated["nonce"])

	_, err = s.Update(ctx, checkpoints.New(100, 1, 1, 2), "Account", "0xmissing", entitystore.Entity{})
	require.ErrorIs(t, err, entitystore.ErrNotFound)
}

func TestUpsert(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	got, err := s.Upsert(ctx, checkpoints.New(100, 1, 1, 0), "Account", "0xa",
		entitystore.Entity{"balance": int64(1)}, entitystore.Entity{"balance": int64(99)})
	require.NoError(t, err)
	require.Equal(t, int64(1), got["balance"])

	got, err = s.Upsert(ctx, checkpoints.New(100, 1, 1, 1), "Account", "0xa",
		entitystore.Entity{"balance": int64(1)}, entitystore.Entity{"balance": int64(99)})
	require.NoError(t, err)
	require.Equal(t, int64(99), got["balance"])
}

func TestDeleteAndRecreate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, checkpoints.New(100, 1, 1, 0), "Account", "0xa", entitystore.Entity{})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, checkpoints.New(100, 1, 1, 1), "Account", "0xa")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, checkpoints.New(100, 1, 1, 2), "Account", "0xa")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.FindUnique(ctx, "Account", "0xa")
	require.ErrorIs(t, err, entitystore.ErrNotFound)

	// Deleting frees the id for a new Create.
	_, err = s.Create(ctx, checkpoints.New(100, 1, 1, 3), "Account", "0xa", entitystore.Entity{"balance": int64(5)})
	require.NoError(t, err)
}

func TestFindMany(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	c := checkpoints.New(100, 1, 1, 0)

	for i, id := range []string{"0xc", "0xa", "0xb"} {
		_, err := s.Create(ctx, c, "Account", id, entitystore.Entity{"balance": int64(i * 10)})
		require.NoError(t, err)
	}

	all, err := s.FindMany(ctx, "Account", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "0xa", all[0]["id"])
	require.Equal(t, "0xc", all[2]["id"])

	rich, err := s.FindMany(ctx, "Account", func(e entitystore.Entity) bool {
		return e["balance"].(int64) >= 10
	})
	require.NoError(t, err)
	require.Len(t, rich, 2)
}

func TestRevertRestoresEarlierVersions(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, checkpoints.New(100, 1, 900, 0), "Account", "0xa", entitystore.Entity{"balance": int64(10)})
	require.NoError(t, err)
	_, err = s.Update(ctx, checkpoints.New(110, 1, 950, 0), "Account", "0xa", entitystore.Entity{"balance": int64(20)})
	require.NoError(t, err)
	_, err = s.Create(ctx, checkpoints.New(120, 1, 1000, 0), "Account", "0xb", entitystore.Entity{"balance": int64(1)})
	require.NoError(t, err)

	require.NoError(t, s.Revert(ctx, checkpoints.NewBlock(110, 1, 950)))

	got, err := s.FindUnique(ctx, "Account", "0xa")
	require.NoError(t, err)
	require.Equal(t, int64(20), got["balance"])

	_, err = s.FindUnique(ctx, "Account", "0xb")
	require.ErrorIs(t, err, entitystore.ErrNotFound)

	// Reverting before the first write drops the entity entirely.
	require.NoError(t, s.Revert(ctx, checkpoints.NewBlock(90, 1, 800)))
	_, err = s.FindUnique(ctx, "Account", "0xa")
	require.ErrorIs(t, err, entitystore.ErrNotFound)
}

func TestBoundStore(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	db := entitystore.NewBound(s, checkpoints.New(100, 1, 1, 0))
	_, err := db.Create(ctx, "Account", "0xa", entitystore.Entity{"balance": int64(10)})
	require.NoError(t, err)

	// A rewind past the bound checkpoint undoes the bound writes.
	require.NoError(t, s.Revert(ctx, checkpoints.NewBlock(90, 1, 0)))
	_, err = db.FindUnique(ctx, "Account", "0xa")
	require.ErrorIs(t, err, entitystore.ErrNotFound)
}

func TestResultsAreIsolatedCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	c := checkpoints.New(100, 1, 1, 0)
	created, err := s.Create(ctx, c, "Account", "0xa", entitystore.Entity{"balance": int64(10)})
	require.NoError(t, err)
	created["balance"] = int64(999)

	got, err := s.FindUnique(ctx, "Account", "0xa")
	require.NoError(t, err)
	require.Equal(t, int64(10), got["balance"])
	got["balance"] = int64(777)

	again, err := s.FindUnique(ctx, "Account", "0xa")
	require.NoError(t, err)
	require.Equal(t, int64(10), again["balance"])
}
