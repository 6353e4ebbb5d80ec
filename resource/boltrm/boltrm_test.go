package boltrm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xatm/resource"
	"xatm/xid"
)

func branch(t *testing.T, seq uint64) xid.Xid {
	t.Helper()
	g, err := xid.NewGlobal(xid.Owner{Cruuid: uuid.New(), Epoch: 1}, seq, "")
	require.NoError(t, err)
	return xid.Branch(g, 0, "kv")
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, "kv")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recovered(t *testing.T, s *Store) []xid.Xid {
	t.Helper()
	var out []xid.Xid
	for x, err := range s.Recover(context.Background()) {
		require.NoError(t, err)
		out = append(out, x)
	}
	return out
}

func TestTwoPhaseCommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	x := branch(t, 1)

	require.NoError(t, s.Start(ctx, x))
	require.NoError(t, s.Put(x, "a", []byte("1")))
	_, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, ok, "staged writes are invisible")

	vote, err := s.Prepare(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, resource.VotePrepared, vote)
	assert.Equal(t, []xid.Xid{x}, recovered(t, s))

	require.NoError(t, s.Commit(ctx, x, false))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Empty(t, recovered(t, s))
}

func TestOnePhaseCommit(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	x := branch(t, 1)

	require.NoError(t, s.Start(ctx, x))
	require.NoError(t, s.Put(x, "a", []byte("1")))
	require.NoError(t, s.Commit(ctx, x, true))
	v, _, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	err = s.Commit(ctx, x, true)
	assert.True(t, resource.IsNotFound(err))
}

func TestFailedOnePhaseCommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	x := branch(t, 1)

	require.NoError(t, s.Start(ctx, x))
	require.NoError(t, s.Put(x, "a", []byte("1")))
	require.NoError(t, s.Put(x, strings.Repeat("k", bolt.MaxKeySize+1), []byte("2")))

	err := s.Commit(ctx, x, true)
	require.Error(t, err)
	assert.False(t, resource.IsNotFound(err))
	_, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	// the branch is still held, so a repeated commit fails the same way
	err = s.Commit(ctx, x, true)
	require.Error(t, err)
	assert.False(t, resource.IsNotFound(err))
	require.NoError(t, s.Rollback(ctx, x))
	assert.True(t, resource.IsNotFound(s.Rollback(ctx, x)))
}

func TestEmptyBranchIsReadOnly(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	x := branch(t, 1)

	require.NoError(t, s.Start(ctx, x))
	vote, err := s.Prepare(ctx, x)
	require.NoError(t, err)
	assert.Equal(t, resource.VoteReadOnly, vote)
	assert.Empty(t, recovered(t, s))
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	staged, prepared := branch(t, 1), branch(t, 2)

	for _, x := range []xid.Xid{staged, prepared} {
		require.NoError(t, s.Start(ctx, x))
		require.NoError(t, s.Put(x, x.String(), []byte("v")))
	}
	_, err := s.Prepare(ctx, prepared)
	require.NoError(t, err)

	require.NoError(t, s.Rollback(ctx, staged))
	require.NoError(t, s.Rollback(ctx, prepared))
	assert.Empty(t, recovered(t, s))
	_, ok, _ := s.Get(prepared.String())
	assert.False(t, ok)

	assert.True(t, resource.IsNotFound(s.Rollback(ctx, prepared)))
}

func TestDuplicateStart(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "kv.db"))
	x := branch(t, 1)
	require.NoError(t, s.Start(ctx, x))
	assert.Equal(t, resource.ErrDupID, resource.CodeOf(s.Start(ctx, x)))
	assert.Equal(t, resource.ErrOutside, resource.CodeOf(s.Put(branch(t, 2), "k", nil)))
}

func TestPreparedBranchSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")
	prepared, active := branch(t, 1), branch(t, 2)

	s, err := Open(path, "kv")
	require.NoError(t, err)
	for _, x := range []xid.Xid{prepared, active} {
		require.NoError(t, s.Start(ctx, x))
		require.NoError(t, s.Put(x, "k", []byte(x.String())))
	}
	_, err = s.Prepare(ctx, prepared)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Factory("kv").Open(ctx)
	assert.Equal(t, resource.ErrRMFail, resource.CodeOf(err))

	s = openStore(t, path)
	assert.Equal(t, []xid.Xid{prepared}, recovered(t, s))
	assert.True(t, resource.IsNotFound(s.Commit(ctx, active, true)), "unprepared work is gone")

	require.NoError(t, s.Commit(ctx, prepared, false))
	v, _, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte(prepared.String()), v)
}
