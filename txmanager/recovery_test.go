package txmanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xatm/resource"
	"xatm/resource/memrm"
	"xatm/txlog"
	"xatm/xid"
)

func TestClassify(t *testing.T) {
	self := xid.Owner{Cruuid: uuid.New(), Epoch: 5}
	mine := func(epoch, seq uint64) xid.Xid {
		g, err := xid.NewGlobal(xid.Owner{Cruuid: self.Cruuid, Epoch: epoch}, seq, "X")
		require.NoError(t, err)
		return xid.Branch(g, 0, "orders")
	}
	owned := mine(5, 1)
	isOwned := func(x xid.Xid) bool { return x == owned }

	other, err := xid.NewGlobal(xid.Owner{Cruuid: uuid.New(), Epoch: 5}, 1, "X")
	require.NoError(t, err)
	alien, err := xid.New(1, []byte("somebody-else"), []byte{1})
	require.NoError(t, err)

	assert.Equal(t, ClassOwned, Classify(owned, self, isOwned))
	assert.Equal(t, ClassOrphan, Classify(mine(5, 2), self, isOwned), "current epoch without a record")
	assert.Equal(t, ClassForeign, Classify(mine(3, 1), self, isOwned), "an earlier epoch without a record is not ours to resolve")
	assert.Equal(t, ClassForeign, Classify(mine(6, 1), self, isOwned), "a later epoch is not ours yet")
	assert.Equal(t, ClassForeign, Classify(xid.Branch(other, 0, "orders"), self, isOwned))
	assert.Equal(t, ClassForeign, Classify(alien, self, isOwned))
}

func factories(rms ...*memrm.Manager) []resource.Factory {
	out := make([]resource.Factory, len(rms))
	for i, rm := range rms {
		out[i] = rm.Factory(rm.Name())
	}
	return out
}

// crashAfterCommitting leaves a transaction COMMITTING on disk: every
// commit call fails as if the resource managers were out of reach.
func crashAfterCommitting(t *testing.T, dir string, name string, rms ...*memrm.Manager) (xid.Xid, []resource.Ref) {
	t.Helper()
	c := startCoordinator(t, dir)
	for _, rm := range rms {
		rm.OnCommit(unreachable)
	}
	tx, err := c.tm.Begin(context.Background(), WithName(name))
	require.NoError(t, err)
	var refs []resource.Ref
	for _, f := range factories(rms...) {
		ref, err := tx.Enlist(context.Background(), f)
		require.NoError(t, err)
		refs = append(refs, ref)
	}
	require.NoError(t, tx.Commit(context.Background()))
	status, err := tx.Status()
	require.NoError(t, err)
	require.Equal(t, StatusCommitting, status)
	c.crash()
	for _, rm := range rms {
		rm.OnCommit(nil)
		rm.ResetCalls()
	}
	return tx.Xid(), refs
}

func TestRecoveryCommitsEveryBranchAfterCommitting(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock"), memrm.New("billing")}
	gtrid, refs := crashAfterCommitting(t, dir, "order-42", rms...)

	c := startCoordinator(t, dir, WithFactories(factories(rms...)...))
	status, err := c.tm.GetStatus(gtrid)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitting, status)

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 3, report.Returned())
	assert.Equal(t, 3, report.ToRecover())
	assert.Zero(t, report.InDoubt)

	for i, rm := range rms {
		assert.Equal(t, memrm.Committed, rm.State(refs[i].Branch), rm.Name())
		require.Len(t, rm.Calls("commit"), 1)
		assert.False(t, rm.Calls("commit")[0].OnePhase)
	}
	_, err = c.tm.GetStatus(gtrid)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRecoveryCommitsOnePhaseBranch(t *testing.T) {
	dir := t.TempDir()
	orders := memrm.New("orders")
	gtrid, refs := crashAfterCommitting(t, dir, "", orders)
	require.Equal(t, memrm.Active, orders.State(refs[0].Branch))

	c := startCoordinator(t, dir, WithFactories(orders.Factory("orders")))
	rec, err := c.tm.Snapshot(gtrid)
	require.NoError(t, err)
	require.True(t, rec.OnePhase)

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Returned(), "an unprepared branch is not listed by recover")
	assert.Equal(t, 1, report.Committed)
	commits := orders.Calls("commit")
	require.Len(t, commits, 1)
	assert.True(t, commits[0].OnePhase)
	assert.Equal(t, memrm.Committed, orders.State(refs[0].Branch))
	_, err = c.tm.GetStatus(gtrid)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRecoveredOnePhaseRollbackVote(t *testing.T) {
	dir := t.TempDir()
	orders := memrm.New("orders")
	gtrid, _ := crashAfterCommitting(t, dir, "", orders)
	orders.OnCommit(func(context.Context, xid.Xid, bool) error {
		return resource.NewXAError(resource.RBRollback, "constraint violated")
	})

	c := startCoordinator(t, dir, WithFactories(orders.Factory("orders")))
	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.RolledBack)
	assert.Zero(t, report.Committed)
	require.Len(t, orders.Calls("commit"), 1)
	_, err = c.tm.GetStatus(gtrid)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	crashAfterCommitting(t, dir, "", rms...)

	c := startCoordinator(t, dir, WithFactories(factories(rms...)...))
	_, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	for _, rm := range rms {
		rm.ResetCalls()
	}

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Returned())
	assert.Zero(t, report.Committed+report.RolledBack+report.OrphansRolledBack)
	for _, rm := range rms {
		assert.Empty(t, rm.Calls("commit"))
		assert.Empty(t, rm.Calls("rollback"))
		assert.Len(t, rm.Calls("recover"), 1)
	}

	// and once more from a fresh start
	c.crash()
	c = startCoordinator(t, dir, WithFactories(factories(rms...)...))
	report, err = c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Committed+report.RolledBack)
	for _, rm := range rms {
		assert.Empty(t, rm.Calls("commit"))
	}
}

func TestRecoveryRollsBackUndecidedTransactions(t *testing.T) {
	dir := t.TempDir()
	orders, stock := memrm.New("orders"), memrm.New("stock")

	// The log dies right after every prepare succeeded, before the decision.
	c := startWithStore(t, dir, func(records []txlog.Record) bool {
		return records[0].Event == evPrepared
	})
	prepared, refs := begin(t, c.tm, orders.Factory("orders"), stock.Factory("stock"))
	require.ErrorIs(t, prepared.Commit(context.Background()), txlog.ErrLogIO)
	require.Equal(t, memrm.Prepared, stock.State(refs[1].Branch))
	c.crash()

	c = startCoordinator(t, dir)
	active, activeRefs := begin(t, c.tm, orders.Factory("orders"))
	c.crash()

	c = startCoordinator(t, dir, WithFactories(orders.Factory("orders"), stock.Factory("stock")))
	status, err := c.tm.GetStatus(prepared.Xid())
	require.NoError(t, err)
	assert.Equal(t, StatusPreparing, status)

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.RolledBack)
	assert.Equal(t, memrm.RolledBack, orders.State(refs[0].Branch))
	assert.Equal(t, memrm.RolledBack, stock.State(refs[1].Branch))
	assert.Equal(t, memrm.RolledBack, orders.State(activeRefs[0].Branch))
	assert.Empty(t, stock.Calls("commit"))
	_, err = c.tm.GetStatus(active.Xid())
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestLostAcknowledgementsAreFinishedByRecovery(t *testing.T) {
	dir := t.TempDir()
	orders, stock := memrm.New("orders"), memrm.New("stock")

	// Both resource managers commit, but the log dies before the first
	// acknowledgement is written.
	c := startWithStore(t, dir, func(records []txlog.Record) bool {
		return len(records) == 1 && records[0].Event == evBranch
	})
	tx, refs := begin(t, c.tm, orders.Factory("orders"), stock.Factory("stock"))
	require.ErrorIs(t, tx.Commit(context.Background()), txlog.ErrLogIO)
	require.Equal(t, memrm.Committed, orders.State(refs[0].Branch))
	require.Equal(t, memrm.Committed, stock.State(refs[1].Branch))
	c.crash()
	orders.ResetCalls()
	stock.ResetCalls()

	c = startCoordinator(t, dir, WithFactories(orders.Factory("orders"), stock.Factory("stock")))
	status, err := c.tm.GetStatus(tx.Xid())
	require.NoError(t, err)
	assert.Equal(t, StatusCommitting, status)

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Empty(t, orders.Calls("commit"))
	assert.Empty(t, stock.Calls("commit"))
	_, err = c.tm.GetStatus(tx.Xid())
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRecoveryFinishesBranchesTheResourceNoLongerHolds(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	_, refs := crashAfterCommitting(t, dir, "", rms...)

	// orders committed before the crash but the acknowledgement was lost
	require.NoError(t, rms[0].Commit(context.Background(), refs[0].Branch, false))
	rms[0].ResetCalls()

	c := startCoordinator(t, dir, WithFactories(factories(rms...)...))
	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Empty(t, rms[0].Calls("commit"))
	assert.Equal(t, memrm.Committed, rms[1].State(refs[1].Branch))
}

func TestDuplicateXidsOfAnotherCoordinatorAreFiltered(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	shared := memrm.New("shared")
	privA, privB := memrm.New("a-private"), memrm.New("b-private")

	// Both coordinators run a transaction named X against the shared
	// resource manager and crash before it acknowledges the commit.
	start := func(dir string, private *memrm.Manager) xid.Xid {
		c := startCoordinator(t, dir)
		tx, err := c.tm.Begin(context.Background(), WithName("X"))
		require.NoError(t, err)
		for _, f := range factories(shared, private) {
			_, err := tx.Enlist(context.Background(), f)
			require.NoError(t, err)
		}
		shared.OnCommit(unreachable)
		require.NoError(t, tx.Commit(context.Background()))
		shared.OnCommit(nil)
		c.crash()
		return tx.Xid()
	}
	xa := start(dirA, privA)
	xb := start(dirB, privB)
	assert.Equal(t, "X", xid.Name(xa))
	assert.Equal(t, "X", xid.Name(xb))
	assert.NotEqual(t, xa, xb)

	a := startCoordinator(t, dirA, WithFactories(factories(shared, privA)...))
	b := startCoordinator(t, dirB, WithFactories(factories(shared, privB)...))

	// While the shared resource manager still refuses commits, both passes
	// see both Xids.
	shared.OnCommit(unreachable)
	for _, c := range []*coordinator{a, b} {
		report, err := c.tm.Recovery().Recover(context.Background())
		require.Error(t, err)
		rr := report.Resources["shared"]
		require.NotNil(t, rr)
		assert.Equal(t, 2, rr.Returned, "Resource returned 2 Xids")
		assert.Equal(t, 1, rr.ToRecover(), "Xids to recover: 1")
		assert.Equal(t, 1, rr.Filtered)
		assert.Equal(t, 1, report.InDoubt)
	}
	shared.OnCommit(nil)

	for _, c := range []*coordinator{a, b} {
		report, err := c.tm.Recovery().Refresh(context.Background(), "shared")
		require.NoError(t, err)
		assert.Equal(t, 1, report.Committed)
	}
	assert.Equal(t, memrm.Committed, shared.State(xid.Branch(xa, 0, "shared")))
	assert.Equal(t, memrm.Committed, shared.State(xid.Branch(xb, 0, "shared")))
}

func TestOrphansAreRolledBackAndForeignXidsLeftAlone(t *testing.T) {
	dir := t.TempDir()
	rm := memrm.New("orders")

	c := startCoordinator(t, dir)
	earlier := c.reg.Identity()
	c.crash()

	c = startCoordinator(t, dir, WithFactories(rm.Factory("orders")))
	self := c.reg.Identity()
	require.Equal(t, earlier.Cruuid, self.Cruuid)
	require.Greater(t, self.Epoch, earlier.Epoch)

	branchOf := func(owner xid.Owner) xid.Xid {
		g, err := xid.NewGlobal(owner, 99, "lost")
		require.NoError(t, err)
		return xid.Branch(g, 0, "orders")
	}
	orphan := branchOf(self)
	stale := branchOf(earlier)
	foreign := branchOf(xid.Owner{Cruuid: uuid.New(), Epoch: self.Epoch})
	for _, x := range []xid.Xid{orphan, stale, foreign} {
		rm.AddPrepared(x)
	}

	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	rr := report.Resources["orders"]
	assert.Equal(t, 3, rr.Returned)
	assert.Equal(t, 1, rr.Orphans)
	assert.Equal(t, 2, rr.Filtered)
	assert.Equal(t, 1, report.OrphansRolledBack)

	assert.Equal(t, memrm.RolledBack, rm.State(orphan))
	assert.Equal(t, memrm.Prepared, rm.State(stale))
	assert.Equal(t, memrm.Prepared, rm.State(foreign))
	for _, call := range rm.Calls("rollback") {
		assert.Equal(t, orphan, call.Xid)
	}
}

func copyFile(t *testing.T, from, to string) {
	t.Helper()
	b, err := os.ReadFile(from)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(to, b, 0o600))
}

func TestCopiedIdentityLeavesOtherInstanceBranchesAlone(t *testing.T) {
	ctx := context.Background()
	dirA, dirB := t.TempDir(), t.TempDir()
	shared, privA := memrm.New("shared"), memrm.New("a-private")

	a := startCoordinator(t, dirA)
	identityA := a.reg.Identity()
	shared.OnCommit(unreachable)
	tx, refs := begin(t, a.tm, shared.Factory("shared"), privA.Factory("a-private"))
	require.NoError(t, tx.Commit(ctx))
	shared.OnCommit(nil)
	a.crash()
	require.Equal(t, memrm.Prepared, shared.State(refs[0].Branch))
	require.Equal(t, memrm.Committed, privA.State(refs[1].Branch))

	// B runs from a copy of A's identity file with a log of its own.
	copyFile(t, filepath.Join(dirA, "epoch.db"), filepath.Join(dirB, "epoch.db"))
	b := startCoordinator(t, dirB, WithFactories(shared.Factory("shared")))
	require.Equal(t, identityA.Cruuid, b.reg.Identity().Cruuid)
	require.Greater(t, b.reg.Identity().Epoch, identityA.Epoch)

	report, err := b.tm.Recovery().Recover(ctx)
	require.NoError(t, err)
	rr := report.Resources["shared"]
	assert.Equal(t, 1, rr.Returned)
	assert.Zero(t, rr.Orphans)
	assert.Equal(t, 1, rr.Filtered)
	assert.Zero(t, report.OrphansRolledBack)
	assert.Equal(t, memrm.Prepared, shared.State(refs[0].Branch))
	assert.Empty(t, shared.Calls("rollback"))
	b.crash()

	a = startCoordinator(t, dirA, WithFactories(shared.Factory("shared"), privA.Factory("a-private")))
	report, err = a.tm.Recovery().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Zero(t, report.RolledBack)
	assert.Equal(t, memrm.Committed, shared.State(refs[0].Branch))
	assert.Equal(t, memrm.Committed, privA.State(refs[1].Branch))
}

func TestHeuristicOrphanIsNotRetried(t *testing.T) {
	ctx := context.Background()
	rm := memrm.New("orders")
	c := startCoordinator(t, t.TempDir(), WithFactories(rm.Factory("orders")))

	g, err := xid.NewGlobal(c.reg.Identity(), 99, "lost")
	require.NoError(t, err)
	orphan := xid.Branch(g, 0, "orders")
	rm.HeuristicallyComplete(orphan, resource.HeurCommit)

	report, err := c.tm.Recovery().Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Heuristic)
	assert.Zero(t, report.OrphansRolledBack)
	assert.Zero(t, report.InDoubt)
	require.Len(t, rm.Calls("rollback"), 1)

	report, err = c.tm.Recovery().Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Heuristic)
	assert.Equal(t, 1, report.Resources["orders"].Heuristic)
	assert.Zero(t, report.Resources["orders"].Orphans)
	_, err = c.tm.Recovery().Refresh(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, rm.Calls("rollback"), 1, "heuristic outcomes are never retried")

	d := c.tm.Diagnostics()
	require.Len(t, d.HeuristicOrphans, 1)
	assert.Equal(t, orphan, d.HeuristicOrphans[0].Branch)
	assert.Equal(t, resource.HeuristicCommit, d.HeuristicOrphans[0].Outcome)
	assert.Zero(t, d.InDoubt)

	require.NoError(t, c.tm.Forget(ctx, g))
	assert.Len(t, rm.Calls("forget"), 1)
	assert.Empty(t, c.tm.Diagnostics().HeuristicOrphans)
	report, err = c.tm.Recovery().Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Returned())
	assert.ErrorIs(t, c.tm.Forget(ctx, g), ErrUnknownTransaction)
}

func TestNothingToRecoverTruncatesLog(t *testing.T) {
	dir := t.TempDir()
	orders, stock := memrm.New("orders"), memrm.New("stock")
	c := startCoordinator(t, dir)
	for i := 0; i < 5; i++ {
		tx, _ := begin(t, c.tm, orders.Factory("orders"), stock.Factory("stock"))
		require.NoError(t, tx.Commit(context.Background()))
	}
	require.NotZero(t, c.log.Stats().Records)
	c.crash()
	orders.ResetCalls()
	stock.ResetCalls()

	c = startCoordinator(t, dir, WithFactories(orders.Factory("orders"), stock.Factory("stock")))
	assert.Empty(t, c.tm.Transactions())
	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Returned())
	assert.Zero(t, report.InDoubt)
	assert.Empty(t, orders.Calls("commit"))
	assert.Empty(t, orders.Calls("rollback"))
	assert.Zero(t, c.log.Stats().Records, "completed transactions are truncated away")
}

func TestUnreachableResourceStaysInDoubtUntilRefresh(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	gtrid, refs := crashAfterCommitting(t, dir, "", rms...)

	rms[1].SetDown(true)
	c := startCoordinator(t, dir, WithFactories(factories(rms...)...))
	report, err := c.tm.Recovery().Recover(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, resource.ErrUnreachable)
	assert.True(t, report.Resources["stock"].Unreachable)
	assert.Equal(t, 1, report.InDoubt)
	assert.Equal(t, memrm.Committed, rms[0].State(refs[0].Branch), "reachable branches are completed")

	// new transactions keep running meanwhile
	tx, _ := begin(t, c.tm, rms[0].Factory("orders"))
	require.NoError(t, tx.Commit(context.Background()))

	rms[1].SetDown(false)
	report, err = c.tm.Recovery().Refresh(context.Background(), "stock")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Zero(t, report.InDoubt)
	assert.Equal(t, memrm.Committed, rms[1].State(refs[1].Branch))
	_, err = c.tm.GetStatus(gtrid)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestRegisteringAWaitedForFactoryTriggersRecovery(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	gtrid, refs := crashAfterCommitting(t, dir, "", rms...)

	reg, l := reopen(t, dir)
	tm, err := NewTXManager(l, reg,
		WithFactories(rms[0].Factory("orders")),
		WithMonitorTick(time.Hour),
		WithRecoveryInterval(time.Hour))
	require.NoError(t, err)
	defer tm.Stop()

	require.Eventually(t, func() bool {
		return rms[0].State(refs[0].Branch) == memrm.Committed
	}, 5*time.Second, 10*time.Millisecond, "the automatic pass completes what it can reach")
	status, err := tm.GetStatus(gtrid)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitting, status)

	require.NoError(t, tm.Register(rms[1].Factory("stock")))
	require.Eventually(t, func() bool {
		_, err := tm.GetStatus(gtrid)
		return errors.Is(err, ErrUnknownTransaction)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, memrm.Committed, rms[1].State(refs[1].Branch))
}

func TestHeuristicOutcomeDuringRecovery(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	gtrid, refs := crashAfterCommitting(t, dir, "", rms...)
	rms[1].HeuristicallyComplete(refs[1].Branch, resource.HeurRollback)

	c := startCoordinator(t, dir, WithFactories(factories(rms...)...))
	report, err := c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Heuristic)
	assert.Zero(t, report.InDoubt)

	status, err := c.tm.GetStatus(gtrid)
	require.NoError(t, err)
	assert.Equal(t, StatusHeuristic, status)

	rms[1].ResetCalls()
	_, err = c.tm.Recovery().Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rms[1].Calls("commit"), "heuristic outcomes are never retried")

	// still there after a restart, until forgotten
	c.crash()
	c = startCoordinator(t, dir, WithFactories(factories(rms...)...))
	status, err = c.tm.GetStatus(gtrid)
	require.NoError(t, err)
	assert.Equal(t, StatusHeuristic, status)
	require.NoError(t, c.tm.Forget(context.Background(), gtrid))

	c.crash()
	c = startCoordinator(t, dir, WithFactories(factories(rms...)...))
	_, err = c.tm.GetStatus(gtrid)
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestMissingFactoryIsReported(t *testing.T) {
	dir := t.TempDir()
	rms := []*memrm.Manager{memrm.New("orders"), memrm.New("stock")}
	crashAfterCommitting(t, dir, "", rms...)

	c := startCoordinator(t, dir, WithFactories(rms[0].Factory("orders")))
	report, err := c.tm.Recovery().Recover(context.Background())
	require.Error(t, err)
	assert.Contains(t, report.Resources, "stock")
	assert.NotEmpty(t, report.Resources["stock"].Error)
	assert.Equal(t, 1, report.InDoubt)
	assert.Equal(t, 1, c.tm.Diagnostics().InDoubt)

	_, err = c.tm.Recovery().Refresh(context.Background(), "nope")
	assert.Error(t, err)
}

func reopen(t *testing.T, dir string) (Identity, *txlog.Log) {
	t.Helper()
	c := startCoordinator(t, dir)
	c.tm.Stop()
	l, reg := c.log, c.reg
	c.tm = nil
	t.Cleanup(func() {
		l.Close()
		reg.Close()
	})
	return reg, l
}

func Example_classify() {
	self := xid.Owner{Cruuid: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), Epoch: 2}
	g, _ := xid.NewGlobal(self, 7, "X")
	fmt.Println(Classify(xid.Branch(g, 0, "orders"), self, func(xid.Xid) bool { return false }))
	// Output: orphan
}
