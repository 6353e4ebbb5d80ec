// Package memrm is an in-memory resource manager. It follows the XA branch
// life cycle faithfully enough to stand in for a database in tests: branches
// are started, prepared, committed or rolled back; prepared and
// heuristically completed branches are reported by Recover; a Restart drops
// everything that was not prepared. Several coordinators may share one
// Manager, as cluster members share one database.
package memrm

import (
	"context"
	"iter"
	"sort"
	"sync"

	"xatm/resource"
	"xatm/xid"
)

type State int

const (
	Unknown State = iota
	Active
	Prepared
	Committed
	RolledBack
	Heuristic
)

func (s State) String() string {
	return [...]string{"unknown", "active", "prepared", "committed", "rolled-back", "heuristic"}[s]
}

// Call records one operation the manager received.
type Call struct {
	Op       string
	Xid      xid.Xid
	OnePhase bool
}

type branch struct {
	state     State
	readOnly  bool
	heuristic resource.Code
}

type Manager struct {
	name string

	mu         sync.Mutex
	branches   map[xid.Xid]*branch
	finished   map[xid.Xid]State
	down       bool
	calls      []Call
	onPrepare  func(ctx context.Context, x xid.Xid) error
	onCommit   func(ctx context.Context, x xid.Xid, onePhase bool) error
	onRollback func(ctx context.Context, x xid.Xid) error
}

func New(name string) *Manager {
	return &Manager{
		name:     name,
		branches: make(map[xid.Xid]*branch),
		finished: make(map[xid.Xid]State),
	}
}

func (m *Manager) Name() string { return m.name }

type factory struct {
	id string
	m  *Manager
}

func (f *factory) ID() string { return f.id }

func (f *factory) ResourceManager() string { return f.m.name }

func (f *factory) Open(ctx context.Context) (resource.Resource, error) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.m.down {
		return nil, resource.NewXAError(resource.ErrRMFail, "%s is down", f.m.name)
	}
	return f.m, nil
}

// Factory returns a connection factory registered under id.
func (m *Manager) Factory(id string) resource.Factory {
	return &factory{id: id, m: m}
}

// SetDown makes the manager unreachable (or reachable again).
func (m *Manager) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Restart simulates a resource manager crash: unprepared work is lost.
func (m *Manager) Restart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for x, b := range m.branches {
		if b.state == Active {
			delete(m.branches, x)
		}
	}
}

// OnPrepare installs a hook run before every prepare; a non-nil error is
// returned to the caller.
func (m *Manager) OnPrepare(fn func(ctx context.Context, x xid.Xid) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPrepare = fn
}

func (m *Manager) OnCommit(fn func(ctx context.Context, x xid.Xid, onePhase bool) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = fn
}

func (m *Manager) OnRollback(fn func(ctx context.Context, x xid.Xid) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRollback = fn
}

// MarkReadOnly makes the branch vote read-only at prepare.
func (m *Manager) MarkReadOnly(x xid.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branch(x).readOnly = true
}

// AddPrepared plants a prepared branch, as if prepared before a crash.
func (m *Manager) AddPrepared(x xid.Xid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branch(x).state = Prepared
}

// HeuristicallyComplete resolves a prepared branch on the manager's own
// authority, as an operator would. code is one of the XA_HEUR* codes.
func (m *Manager) HeuristicallyComplete(x xid.Xid, code resource.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.branch(x)
	b.state = Heuristic
	b.heuristic = code
}

func (m *Manager) State(x xid.Xid) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.branches[x]; ok {
		return b.state
	}
	return m.finished[x]
}

// Calls returns the operations received so far, optionally only op.
func (m *Manager) Calls(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Manager) branch(x xid.Xid) *branch {
	b, ok := m.branches[x]
	if !ok {
		b = &branch{state: Active}
		m.branches[x] = b
		delete(m.finished, x)
	}
	return b
}

func (m *Manager) finish(x xid.Xid, s State) {
	delete(m.branches, x)
	m.finished[x] = s
}

func (m *Manager) enter(op string, x xid.Xid, onePhase bool) error {
	m.calls = append(m.calls, Call{Op: op, Xid: x, OnePhase: onePhase})
	if m.down {
		return resource.NewXAError(resource.ErrRMFail, "%s is down", m.name)
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, x xid.Xid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("start", x, false); err != nil {
		return err
	}
	if _, ok := m.branches[x]; ok {
		return resource.NewXAError(resource.ErrDupID, "branch %s already started", x)
	}
	m.branch(x)
	return nil
}

func (m *Manager) Prepare(ctx context.Context, x xid.Xid) (resource.Vote, error) {
	m.mu.Lock()
	hook := m.onPrepare
	err := m.enter("prepare", x, false)
	m.mu.Unlock()
	if err != nil {
		return resource.VoteNone, err
	}
	if hook != nil {
		if err := hook(ctx, x); err != nil {
			if resource.IsRollbackVote(err) {
				m.mu.Lock()
				m.finish(x, RolledBack)
				m.mu.Unlock()
			}
			return resource.VoteNone, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[x]
	if !ok {
		return resource.VoteNone, resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
	}
	if b.state != Active {
		return resource.VoteNone, resource.NewXAError(resource.ErrProto, "prepare %s in state %v", x, b.state)
	}
	if b.readOnly {
		m.finish(x, Committed)
		return resource.VoteReadOnly, nil
	}
	b.state = Prepared
	return resource.VotePrepared, nil
}

func (m *Manager) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	m.mu.Lock()
	hook := m.onCommit
	err := m.enter("commit", x, onePhase)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, x, onePhase); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[x]
	if !ok {
		return resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
	}
	switch {
	case b.state == Heuristic:
		return resource.NewXAError(b.heuristic, "branch %s completed heuristically", x)
	case onePhase && b.state != Active:
		return resource.NewXAError(resource.ErrProto, "one-phase commit of %s in state %v", x, b.state)
	case !onePhase && b.state != Prepared:
		return resource.NewXAError(resource.ErrProto, "commit of %s in state %v", x, b.state)
	}
	m.finish(x, Committed)
	return nil
}

func (m *Manager) Rollback(ctx context.Context, x xid.Xid) error {
	m.mu.Lock()
	hook := m.onRollback
	err := m.enter("rollback", x, false)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		if err := hook(ctx, x); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.branches[x]
	if !ok {
		return resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
	}
	if b.state == Heuristic {
		return resource.NewXAError(b.heuristic, "branch %s completed heuristically", x)
	}
	m.finish(x, RolledBack)
	return nil
}

func (m *Manager) Forget(ctx context.Context, x xid.Xid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("forget", x, false); err != nil {
		return err
	}
	b, ok := m.branches[x]
	if !ok {
		return resource.NewXAError(resource.ErrNotA, "unknown branch %s", x)
	}
	if b.state != Heuristic {
		return resource.NewXAError(resource.ErrProto, "forget %s in state %v", x, b.state)
	}
	m.finish(x, Heuristic)
	return nil
}

// Recover yields prepared and heuristically completed branches in a stable
// order.
func (m *Manager) Recover(ctx context.Context) iter.Seq2[xid.Xid, error] {
	return func(yield func(xid.Xid, error) bool) {
		m.mu.Lock()
		if err := m.enter("recover", xid.Xid{}, false); err != nil {
			m.mu.Unlock()
			yield(xid.Xid{}, err)
			return
		}
		var held []xid.Xid
		for x, b := range m.branches {
			if b.state == Prepared || b.state == Heuristic {
				held = append(held, x)
			}
		}
		m.mu.Unlock()

		sort.Slice(held, func(i, j int) bool { return xid.Compare(held[i], held[j]) < 0 })
		for _, x := range held {
			if err := ctx.Err(); err != nil {
				yield(xid.Xid{}, err)
				return
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

var (
	_ resource.Resource = (*Manager)(nil)
	_ resource.Starter  = (*Manager)(nil)
)
