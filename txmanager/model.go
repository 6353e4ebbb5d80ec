package txmanager

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xatm/resource"
	"xatm/txlog"
	"xatm/xid"
)

// Status is the protocol state of a transaction.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
	StatusHeuristic
)

var statusNames = [...]string{"UNKNOWN", "ACTIVE", "PREPARING", "PREPARED", "COMMITTING",
	"COMMITTED", "ROLLING_BACK", "ROLLED_BACK", "HEURISTIC"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown transaction status %q", b)
}

// Terminal reports whether no protocol work remains.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusHeuristic
}

// commitDecided reports whether a durable record of s obliges every branch
// to commit.
func (s Status) commitDecided() bool {
	return s == StatusPrepared || s == StatusCommitting
}

var transitions = map[Status][]Status{
	StatusUnknown:     {StatusActive},
	StatusActive:      {StatusPreparing, StatusCommitting, StatusCommitted, StatusRollingBack},
	StatusPreparing:   {StatusPrepared, StatusRollingBack},
	StatusPrepared:    {StatusCommitting},
	StatusCommitting:  {StatusCommitted, StatusRolledBack, StatusHeuristic},
	StatusRollingBack: {StatusRolledBack, StatusHeuristic},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Branch is one enlisted resource manager branch and its progress.
type Branch struct {
	Ref     resource.Ref     `json:"ref"`
	Vote    resource.Vote    `json:"vote"`
	Outcome resource.Outcome `json:"outcome"`
}

// settled reports whether the branch needs no second-phase call.
func (b *Branch) settled() bool {
	return b.Vote == resource.VoteReadOnly || b.Outcome.Done()
}

// TransactionRecord is a point-in-time copy of a transaction.
type TransactionRecord struct {
	Xid       xid.Xid   `json:"xid"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	Epoch     uint64    `json:"epoch"`
	Cruuid    string    `json:"cruuid"`
	CreatedAt time.Time `json:"createdAt"`
	OnePhase  bool      `json:"onePhase,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Branches  []Branch  `json:"branches"`
	FirstSeq  uint64    `json:"firstSeq"`
	LastSeq   uint64    `json:"lastSeq"`
}

// Transaction is the coordinator's in-memory record of one global
// transaction. Its fields change only by applying journaled log records, so
// replaying the log rebuilds exactly the same state.
type Transaction struct {
	xid xid.Xid

	// busy is held by whichever goroutine drives the protocol for the
	// transaction: the application, the monitor or recovery.
	busy atomic.Bool

	mu        sync.Mutex
	status    Status
	name      string
	epoch     uint64
	cruuid    string
	createdAt time.Time
	onePhase  bool
	reason    string
	branches  []*Branch
	firstSeq  uint64
	lastSeq   uint64
	// recovered is set for records rebuilt from the log at start-up; they
	// are resolved by recovery instead of the monitor.
	recovered bool
	forgotten bool
}

func newTransaction(x xid.Xid) *Transaction {
	return &Transaction{xid: x}
}

func (tx *Transaction) Xid() xid.Xid { return tx.xid }

func (tx *Transaction) claim() bool { return tx.busy.CompareAndSwap(false, true) }

func (tx *Transaction) release() { tx.busy.Store(false) }

func (tx *Transaction) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

func (tx *Transaction) isRecovered() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.recovered
}

func (tx *Transaction) setRecovered(v bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.recovered = v
}

func (tx *Transaction) first() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.firstSeq
}

// createdBefore is false until the begin record has been applied.
func (tx *Transaction) createdBefore(t time.Time) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return !tx.createdAt.IsZero() && tx.createdAt.Before(t)
}

// Branches returns copies of the enlisted branches.
func (tx *Transaction) Branches() []Branch {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Branch, len(tx.branches))
	for i, b := range tx.branches {
		out[i] = *b
	}
	return out
}

// pending returns the branches still waiting for a second-phase call.
func (tx *Transaction) pending() []Branch {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	var out []Branch
	for _, b := range tx.branches {
		if !b.settled() {
			out = append(out, *b)
		}
	}
	return out
}

func (tx *Transaction) holds(branch xid.Xid) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, b := range tx.branches {
		if b.Ref.Branch == branch {
			return true
		}
	}
	return false
}

func (tx *Transaction) Snapshot() TransactionRecord {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	rec := TransactionRecord{
		Xid:       tx.xid,
		Name:      tx.name,
		Status:    tx.status,
		Epoch:     tx.epoch,
		Cruuid:    tx.cruuid,
		CreatedAt: tx.createdAt,
		OnePhase:  tx.onePhase,
		Reason:    tx.reason,
		Branches:  make([]Branch, len(tx.branches)),
		FirstSeq:  tx.firstSeq,
		LastSeq:   tx.lastSeq,
	}
	for i, b := range tx.branches {
		rec.Branches[i] = *b
	}
	return rec
}

// clone copies the journaled state, for validating records before they are
// written. Must be called with mu held.
func (tx *Transaction) clone() *Transaction {
	c := &Transaction{
		xid:       tx.xid,
		status:    tx.status,
		name:      tx.name,
		epoch:     tx.epoch,
		cruuid:    tx.cruuid,
		createdAt: tx.createdAt,
		onePhase:  tx.onePhase,
		reason:    tx.reason,
		firstSeq:  tx.firstSeq,
		lastSeq:   tx.lastSeq,
		forgotten: tx.forgotten,
		branches:  make([]*Branch, len(tx.branches)),
	}
	for i, b := range tx.branches {
		cp := *b
		c.branches[i] = &cp
	}
	return c
}

func (tx *Transaction) transition(to Status) error {
	if !canTransition(tx.status, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, tx.status, to, tx.xid)
	}
	if tx.status == StatusCommitting && to == StatusRolledBack && !tx.onePhase {
		return fmt.Errorf("%w: %s -> %s for two-phase %s", ErrInvalidTransition, tx.status, to, tx.xid)
	}
	tx.status = to
	return nil
}

// apply folds one log record into the transaction. Must be called with mu
// held.
func (tx *Transaction) apply(rec txlog.Record) error {
	if tx.forgotten {
		return fmt.Errorf("%w: record for forgotten %s", ErrInvalidTransition, tx.xid)
	}
	if rec.Event != evBegin && tx.status == StatusUnknown {
		return fmt.Errorf("%w: %s before begin of %s", ErrInvalidTransition, eventName(rec.Event), tx.xid)
	}

	switch rec.Event {
	case evBegin:
		var p beginPayload
		if err := decodePayload(rec, &p); err != nil {
			return err
		}
		if err := tx.transition(StatusActive); err != nil {
			return err
		}
		tx.epoch, tx.cruuid, tx.createdAt, tx.name = p.Epoch, p.Cruuid, p.CreatedAt, p.Name
		tx.firstSeq = rec.Seq

	case evEnlist:
		var ref resource.Ref
		if err := decodePayload(rec, &ref); err != nil {
			return err
		}
		if tx.status != StatusActive {
			return fmt.Errorf("%w: enlist in %s for %s", ErrInvalidTransition, tx.status, tx.xid)
		}
		if int(ref.Index) != len(tx.branches) {
			return fmt.Errorf("%w: branch index %d, have %d branches", ErrInvalidTransition, ref.Index, len(tx.branches))
		}
		tx.branches = append(tx.branches, &Branch{Ref: ref})

	case evPreparing:
		if err := tx.transition(StatusPreparing); err != nil {
			return err
		}

	case evPrepared:
		var p preparedPayload
		if err := decodePayload(rec, &p); err != nil {
			return err
		}
		if err := tx.transition(StatusPrepared); err != nil {
			return err
		}
		for _, b := range tx.branches {
			b.Vote = resource.VotePrepared
		}
		for _, idx := range p.ReadOnly {
			if int(idx) >= len(tx.branches) {
				return fmt.Errorf("%w: read-only branch %d out of range", ErrInvalidTransition, idx)
			}
			tx.branches[idx].Vote = resource.VoteReadOnly
		}

	case evCommitting:
		var p committingPayload
		if err := decodePayload(rec, &p); err != nil {
			return err
		}
		if p.OnePhase && len(tx.branches) != 1 {
			return fmt.Errorf("%w: one-phase commit with %d branches", ErrInvalidTransition, len(tx.branches))
		}
		if err := tx.transition(StatusCommitting); err != nil {
			return err
		}
		tx.onePhase = p.OnePhase

	case evRollingBack:
		var p rollingBackPayload
		if err := decodePayload(rec, &p); err != nil {
			return err
		}
		if err := tx.transition(StatusRollingBack); err != nil {
			return err
		}
		tx.reason = p.Reason

	case evBranch:
		var p branchPayload
		if err := decodePayload(rec, &p); err != nil {
			return err
		}
		if tx.status != StatusCommitting && tx.status != StatusRollingBack {
			return fmt.Errorf("%w: branch outcome in %s for %s", ErrInvalidTransition, tx.status, tx.xid)
		}
		if int(p.Index) >= len(tx.branches) {
			return fmt.Errorf("%w: branch %d out of range", ErrInvalidTransition, p.Index)
		}
		tx.branches[p.Index].Outcome = p.Outcome

	case evCommitted:
		if err := tx.transition(StatusCommitted); err != nil {
			return err
		}

	case evRolledBack:
		if err := tx.transition(StatusRolledBack); err != nil {
			return err
		}

	case evHeuristic:
		if err := tx.transition(StatusHeuristic); err != nil {
			return err
		}

	case evForget:
		if tx.status != StatusHeuristic {
			return fmt.Errorf("%w: forget in %s for %s", ErrInvalidTransition, tx.status, tx.xid)
		}
		tx.forgotten = true

	default:
		return fmt.Errorf("%w: unknown event %d", ErrInvalidTransition, rec.Event)
	}

	tx.lastSeq = rec.Seq
	return nil
}

func decodePayload(rec txlog.Record, v interface{}) error {
	if err := json.Unmarshal(rec.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", eventName(rec.Event), rec.Seq, err)
	}
	return nil
}
