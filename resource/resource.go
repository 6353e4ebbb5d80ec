// Package resource defines how the coordinator talks to resource managers:
// the Resource contract a backing store implements, the Factory that can
// rebuild a connection during recovery, and the Proxy the coordinator drives.
package resource

import (
	"context"
	"fmt"
	"iter"

	"xatm/xid"
)

// Resource is a connection to one resource manager. Implementations must be
// safe for concurrent use by several transactions.
type Resource interface {
	// Name returns the resource manager name.
	Name() string
	// Prepare asks the resource manager to guarantee it can commit x. A
	// read-only branch answers VoteReadOnly and needs no second phase.
	Prepare(ctx context.Context, x xid.Xid) (Vote, error)
	// Commit commits x. With onePhase the branch was never prepared.
	Commit(ctx context.Context, x xid.Xid, onePhase bool) error
	Rollback(ctx context.Context, x xid.Xid) error
	// Forget discards what the resource manager remembers about a
	// heuristically completed branch.
	Forget(ctx context.Context, x xid.Xid) error
	// Recover yields the branches the resource manager holds prepared.
	Recover(ctx context.Context) iter.Seq2[xid.Xid, error]
}

// Starter is implemented by resources that need to hear about a branch when
// it is enlisted, before any work is done under it.
type Starter interface {
	Start(ctx context.Context, x xid.Xid) error
}

// Factory opens connections to a resource manager. Its ID is persisted in
// the transaction log and must stay stable across restarts.
type Factory interface {
	ID() string
	ResourceManager() string
	Open(ctx context.Context) (Resource, error)
}

type Vote int

const (
	VoteNone Vote = iota
	VotePrepared
	VoteReadOnly
)

func (v Vote) String() string {
	switch v {
	case VotePrepared:
		return "prepared"
	case VoteReadOnly:
		return "read-only"
	default:
		return "none"
	}
}

func (v Vote) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

func (v *Vote) UnmarshalText(text []byte) error {
	for _, c := range []Vote{VoteNone, VotePrepared, VoteReadOnly} {
		if c.String() == string(text) {
			*v = c
			return nil
		}
	}
	return fmt.Errorf("unknown vote %q", text)
}

// Outcome is how a branch finished.
type Outcome int

const (
	OutcomeNone Outcome = iota
	Committed
	RolledBack
	// Finished means the resource manager no longer knows the branch: it
	// already completed it and the acknowledgement was lost.
	Finished
	HeuristicCommit
	HeuristicRollback
	HeuristicMixed
	HeuristicHazard
)

var outcomeNames = [...]string{"none", "committed", "rolled-back", "finished",
	"heuristic-commit", "heuristic-rollback", "heuristic-mixed", "heuristic-hazard"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(text []byte) error {
	for i, name := range outcomeNames {
		if name == string(text) {
			*o = Outcome(i)
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

func (o Outcome) Heuristic() bool {
	return o >= HeuristicCommit
}

// Done reports whether the branch needs no further calls.
func (o Outcome) Done() bool {
	return o != OutcomeNone
}

// ConsistentWith reports whether o agrees with the coordinator's decision.
func (o Outcome) ConsistentWith(commit bool) bool {
	switch o {
	case Committed, Finished:
		return true
	case HeuristicCommit:
		return commit
	case RolledBack, HeuristicRollback:
		return !commit
	}
	return false
}

func heuristicOutcome(c Code) Outcome {
	switch c {
	case HeurCommit:
		return HeuristicCommit
	case HeurRollback:
		return HeuristicRollback
	case HeurMixed:
		return HeuristicMixed
	default:
		return HeuristicHazard
	}
}

// Ref identifies one enlisted branch and how to reach its resource manager
// again after a restart.
type Ref struct {
	Branch          xid.Xid `json:"branch"`
	Index           uint32  `json:"index"`
	ResourceManager string  `json:"rm"`
	FactoryID       string  `json:"factory"`
}
