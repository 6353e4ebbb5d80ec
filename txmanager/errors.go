package txmanager

import (
	"errors"
	"fmt"
	"strings"

	"xatm/resource"
	"xatm/xid"
)

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrInvalidTransition  = errors.New("invalid transaction state transition")
	// ErrBusy is returned when another goroutine is driving the transaction.
	ErrBusy = errors.New("transaction is busy")
	// ErrCannotCancel is returned for a rollback requested after the commit
	// protocol has started.
	ErrCannotCancel = errors.New("transaction can no longer be cancelled")
	ErrNotActive    = errors.New("transaction is not active")
	// ErrRolledBack is returned by Commit when the transaction was rolled back
	// instead: a negative or missing vote, or a timeout.
	ErrRolledBack = errors.New("transaction rolled back")
	ErrHeuristic  = errors.New("heuristic transaction outcome")
	// ErrHalted is returned once the transaction log failed; the coordinator
	// accepts no work it cannot record durably.
	ErrHalted = errors.New("coordinator halted")
)

// BranchOutcome pairs a branch with how it finished.
type BranchOutcome struct {
	Ref     resource.Ref
	Outcome resource.Outcome
}

// HeuristicError reports a transaction at least one of whose resource
// managers decided its branch on its own, inconsistently with the
// coordinator. It needs manual reconciliation and is never retried.
type HeuristicError struct {
	Xid      xid.Xid
	Commit   bool
	Branches []BranchOutcome
}

func (e *HeuristicError) Error() string {
	decision := "rollback"
	if e.Commit {
		decision = "commit"
	}
	parts := make([]string, 0, len(e.Branches))
	for _, b := range e.Branches {
		parts = append(parts, fmt.Sprintf("%s=%s", b.Ref.ResourceManager, b.Outcome))
	}
	return fmt.Sprintf("heuristic outcome for %s (decision %s): %s", e.Xid, decision, strings.Join(parts, ", "))
}

func (e *HeuristicError) Unwrap() error { return ErrHeuristic }
