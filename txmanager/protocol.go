package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"xatm/log"
	"xatm/resource"
)

// errPending reports second-phase calls that have to be repeated. The
// decision is durable, so it is never surfaced to the application.
var errPending = errors.New("second phase pending")

func (t *TXManager) commitEmpty(ctx context.Context, tx *Transaction) error {
	if err := t.journal(ctx, tx, entry{evCommitted, nil}); err != nil {
		return err
	}
	t.finish(tx, "committed")
	return nil
}

func (t *TXManager) commitOnePhase(ctx context.Context, tx *Transaction) error {
	if err := t.journal(ctx, tx, entry{evCommitting, committingPayload{OnePhase: true}}); err != nil {
		return err
	}
	return t.settle(t.phaseTwo(context.WithoutCancel(ctx), tx, true))
}

func (t *TXManager) commitTwoPhase(ctx context.Context, tx *Transaction) error {
	if err := t.journal(ctx, tx, entry{evPreparing, nil}); err != nil {
		return err
	}
	// From here on the transaction must reach a terminal state whatever the
	// caller does with its context.
	ctx = context.WithoutCancel(ctx)

	readOnly, err := t.prepareAll(ctx, tx)
	if err != nil {
		log.WarnContextf(ctx, "prepare of %s failed, rolling back: %v", tx.xid, err)
		if jerr := t.journal(ctx, tx, entry{evRollingBack, rollingBackPayload{Reason: err.Error()}}); jerr != nil {
			return jerr
		}
		if perr := t.phaseTwo(ctx, tx, false); perr != nil && !errors.Is(perr, errPending) {
			return perr
		}
		return fmt.Errorf("%w: %w", ErrRolledBack, err)
	}

	err = t.journal(ctx, tx,
		entry{evPrepared, preparedPayload{ReadOnly: readOnly}},
		entry{evCommitting, committingPayload{}})
	if err != nil {
		return err
	}
	return t.settle(t.phaseTwo(ctx, tx, true))
}

func (t *TXManager) settle(err error) error {
	if errors.Is(err, errPending) {
		return nil
	}
	return err
}

// prepareAll asks every branch to prepare, concurrently. The first failure
// cancels the prepares still running. It returns the indexes of the
// read-only branches.
func (t *TXManager) prepareAll(ctx context.Context, tx *Transaction) ([]uint32, error) {
	branches := tx.Branches()
	votes := make([]resource.Vote, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			p, ok := t.registryCenter.proxy(b.Ref.FactoryID)
			if !ok {
				return fmt.Errorf("branch %d: resource factory %s not registered", b.Ref.Index, b.Ref.FactoryID)
			}
			pctx, cancel := context.WithTimeout(gctx, t.opts.PrepareTimeout)
			defer cancel()
			vote, err := p.Prepare(pctx, b.Ref.Branch)
			if err != nil {
				return fmt.Errorf("branch %d on %s: %w", b.Ref.Index, b.Ref.ResourceManager, err)
			}
			votes[i] = vote
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var readOnly []uint32
	for i, v := range votes {
		if v == resource.VoteReadOnly {
			readOnly = append(readOnly, branches[i].Ref.Index)
		}
	}
	return readOnly, nil
}

// phaseTwo sends the decision to every branch still waiting for it and
// journals each acknowledgement. It completes the transaction once every
// branch is settled and returns errPending otherwise.
func (t *TXManager) phaseTwo(ctx context.Context, tx *Transaction, commit bool) error {
	onePhase := tx.Snapshot().OnePhase

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, b := range tx.pending() {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.driveBranch(ctx, tx, b, commit, onePhase); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		if t.Err() != nil {
			return t.Err()
		}
		t.opts.Metrics.RecordRetry()
		log.WarnContextf(ctx, "second phase of %s incomplete, will retry: %v", tx.xid, err)
		return fmt.Errorf("%w: %v", errPending, err)
	}
	return t.complete(ctx, tx)
}

func (t *TXManager) driveBranch(ctx context.Context, tx *Transaction, b Branch, commit, onePhase bool) error {
	p, ok := t.registryCenter.proxy(b.Ref.FactoryID)
	if !ok {
		return fmt.Errorf("branch %d: resource factory %s not registered", b.Ref.Index, b.Ref.FactoryID)
	}
	var outcome resource.Outcome
	var err error
	if commit {
		outcome, err = p.Commit(ctx, b.Ref.Branch, onePhase)
	} else {
		outcome, err = p.Rollback(ctx, b.Ref.Branch)
	}
	if err != nil {
		warnRefused(ctx, b, err)
		return fmt.Errorf("branch %d on %s: %w", b.Ref.Index, b.Ref.ResourceManager, err)
	}
	return t.journal(ctx, tx, entry{evBranch, branchPayload{Index: b.Ref.Index, Outcome: outcome}})
}

// warnRefused reports second-phase failures that will not clear on their
// own. The call is still repeated; an operator has to fix the resource
// manager.
func warnRefused(ctx context.Context, b Branch, err error) {
	if resource.IsRetryable(err) {
		return
	}
	log.ErrorContextf(ctx, "resource manager %s refused the decision for branch %d (%v), it needs attention",
		b.Ref.ResourceManager, b.Ref.Index, resource.CodeOf(err))
}

// complete journals the terminal state of a transaction whose branches are
// all settled. Branches whose resource manager completed them on its own
// in agreement with the decision are forgotten right away; disagreeing
// ones leave the transaction HEURISTIC until an operator forgets it.
func (t *TXManager) complete(ctx context.Context, tx *Transaction) error {
	snap := tx.Snapshot()
	commit := snap.Status == StatusCommitting

	rolledBack := false
	var heuristic []BranchOutcome
	for _, b := range snap.Branches {
		if b.Vote == resource.VoteReadOnly {
			continue
		}
		if !b.Outcome.Done() {
			return fmt.Errorf("%w: branch %d not settled", errPending, b.Ref.Index)
		}
		if snap.OnePhase && b.Outcome == resource.RolledBack {
			rolledBack = true
			continue
		}
		if !b.Outcome.ConsistentWith(commit) {
			heuristic = append(heuristic, BranchOutcome{Ref: b.Ref, Outcome: b.Outcome})
			continue
		}
		if b.Outcome.Heuristic() {
			t.forgetBranch(ctx, b)
		}
	}

	switch {
	case len(heuristic) > 0:
		if err := t.journal(ctx, tx, entry{evHeuristic, nil}); err != nil {
			return err
		}
		t.opts.Metrics.RecordCompletion("heuristic")
		t.updateGauges()
		herr := &HeuristicError{Xid: tx.xid, Commit: commit, Branches: heuristic}
		log.ErrorContextf(ctx, "%v", herr)
		return herr
	case commit && !rolledBack:
		if err := t.journal(ctx, tx, entry{evCommitted, nil}); err != nil {
			return err
		}
		t.finish(tx, "committed")
		log.DebugContextf(ctx, "transaction %s committed", tx.xid)
		return nil
	default:
		if err := t.journal(ctx, tx, entry{evRolledBack, nil}); err != nil {
			return err
		}
		t.finish(tx, "rolled_back")
		log.DebugContextf(ctx, "transaction %s rolled back", tx.xid)
		if rolledBack {
			return fmt.Errorf("%w: %s refused the one-phase commit", ErrRolledBack, tx.xid)
		}
		return nil
	}
}

func (t *TXManager) forgetBranch(ctx context.Context, b Branch) {
	p, ok := t.registryCenter.proxy(b.Ref.FactoryID)
	if !ok {
		return
	}
	if err := p.Forget(ctx, b.Ref.Branch); err != nil {
		log.WarnContextf(ctx, "forget %s on %s: %v", b.Ref.Branch, b.Ref.ResourceManager, err)
	}
}
