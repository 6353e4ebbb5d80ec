package resource

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"xatm/log"
	"xatm/xid"
)

// Proxy is the coordinator's handle on one resource manager. It is shared
// by every branch enlisted through the same factory, opens the connection
// lazily and reopens it after the resource manager was found unreachable.
// Results are normalised into votes and outcomes; everything left as an
// error is either ErrUnreachable, ErrVoteNegative or a retryable failure.
type Proxy struct {
	factory Factory

	mu   sync.Mutex
	conn Resource
}

func NewProxy(f Factory) *Proxy {
	return &Proxy{factory: f}
}

func (p *Proxy) ID() string { return p.factory.ID() }

func (p *Proxy) ResourceManager() string { return p.factory.ResourceManager() }

func (p *Proxy) resource(ctx context.Context) (Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, err := p.factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnreachable, p.factory.ID(), err)
	}
	p.conn = conn
	return conn, nil
}

func (p *Proxy) drop(conn Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn {
		p.conn = nil
	}
}

// unreachable converts connection-level failures into ErrUnreachable and
// forgets the connection.
func (p *Proxy) unreachable(conn Resource, op string, x xid.Xid, err error) error {
	if CodeOf(err) != ErrRMFail {
		return nil
	}
	p.drop(conn)
	if errors.Is(err, ErrUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %s %s on %s: %v", ErrUnreachable, op, x, p.factory.ResourceManager(), err)
}

func (p *Proxy) Start(ctx context.Context, x xid.Xid) error {
	conn, err := p.resource(ctx)
	if err != nil {
		return err
	}
	s, ok := conn.(Starter)
	if !ok {
		return nil
	}
	if err := s.Start(ctx, x); err != nil {
		if uerr := p.unreachable(conn, "start", x, err); uerr != nil {
			return uerr
		}
		return fmt.Errorf("start %s on %s: %w", x, p.factory.ResourceManager(), err)
	}
	return nil
}

// Prepare returns VotePrepared or VoteReadOnly. Any error means the branch
// must not be committed.
func (p *Proxy) Prepare(ctx context.Context, x xid.Xid) (Vote, error) {
	conn, err := p.resource(ctx)
	if err != nil {
		return VoteNone, err
	}
	vote, err := conn.Prepare(ctx, x)
	switch {
	case err == nil:
		if vote == VoteNone {
			vote = VotePrepared
		}
		return vote, nil
	case CodeOf(err) == ReadOnly:
		return VoteReadOnly, nil
	case IsRollbackVote(err):
		return VoteNone, fmt.Errorf("%w: %s: %v", ErrVoteNegative, p.factory.ResourceManager(), err)
	}
	if uerr := p.unreachable(conn, "prepare", x, err); uerr != nil {
		return VoteNone, uerr
	}
	return VoteNone, fmt.Errorf("prepare %s on %s: %w", x, p.factory.ResourceManager(), err)
}

// Commit reports how the branch ended. Heuristic outcomes are returned as
// outcomes, not errors; an error means the call has to be repeated.
func (p *Proxy) Commit(ctx context.Context, x xid.Xid, onePhase bool) (Outcome, error) {
	conn, err := p.resource(ctx)
	if err != nil {
		return OutcomeNone, err
	}
	err = conn.Commit(ctx, x, onePhase)
	switch {
	case err == nil:
		return Committed, nil
	case IsHeuristic(err):
		log.Warnf("resource manager %s reported %v committing %s", p.factory.ResourceManager(), CodeOf(err), x)
		return heuristicOutcome(CodeOf(err)), nil
	case IsNotFound(err):
		return Finished, nil
	case onePhase && IsRollbackVote(err):
		return RolledBack, nil
	}
	if uerr := p.unreachable(conn, "commit", x, err); uerr != nil {
		return OutcomeNone, uerr
	}
	return OutcomeNone, fmt.Errorf("commit %s on %s: %w", x, p.factory.ResourceManager(), err)
}

func (p *Proxy) Rollback(ctx context.Context, x xid.Xid) (Outcome, error) {
	conn, err := p.resource(ctx)
	if err != nil {
		return OutcomeNone, err
	}
	err = conn.Rollback(ctx, x)
	switch {
	case err == nil, IsRollbackVote(err):
		return RolledBack, nil
	case IsHeuristic(err):
		log.Warnf("resource manager %s reported %v rolling back %s", p.factory.ResourceManager(), CodeOf(err), x)
		return heuristicOutcome(CodeOf(err)), nil
	case IsNotFound(err):
		return Finished, nil
	}
	if uerr := p.unreachable(conn, "rollback", x, err); uerr != nil {
		return OutcomeNone, uerr
	}
	return OutcomeNone, fmt.Errorf("rollback %s on %s: %w", x, p.factory.ResourceManager(), err)
}

func (p *Proxy) Forget(ctx context.Context, x xid.Xid) error {
	conn, err := p.resource(ctx)
	if err != nil {
		return err
	}
	err = conn.Forget(ctx, x)
	if err == nil || IsNotFound(err) {
		return nil
	}
	if uerr := p.unreachable(conn, "forget", x, err); uerr != nil {
		return uerr
	}
	return fmt.Errorf("forget %s on %s: %w", x, p.factory.ResourceManager(), err)
}

// Recover yields the in-doubt branches of the resource manager.
func (p *Proxy) Recover(ctx context.Context) iter.Seq2[xid.Xid, error] {
	return func(yield func(xid.Xid, error) bool) {
		conn, err := p.resource(ctx)
		if err != nil {
			yield(xid.Xid{}, err)
			return
		}
		for x, err := range conn.Recover(ctx) {
			if err != nil {
				if uerr := p.unreachable(conn, "recover", x, err); uerr != nil {
					err = uerr
				}
				yield(xid.Xid{}, err)
				return
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

// RecoverAll drains Recover into a set.
func (p *Proxy) RecoverAll(ctx context.Context) (map[xid.Xid]struct{}, error) {
	set := make(map[xid.Xid]struct{})
	for x, err := range p.Recover(ctx) {
		if err != nil {
			return nil, err
		}
		set[x] = struct{}{}
	}
	return set, nil
}
