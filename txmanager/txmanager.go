package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"xatm/log"
	"xatm/resource"
	"xatm/xid"
)

// Identity supplies the owner stamped into every Xid this coordinator
// mints. *epoch.Registry implements it.
type Identity interface {
	Identity() xid.Owner
}

type TXManager struct {
	ctx            context.Context
	stop           context.CancelFunc
	opts           *Options
	txStore        TXStore
	identity       Identity
	registryCenter *registryCenter
	table          *txTable
	recovery       *RecoveryManager
	seq            atomic.Uint64
	wg             sync.WaitGroup

	mu     sync.Mutex
	halted error
}

// NewTXManager rebuilds the transaction table from store and starts the
// monitor and, unless disabled, the background recovery task.
func NewTXManager(store TXStore, identity Identity, opts ...Option) (*TXManager, error) {
	ctx, cancel := context.WithCancel(context.Background())
	txManager := &TXManager{
		opts:           &Options{},
		txStore:        store,
		identity:       identity,
		registryCenter: newRegistryCenter(),
		table:          newTXTable(),
		ctx:            ctx,
		stop:           cancel,
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}
	repair(txManager.opts)

	for _, f := range txManager.opts.Factories {
		if _, _, err := txManager.registryCenter.register(f); err != nil {
			cancel()
			return nil, err
		}
	}
	if err := txManager.replay(ctx); err != nil {
		cancel()
		return nil, err
	}
	txManager.recovery = newRecoveryManager(txManager)
	txManager.updateGauges()

	txManager.wg.Add(1)
	go txManager.run()
	if !txManager.opts.ManualRecovery {
		txManager.wg.Add(1)
		go txManager.recovery.run()
	}
	return txManager, nil
}

// Stop ends the background tasks. Transactions in flight are left to
// recovery at the next start.
func (t *TXManager) Stop() {
	t.stop()
	t.wg.Wait()
}

// Register adds resource factories. A factory that in-doubt transactions
// were waiting for triggers a recovery pass for its resource manager.
func (t *TXManager) Register(factories ...resource.Factory) error {
	for _, f := range factories {
		_, added, err := t.registryCenter.register(f)
		if err != nil {
			return err
		}
		if added && t.recovery.waitsFor(f.ID()) {
			t.recovery.trigger(f.ID())
		}
	}
	return nil
}

func (t *TXManager) Recovery() *RecoveryManager { return t.recovery }

// Err returns the failure that halted the coordinator, if any.
func (t *TXManager) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted
}

func (t *TXManager) halt(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halted != nil {
		return
	}
	t.halted = fmt.Errorf("%w: %w", ErrHalted, err)
	t.opts.Metrics.SetHalted()
	log.Errorf("transaction log failed, coordinator halted: %v", err)
}

type beginOptions struct {
	name string
}

type BeginOption func(*beginOptions)

// WithName sets the application name carried inside the global transaction
// id. It must fit in xid.MaxNameSize bytes.
func WithName(name string) BeginOption {
	return func(o *beginOptions) {
		o.name = name
	}
}

// Begin starts a global transaction.
func (t *TXManager) Begin(ctx context.Context, opts ...BeginOption) (*Tx, error) {
	if err := t.Err(); err != nil {
		return nil, err
	}
	var bo beginOptions
	for _, opt := range opts {
		opt(&bo)
	}

	owner := t.identity.Identity()
	gtrid, err := xid.NewGlobal(owner, t.seq.Add(1), bo.name)
	if err != nil {
		return nil, err
	}

	tx := newTransaction(gtrid)
	// The record is visible before its begin entry is durable, which keeps
	// truncation from dropping that entry.
	t.table.put(tx)
	err = t.journal(ctx, tx, entry{evBegin, beginPayload{
		Epoch:     owner.Epoch,
		Cruuid:    owner.Cruuid.String(),
		CreatedAt: time.Now().UTC(),
		Name:      bo.name,
	}})
	if err != nil {
		t.table.remove(gtrid)
		return nil, err
	}
	t.opts.Metrics.RecordBegin()
	log.DebugContextf(ctx, "begin transaction %s", gtrid)
	return &Tx{tm: t, xid: gtrid}, nil
}

// Enlist adds a branch on the resource manager behind f to the transaction.
func (t *TXManager) Enlist(ctx context.Context, gtrid xid.Xid, f resource.Factory) (resource.Ref, error) {
	if err := t.Err(); err != nil {
		return resource.Ref{}, err
	}
	tx, err := t.getTX(gtrid)
	if err != nil {
		return resource.Ref{}, err
	}
	proxy, _, err := t.registryCenter.register(f)
	if err != nil {
		return resource.Ref{}, err
	}
	if !tx.claim() {
		return resource.Ref{}, ErrBusy
	}
	defer tx.release()

	if status := tx.Status(); status != StatusActive {
		return resource.Ref{}, fmt.Errorf("%w: %s is %s", ErrNotActive, gtrid, status)
	}
	index := uint32(len(tx.Branches()))
	branch := xid.Branch(tx.xid, index, proxy.ResourceManager())
	ref := resource.Ref{
		Branch:          branch,
		Index:           index,
		ResourceManager: proxy.ResourceManager(),
		FactoryID:       proxy.ID(),
	}
	// Journaled before the resource manager hears of the branch, so that
	// recovery knows every branch that may exist.
	if err := t.journal(ctx, tx, entry{evEnlist, ref}); err != nil {
		return resource.Ref{}, err
	}
	if err := proxy.Start(ctx, branch); err != nil {
		log.WarnContextf(log.WithXid(ctx, gtrid), "start branch %d on %s failed: %v", index, ref.ResourceManager, err)
		return ref, err
	}
	return ref, nil
}

func (t *TXManager) getTX(gtrid xid.Xid) (*Transaction, error) {
	tx, ok := t.table.get(gtrid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, gtrid)
	}
	return tx, nil
}

// GetStatus returns the state of a transaction the coordinator still
// tracks. Completed transactions are forgotten.
func (t *TXManager) GetStatus(gtrid xid.Xid) (Status, error) {
	tx, err := t.getTX(gtrid)
	if err != nil {
		return StatusUnknown, err
	}
	return tx.Status(), nil
}

func (t *TXManager) Snapshot(gtrid xid.Xid) (TransactionRecord, error) {
	tx, err := t.getTX(gtrid)
	if err != nil {
		return TransactionRecord{}, err
	}
	return tx.Snapshot(), nil
}

// Transactions returns snapshots of every tracked transaction, oldest first.
func (t *TXManager) Transactions() []TransactionRecord {
	txs := t.table.list(nil)
	out := make([]TransactionRecord, len(txs))
	for i, tx := range txs {
		out[i] = tx.Snapshot()
	}
	return out
}

// Commit runs the commit protocol. A nil return means the commit decision
// is durable; branches that could not be reached yet are completed in the
// background. ErrRolledBack means the transaction was rolled back instead.
func (t *TXManager) Commit(ctx context.Context, gtrid xid.Xid) error {
	if err := t.Err(); err != nil {
		return err
	}
	tx, err := t.getTX(gtrid)
	if err != nil {
		return err
	}
	if !tx.claim() {
		return ErrBusy
	}
	defer tx.release()

	switch status := tx.Status(); status {
	case StatusActive:
	case StatusRollingBack, StatusRolledBack:
		return fmt.Errorf("%w: %s", ErrRolledBack, gtrid)
	default:
		return fmt.Errorf("%w: commit %s in %s", ErrNotActive, gtrid, status)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx = log.WithXid(ctx, gtrid)
	start := time.Now()
	protocol := "two-phase"
	switch len(tx.Branches()) {
	case 0:
		protocol = "empty"
		err = t.commitEmpty(ctx, tx)
	case 1:
		protocol = "one-phase"
		err = t.commitOnePhase(ctx, tx)
	default:
		err = t.commitTwoPhase(ctx, tx)
	}
	t.opts.Metrics.RecordCommit(protocol, time.Since(start))
	return err
}

// Rollback rolls back an ACTIVE transaction.
func (t *TXManager) Rollback(ctx context.Context, gtrid xid.Xid) error {
	if err := t.Err(); err != nil {
		return err
	}
	tx, err := t.getTX(gtrid)
	if err != nil {
		return err
	}
	if !tx.claim() {
		return ErrBusy
	}
	defer tx.release()

	switch status := tx.Status(); status {
	case StatusActive:
	case StatusRollingBack, StatusRolledBack:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrCannotCancel, gtrid, status)
	}
	ctx = log.WithXid(ctx, gtrid)
	if err := t.journal(ctx, tx, entry{evRollingBack, rollingBackPayload{Reason: "application rollback"}}); err != nil {
		return err
	}
	err = t.phaseTwo(context.WithoutCancel(ctx), tx, false)
	if errors.Is(err, errPending) {
		return nil
	}
	return err
}

// Run begins a transaction, enlists factories, and calls fn. The
// transaction commits if fn returns nil and rolls back otherwise.
func (t *TXManager) Run(ctx context.Context, fn func(ctx context.Context, tx *Tx) error, factories ...resource.Factory) error {
	tx, err := t.Begin(ctx)
	if err != nil {
		return err
	}
	for _, f := range factories {
		if _, err := tx.Enlist(ctx, f); err != nil {
			if rerr := tx.Rollback(ctx); rerr != nil {
				log.ErrorContextf(ctx, "rollback %s after failed enlist: %v", tx.Xid(), rerr)
			}
			return err
		}
	}
	if err := fn(ctx, tx); err != nil {
		if rerr := tx.Rollback(ctx); rerr != nil {
			log.ErrorContextf(ctx, "rollback %s: %v", tx.Xid(), rerr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Forget acknowledges a HEURISTIC transaction: the resource managers are
// told to discard the branches they completed on their own and the record
// is dropped. Heuristic orphan branches of gtrid are forgotten the same way.
func (t *TXManager) Forget(ctx context.Context, gtrid xid.Xid) error {
	if err := t.Err(); err != nil {
		return err
	}
	tx, err := t.getTX(gtrid)
	if err != nil {
		if found, ferr := t.recovery.forgetOrphans(ctx, gtrid); found {
			return ferr
		}
		return err
	}
	if !tx.claim() {
		return ErrBusy
	}
	defer tx.release()

	if status := tx.Status(); status != StatusHeuristic {
		return fmt.Errorf("%w: forget %s in %s", ErrInvalidTransition, gtrid, status)
	}
	ctx = log.WithXid(ctx, gtrid)
	for _, b := range tx.Branches() {
		if !b.Outcome.Heuristic() {
			continue
		}
		p, ok := t.registryCenter.proxy(b.Ref.FactoryID)
		if !ok {
			return fmt.Errorf("forget %s: resource factory %s not registered", b.Ref.Branch, b.Ref.FactoryID)
		}
		if err := p.Forget(ctx, b.Ref.Branch); err != nil {
			return err
		}
	}
	if err := t.journal(ctx, tx, entry{evForget, nil}); err != nil {
		return err
	}
	t.table.remove(gtrid)
	t.updateGauges()
	log.InfoContextf(ctx, "heuristic transaction %s forgotten", gtrid)
	return nil
}

func (t *TXManager) run() {
	defer t.wg.Done()
	var tick time.Duration
	var err error
	for {
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-t.ctx.Done():
			return
		case <-time.After(tick):
			if t.Err() != nil {
				err = nil
				continue
			}
			err = t.batchAdvanceProgress(t.hangingTXs())
			t.truncate(t.ctx)
		}
	}
}

func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	if tick > t.opts.MonitorTick<<3 {
		return tick
	}
	tick = tick << 1
	return tick
}

// hangingTXs returns the non-terminal transactions the monitor drives.
// Recovered ones are left to recovery.
func (t *TXManager) hangingTXs() []*Transaction {
	return t.table.list(func(tx *Transaction) bool {
		return !tx.Status().Terminal() && !tx.isRecovered()
	})
}

func (t *TXManager) batchAdvanceProgress(txs []*Transaction) error {
	errCh := make(chan error)

	go func() {
		var wg sync.WaitGroup
		for _, tx := range txs {
			tx := tx
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := t.advanceProgress(tx); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()
	var firstErr error
	for err := range errCh {
		if firstErr != nil {
			continue
		}
		firstErr = err
	}
	return firstErr
}

// advanceProgress moves a transaction nobody is driving towards a terminal
// state: an ACTIVE one past its timeout is rolled back, a decided one gets
// its outstanding second-phase calls.
func (t *TXManager) advanceProgress(tx *Transaction) error {
	// Young ACTIVE transactions stay unclaimed for the application.
	if status := tx.Status(); status == StatusUnknown || status == StatusActive && !t.timedOut(tx) {
		return nil
	}
	if !tx.claim() {
		return nil
	}
	defer tx.release()

	ctx := log.WithXid(t.ctx, tx.xid)
	var err error
	switch tx.Status() {
	case StatusActive:
		if !t.timedOut(tx) {
			return nil
		}
		log.WarnContextf(ctx, "transaction %s timed out after %s, rolling back", tx.xid, t.opts.Timeout)
		if err := t.journal(ctx, tx, entry{evRollingBack, rollingBackPayload{Reason: "timeout"}}); err != nil {
			return err
		}
		err = t.phaseTwo(ctx, tx, false)
	case StatusPrepared:
		if err := t.journal(ctx, tx, entry{evCommitting, committingPayload{}}); err != nil {
			return err
		}
		err = t.phaseTwo(ctx, tx, true)
	case StatusCommitting:
		err = t.phaseTwo(ctx, tx, true)
	case StatusRollingBack:
		err = t.phaseTwo(ctx, tx, false)
	default:
		return nil
	}
	var herr *HeuristicError
	if errors.As(err, &herr) {
		return nil
	}
	return err
}

func (t *TXManager) timedOut(tx *Transaction) bool {
	return tx.createdBefore(time.Now().Add(-t.opts.Timeout))
}

// finish drops a completed transaction from the table.
func (t *TXManager) finish(tx *Transaction, outcome string) {
	t.table.remove(tx.xid)
	t.opts.Metrics.RecordCompletion(outcome)
}

func (t *TXManager) updateGauges() {
	heuristic := len(t.table.list(func(tx *Transaction) bool { return tx.Status() == StatusHeuristic }))
	t.opts.Metrics.UpdateHeuristic(heuristic)
}

// Tx is the application's handle on a global transaction.
type Tx struct {
	tm  *TXManager
	xid xid.Xid
}

func (tx *Tx) Xid() xid.Xid { return tx.xid }

func (tx *Tx) Enlist(ctx context.Context, f resource.Factory) (resource.Ref, error) {
	return tx.tm.Enlist(ctx, tx.xid, f)
}

func (tx *Tx) Commit(ctx context.Context) error { return tx.tm.Commit(ctx, tx.xid) }

func (tx *Tx) Rollback(ctx context.Context) error { return tx.tm.Rollback(ctx, tx.xid) }

func (tx *Tx) Status() (Status, error) { return tx.tm.GetStatus(tx.xid) }
