package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"xatm/log"
	"xatm/resource"
	"xatm/xid"
)

// XidClass says who is responsible for an Xid a resource manager reported.
type XidClass int

const (
	// ClassForeign Xids belong to another coordinator and are left alone.
	ClassForeign XidClass = iota
	// ClassOwned Xids are branches of a transaction in the table.
	ClassOwned
	// ClassOrphan Xids were minted by this coordinator instance, in its
	// current epoch, but no logged transaction knows them. They are rolled
	// back.
	ClassOrphan
)

func (c XidClass) String() string {
	switch c {
	case ClassOwned:
		return "owned"
	case ClassOrphan:
		return "orphan"
	default:
		return "foreign"
	}
}

// Classify decides what recovery does with x. owned reports whether a
// logged transaction enlisted x. An Xid of an earlier epoch that no record
// owns is foreign: another instance may be running with a copy of the same
// identity, and only its own log can resolve it.
func Classify(x xid.Xid, self xid.Owner, owned func(xid.Xid) bool) XidClass {
	if owned(x) {
		return ClassOwned
	}
	o, _, ok := xid.OwnerOf(x)
	if !ok || o.Cruuid != self.Cruuid || o.Epoch != self.Epoch {
		return ClassForeign
	}
	return ClassOrphan
}

// ResourceReport is what one resource manager contributed to a pass.
type ResourceReport struct {
	FactoryID       string `json:"factory"`
	ResourceManager string `json:"rm,omitempty"`
	// Returned counts every Xid the resource manager reported.
	Returned int `json:"returned"`
	Owned    int `json:"owned"`
	Orphans  int `json:"orphans"`
	// Filtered counts Xids of other coordinators.
	Filtered int `json:"filtered"`
	// Live counts branches of transactions this process is still driving.
	Live int `json:"live"`
	// Heuristic counts orphan branches already known to have completed
	// heuristically. They wait for an operator.
	Heuristic   int    `json:"heuristic"`
	Unreachable bool   `json:"unreachable,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ToRecover is the number of Xids the pass took responsibility for.
func (r *ResourceReport) ToRecover() int { return r.Owned + r.Orphans }

type RecoveryReport struct {
	Started           time.Time                  `json:"started"`
	Finished          time.Time                  `json:"finished"`
	Resources         map[string]*ResourceReport `json:"resources"`
	Committed         int                        `json:"committed"`
	RolledBack        int                        `json:"rolledBack"`
	Heuristic         int                        `json:"heuristic"`
	OrphansRolledBack int                        `json:"orphansRolledBack"`
	// InDoubt counts recovered transactions and orphan branches still
	// unresolved after the pass.
	InDoubt int `json:"inDoubt"`
}

func (r *RecoveryReport) Returned() int {
	n := 0
	for _, rr := range r.Resources {
		n += rr.Returned
	}
	return n
}

func (r *RecoveryReport) ToRecover() int {
	n := 0
	for _, rr := range r.Resources {
		n += rr.ToRecover()
	}
	return n
}

func (r *RecoveryReport) Filtered() int {
	n := 0
	for _, rr := range r.Resources {
		n += rr.Filtered
	}
	return n
}

// HeuristicOrphan is an orphan branch the resource manager completed on its
// own, against the presumed rollback. It is not retried and stays listed
// until an operator forgets it or the resource manager stops reporting it.
type HeuristicOrphan struct {
	Branch          xid.Xid          `json:"branch"`
	FactoryID       string           `json:"factory"`
	ResourceManager string           `json:"rm"`
	Outcome         resource.Outcome `json:"outcome"`
}

func (r *RecoveryReport) clone() *RecoveryReport {
	c := *r
	c.Resources = make(map[string]*ResourceReport, len(r.Resources))
	for id, rr := range r.Resources {
		cp := *rr
		c.Resources[id] = &cp
	}
	return &c
}

// RecoveryManager resolves the transactions a previous incarnation of the
// coordinator left in doubt, and the branches resource managers still hold
// for them.
type RecoveryManager struct {
	tm      *TXManager
	refresh chan string

	// mu serialises passes.
	mu      sync.Mutex
	orphans map[xid.Xid]string // orphan branch -> factory id
	// orphanN mirrors len(orphans) for readers that must not wait for a pass.
	orphanN atomic.Int64

	lastMu sync.Mutex
	last   *RecoveryReport

	heurMu     sync.Mutex
	heuristics map[xid.Xid]HeuristicOrphan
}

func newRecoveryManager(tm *TXManager) *RecoveryManager {
	return &RecoveryManager{
		tm:         tm,
		refresh:    make(chan string, 16),
		orphans:    make(map[xid.Xid]string),
		heuristics: make(map[xid.Xid]HeuristicOrphan),
	}
}

// Recover runs a pass over every registered resource manager and every
// resource manager an in-doubt transaction refers to. The error collects
// the resource managers that could not be recovered; their work stays in
// doubt for a later pass.
func (r *RecoveryManager) Recover(ctx context.Context) (*RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]struct{})
	for _, id := range r.tm.registryCenter.ids() {
		ids[id] = struct{}{}
	}
	for _, id := range r.referenced() {
		ids[id] = struct{}{}
	}
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	return r.pass(ctx, list, true)
}

// Refresh re-runs recovery against one resource manager, typically once it
// is reachable again.
func (r *RecoveryManager) Refresh(ctx context.Context, factoryID string) (*RecoveryReport, error) {
	if _, ok := r.tm.registryCenter.proxy(factoryID); !ok {
		return nil, fmt.Errorf("refresh recovery: resource factory %s not registered", factoryID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pass(ctx, []string{factoryID}, false)
}

// Last returns the report of the latest pass, or nil.
func (r *RecoveryManager) Last() *RecoveryReport {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return nil
	}
	return r.last.clone()
}

// InDoubt counts recovered transactions and orphans still unresolved.
func (r *RecoveryManager) InDoubt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inDoubt()
}

func (r *RecoveryManager) inDoubt() int {
	return len(r.recoveredTXs()) + len(r.orphans)
}

func (r *RecoveryManager) orphanCount() int { return int(r.orphanN.Load()) }

func (r *RecoveryManager) recoveredTXs() []*Transaction {
	return r.tm.table.list(func(tx *Transaction) bool {
		return tx.isRecovered() && !tx.Status().Terminal()
	})
}

// referenced lists the factories unresolved work is waiting for. Must be
// called with mu held.
func (r *RecoveryManager) referenced() []string {
	seen := make(map[string]struct{})
	for _, tx := range r.recoveredTXs() {
		for _, b := range tx.Branches() {
			seen[b.Ref.FactoryID] = struct{}{}
		}
	}
	for _, id := range r.orphans {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

func (r *RecoveryManager) waitsFor(factoryID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.referenced() {
		if id == factoryID {
			return true
		}
	}
	return false
}

func (r *RecoveryManager) trigger(factoryID string) {
	select {
	case r.refresh <- factoryID:
	default:
		log.Warnf("recovery refresh queue full, dropping refresh for %s", factoryID)
	}
}

func (r *RecoveryManager) owned(x xid.Xid) bool {
	_, ok := r.tm.table.owner(x)
	return ok
}

// pass recovers the resource managers behind ids. A partial pass leaves
// branches on other resource managers for later without complaint. Must be
// called with mu held.
func (r *RecoveryManager) pass(ctx context.Context, ids []string, full bool) (*RecoveryReport, error) {
	if err := r.tm.Err(); err != nil {
		return nil, err
	}
	self := r.tm.identity.Identity()
	report := &RecoveryReport{Started: time.Now(), Resources: make(map[string]*ResourceReport, len(ids))}

	var errs []error
	held := make(map[string]map[xid.Xid]struct{}, len(ids))
	for _, id := range ids {
		rr := &ResourceReport{FactoryID: id}
		report.Resources[id] = rr
		set, err := r.scan(ctx, id, self, rr)
		if err != nil {
			rr.Error = err.Error()
			errs = append(errs, err)
			continue
		}
		held[id] = set
	}

	errs = append(errs, r.rollbackOrphans(ctx, held, report)...)
	for _, tx := range r.recoveredTXs() {
		if !tx.claim() {
			continue
		}
		errs = append(errs, r.resolve(ctx, tx, held, full, report)...)
		tx.release()
	}
	if err := r.tm.Err(); err != nil {
		return nil, err
	}

	r.orphanN.Store(int64(len(r.orphans)))
	report.InDoubt = r.inDoubt()
	report.Finished = time.Now()
	r.lastMu.Lock()
	r.last = report
	r.lastMu.Unlock()

	owned, orphans := 0, 0
	for _, rr := range report.Resources {
		owned += rr.Owned
		orphans += rr.Orphans
	}
	err := multierr.Combine(errs...)
	r.tm.opts.Metrics.RecordRecovery(err == nil, owned, orphans, report.Filtered(), report.InDoubt)
	r.tm.updateGauges()
	r.tm.truncate(ctx)

	log.Infof("recovery pass done: %d committed, %d rolled back, %d orphans rolled back, %d heuristic, %d still in doubt",
		report.Committed, report.RolledBack, report.OrphansRolledBack, report.Heuristic, report.InDoubt)
	return report.clone(), err
}

// scan asks one resource manager for its in-doubt branches and classifies
// them.
func (r *RecoveryManager) scan(ctx context.Context, id string, self xid.Owner, rr *ResourceReport) (map[xid.Xid]struct{}, error) {
	p, ok := r.tm.registryCenter.proxy(id)
	if !ok {
		log.Warnf("cannot recover resource factory %s: not registered", id)
		return nil, fmt.Errorf("recover %s: resource factory not registered", id)
	}
	rr.ResourceManager = p.ResourceManager()

	set, err := p.RecoverAll(ctx)
	if err != nil {
		rr.Unreachable = errors.Is(err, resource.ErrUnreachable)
		log.Warnf("recover on resource %s failed, its branches stay in doubt: %v", p.ResourceManager(), err)
		return nil, fmt.Errorf("recover %s: %w", p.ResourceManager(), err)
	}
	rr.Returned = len(set)
	log.Infof("Resource %s returned %d Xids", p.ResourceManager(), len(set))

	for x := range set {
		switch Classify(x, self, r.owned) {
		case ClassOwned:
			if tx, ok := r.tm.table.owner(x); ok && tx.isRecovered() {
				rr.Owned++
			} else {
				rr.Live++
			}
		case ClassOrphan:
			if r.heuristicOrphan(x) {
				rr.Heuristic++
				continue
			}
			rr.Orphans++
			r.orphans[x] = id
		default:
			rr.Filtered++
			log.Infof("DuplicateXidDetected: %s on %s belongs to another coordinator", x, p.ResourceManager())
		}
	}
	r.pruneHeuristics(id, set)
	log.Infof("Xids to recover: %d", rr.ToRecover())
	return set, nil
}

// rollbackOrphans presumes abort for branches no logged transaction knows.
func (r *RecoveryManager) rollbackOrphans(ctx context.Context, held map[string]map[xid.Xid]struct{}, report *RecoveryReport) []error {
	var errs []error
	for x, id := range r.orphans {
		set, scanned := held[id]
		if !scanned {
			continue
		}
		if _, ok := set[x]; !ok {
			delete(r.orphans, x)
			continue
		}
		p, ok := r.tm.registryCenter.proxy(id)
		if !ok {
			continue
		}
		outcome, err := p.Rollback(ctx, x)
		if err != nil {
			errs = append(errs, fmt.Errorf("roll back orphan %s: %w", x, err))
			continue
		}
		delete(r.orphans, x)
		if !outcome.ConsistentWith(false) {
			report.Heuristic++
			r.heurMu.Lock()
			r.heuristics[x] = HeuristicOrphan{Branch: x, FactoryID: id, ResourceManager: p.ResourceManager(), Outcome: outcome}
			r.heurMu.Unlock()
			log.Errorf("orphan branch %s on %s completed heuristically (%s), reconcile it manually", x, p.ResourceManager(), outcome)
			continue
		}
		if outcome.Heuristic() {
			if err := p.Forget(ctx, x); err != nil {
				log.Warnf("forget orphan %s: %v", x, err)
			}
		}
		report.OrphansRolledBack++
		log.Infof("rolled back orphan branch %s on %s", x, p.ResourceManager())
	}
	return errs
}

// resolve drives one recovered transaction as far as the reachable resource
// managers allow. Must be called with tx claimed.
func (r *RecoveryManager) resolve(ctx context.Context, tx *Transaction, held map[string]map[xid.Xid]struct{}, full bool, report *RecoveryReport) []error {
	if !full && !touches(tx, held) {
		return nil
	}
	ctx = log.WithXid(ctx, tx.xid)
	switch tx.Status() {
	case StatusActive, StatusPreparing:
		reason := rollingBackPayload{Reason: "no commit decision before restart"}
		if err := r.tm.journal(ctx, tx, entry{evRollingBack, reason}); err != nil {
			return []error{err}
		}
	case StatusPrepared:
		if err := r.tm.journal(ctx, tx, entry{evCommitting, committingPayload{}}); err != nil {
			return []error{err}
		}
	}
	commit := tx.Status() == StatusCommitting
	onePhase := tx.Snapshot().OnePhase

	var errs []error
	unscanned := false
	for _, b := range tx.pending() {
		set, scanned := held[b.Ref.FactoryID]
		if !scanned {
			unscanned = true
			if full {
				errs = append(errs, fmt.Errorf("branch %s: resource %s not recovered", b.Ref.Branch, b.Ref.FactoryID))
			}
			continue
		}
		p, _ := r.tm.registryCenter.proxy(b.Ref.FactoryID)
		_, inDoubt := set[b.Ref.Branch]

		outcome := resource.Finished
		var err error
		switch {
		case !commit:
			// Unprepared branches never show up in recover; roll back
			// regardless.
			outcome, err = p.Rollback(ctx, b.Ref.Branch)
		case onePhase:
			// Never prepared, so recover does not list it; only the commit
			// call tells whether the resource manager still holds it.
			outcome, err = p.Commit(ctx, b.Ref.Branch, true)
		case inDoubt:
			outcome, err = p.Commit(ctx, b.Ref.Branch, false)
		}
		if err != nil {
			warnRefused(ctx, b, err)
			errs = append(errs, fmt.Errorf("branch %s: %w", b.Ref.Branch, err))
			continue
		}
		if err := r.tm.journal(ctx, tx, entry{evBranch, branchPayload{Index: b.Ref.Index, Outcome: outcome}}); err != nil {
			return append(errs, err)
		}
	}
	if len(errs) > 0 || unscanned {
		return errs
	}

	err := r.tm.complete(ctx, tx)
	var herr *HeuristicError
	switch {
	case errors.As(err, &herr):
		tx.setRecovered(false)
		report.Heuristic++
	case err == nil && commit:
		report.Committed++
		log.InfoContextf(ctx, "recovered transaction %s committed", tx.xid)
	case err == nil, errors.Is(err, ErrRolledBack):
		report.RolledBack++
		log.InfoContextf(ctx, "recovered transaction %s rolled back", tx.xid)
	default:
		return []error{err}
	}
	return nil
}

func (r *RecoveryManager) heuristicOrphan(x xid.Xid) bool {
	r.heurMu.Lock()
	defer r.heurMu.Unlock()
	_, ok := r.heuristics[x]
	return ok
}

// pruneHeuristics drops the heuristic orphans of factoryID that the resource
// manager no longer reports.
func (r *RecoveryManager) pruneHeuristics(factoryID string, held map[xid.Xid]struct{}) {
	r.heurMu.Lock()
	defer r.heurMu.Unlock()
	for x, h := range r.heuristics {
		if _, ok := held[x]; !ok && h.FactoryID == factoryID {
			delete(r.heuristics, x)
		}
	}
}

// HeuristicOrphans lists the orphan branches that completed heuristically.
func (r *RecoveryManager) HeuristicOrphans() []HeuristicOrphan {
	r.heurMu.Lock()
	defer r.heurMu.Unlock()
	out := make([]HeuristicOrphan, 0, len(r.heuristics))
	for _, h := range r.heuristics {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return xid.Compare(out[i].Branch, out[j].Branch) < 0 })
	return out
}

// forgetOrphans tells the resource managers to discard the heuristic orphan
// branches of gtrid. found is false when none is known.
func (r *RecoveryManager) forgetOrphans(ctx context.Context, gtrid xid.Xid) (found bool, err error) {
	var branches []HeuristicOrphan
	for _, h := range r.HeuristicOrphans() {
		if h.Branch.SameGlobal(gtrid) {
			branches = append(branches, h)
		}
	}
	for _, h := range branches {
		p, ok := r.tm.registryCenter.proxy(h.FactoryID)
		if !ok {
			return true, fmt.Errorf("forget %s: resource factory %s not registered", h.Branch, h.FactoryID)
		}
		if err := p.Forget(ctx, h.Branch); err != nil {
			return true, err
		}
		r.heurMu.Lock()
		delete(r.heuristics, h.Branch)
		r.heurMu.Unlock()
		log.Infof("heuristic orphan branch %s on %s forgotten", h.Branch, h.ResourceManager)
	}
	return len(branches) > 0, nil
}

func touches(tx *Transaction, held map[string]map[xid.Xid]struct{}) bool {
	for _, b := range tx.pending() {
		if _, ok := held[b.Ref.FactoryID]; ok {
			return true
		}
	}
	return false
}

// run is the background recovery task: a pass at start, repeated with
// back-off while work stays in doubt, and a refresh whenever a resource
// manager the work waits for is registered.
func (r *RecoveryManager) run() {
	defer r.tm.wg.Done()
	ctx := r.tm.ctx
	var delay time.Duration
	idle := false
	for {
		var timer <-chan time.Time
		if !idle {
			timer = time.After(delay)
		}
		select {
		case <-ctx.Done():
			return
		case id := <-r.refresh:
			if _, err := r.Refresh(ctx, id); err != nil {
				log.Warnf("refresh recovery for %s: %v", id, err)
			}
			if idle && r.InDoubt() > 0 {
				idle, delay = false, r.tm.opts.RecoveryInterval
			}
		case <-timer:
			report, err := r.Recover(ctx)
			if err == nil && report.InDoubt == 0 {
				idle = true
				continue
			}
			if err != nil {
				log.Warnf("recovery pass incomplete: %v", err)
			}
			delay = r.backOff(delay)
		}
	}
}

func (r *RecoveryManager) backOff(delay time.Duration) time.Duration {
	interval := r.tm.opts.RecoveryInterval
	if delay < interval {
		return interval
	}
	if delay > interval<<3 {
		return delay
	}
	return delay << 1
}
