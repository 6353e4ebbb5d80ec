package txmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"xatm/log"
	"xatm/resource"
	"xatm/txlog"
	"xatm/xid"
)

// TXStore is where transaction state is journaled. *txlog.Log implements it.
type TXStore interface {
	// Append makes records durable and returns the seq of the last one.
	Append(ctx context.Context, records ...txlog.Record) (uint64, error)
	// ReadAll yields every durable record in seq order.
	ReadAll(ctx context.Context) iter.Seq2[txlog.Record, error]
	// TruncateBefore drops the records with seq below seq.
	TruncateBefore(ctx context.Context, seq uint64) (int, error)
	Stats() txlog.Stats
}

var _ TXStore = (*txlog.Log)(nil)

const (
	evBegin txlog.Event = iota + 1
	evEnlist
	evPreparing
	evPrepared
	evCommitting
	evRollingBack
	evBranch
	evCommitted
	evRolledBack
	evHeuristic
	evForget
)

var eventNames = map[txlog.Event]string{
	evBegin: "BEGIN", evEnlist: "ENLIST", evPreparing: "PREPARING", evPrepared: "PREPARED",
	evCommitting: "COMMITTING", evRollingBack: "ROLLING_BACK", evBranch: "BRANCH",
	evCommitted: "COMMITTED", evRolledBack: "ROLLED_BACK", evHeuristic: "HEURISTIC", evForget: "FORGET",
}

func eventName(e txlog.Event) string {
	if s, ok := eventNames[e]; ok {
		return s
	}
	return fmt.Sprintf("EVENT(%d)", e)
}

// EventName names the event of a transaction log record, for tooling that
// dumps the log.
func EventName(e txlog.Event) string { return eventName(e) }

type beginPayload struct {
	Epoch     uint64    `json:"epoch"`
	Cruuid    string    `json:"cruuid"`
	CreatedAt time.Time `json:"createdAt"`
	Name      string    `json:"name,omitempty"`
}

type preparedPayload struct {
	ReadOnly []uint32 `json:"readOnly,omitempty"`
}

type committingPayload struct {
	OnePhase bool `json:"onePhase,omitempty"`
}

type rollingBackPayload struct {
	Reason string `json:"reason,omitempty"`
}

type branchPayload struct {
	Index   uint32           `json:"index"`
	Outcome resource.Outcome `json:"outcome"`
}

type entry struct {
	event   txlog.Event
	payload interface{}
}

func encodeEntries(x xid.Xid, entries []entry) ([]txlog.Record, error) {
	records := make([]txlog.Record, len(entries))
	for i, e := range entries {
		records[i] = txlog.Record{Xid: x, Event: e.event}
		if e.payload == nil {
			continue
		}
		b, err := json.Marshal(e.payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventName(e.event), err)
		}
		records[i].Payload = b
	}
	return records, nil
}

// txTable holds the transactions the coordinator still knows about, keyed
// by global Xid.
type txTable struct {
	mu  sync.RWMutex
	txs map[xid.Xid]*Transaction
}

func newTXTable() *txTable {
	return &txTable{txs: make(map[xid.Xid]*Transaction)}
}

func (t *txTable) get(x xid.Xid) (*Transaction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tx, ok := t.txs[x.Global()]
	return tx, ok
}

func (t *txTable) put(tx *Transaction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txs[tx.xid] = tx
}

func (t *txTable) remove(x xid.Xid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.txs, x.Global())
}

// list returns the transactions matching keep, oldest first.
func (t *txTable) list(keep func(*Transaction) bool) []*Transaction {
	t.mu.RLock()
	out := make([]*Transaction, 0, len(t.txs))
	for _, tx := range t.txs {
		if keep == nil || keep(tx) {
			out = append(out, tx)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].first() < out[j].first() })
	return out
}

// owner finds the transaction that enlisted branch.
func (t *txTable) owner(branch xid.Xid) (*Transaction, bool) {
	tx, ok := t.get(branch)
	if !ok || !tx.holds(branch) {
		return nil, false
	}
	return tx, true
}

// lowWater is the first seq still needed to rebuild the table, or next if
// the table is empty.
func (t *txTable) lowWater(next uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	low := next
	for _, tx := range t.txs {
		tx.mu.Lock()
		if tx.firstSeq < low {
			low = tx.firstSeq
		}
		tx.mu.Unlock()
	}
	return low
}

func (t *txTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.txs)
}

// journal makes entries durable and then applies them to tx. Entries that
// would take tx through an invalid transition are rejected before anything
// is written.
func (t *TXManager) journal(ctx context.Context, tx *Transaction, entries ...entry) error {
	if err := t.Err(); err != nil {
		return err
	}
	records, err := encodeEntries(tx.xid, entries)
	if err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	probe := tx.clone()
	for _, rec := range records {
		if err := probe.apply(rec); err != nil {
			return err
		}
	}

	last, err := t.txStore.Append(ctx, records...)
	if err != nil {
		if errors.Is(err, txlog.ErrLogIO) {
			t.halt(err)
		}
		return fmt.Errorf("journal %s: %w", tx.xid, err)
	}
	first := last - uint64(len(records)) + 1
	for i := range records {
		records[i].Seq = first + uint64(i)
		if err := tx.apply(records[i]); err != nil {
			// unreachable after the probe succeeded
			log.ErrorContextf(ctx, "apply journaled %s for %s: %v", eventName(records[i].Event), tx.xid, err)
		}
	}
	return nil
}

// replay rebuilds the transaction table from the log. Records of
// transactions whose begin record was already truncated away belong to
// transactions that completed and are skipped.
func (t *TXManager) replay(ctx context.Context) error {
	self := t.identity.Identity()
	var records, skipped int
	var maxSeq uint64
	for rec, err := range t.txStore.ReadAll(ctx) {
		if err != nil {
			return fmt.Errorf("replay transaction log: %w", err)
		}
		records++
		global := rec.Xid.Global()
		tx, ok := t.table.get(global)
		if rec.Event == evBegin {
			if ok {
				return fmt.Errorf("replay transaction log: duplicate begin for %s at seq %d", global, rec.Seq)
			}
			tx = newTransaction(global)
			t.table.put(tx)
			if owner, seq, ok := xid.OwnerOf(global); ok && owner.Cruuid == self.Cruuid && owner.Epoch == self.Epoch && seq > maxSeq {
				maxSeq = seq
			}
		} else if !ok {
			skipped++
			continue
		}
		tx.mu.Lock()
		err = tx.apply(rec)
		tx.mu.Unlock()
		if err != nil {
			return fmt.Errorf("replay transaction log at seq %d: %w", rec.Seq, err)
		}
	}

	var inDoubt, heuristic int
	for _, tx := range t.table.list(nil) {
		tx.mu.Lock()
		status, forgotten := tx.status, tx.forgotten
		tx.mu.Unlock()
		switch {
		case forgotten, status == StatusCommitted, status == StatusRolledBack:
			t.table.remove(tx.xid)
		case status == StatusHeuristic:
			heuristic++
		default:
			tx.setRecovered(true)
			inDoubt++
		}
	}
	if t.seq.Load() < maxSeq {
		t.seq.Store(maxSeq)
	}

	log.Infof("replayed %d log records (%d skipped): %d transactions in doubt, %d heuristic",
		records, skipped, inDoubt, heuristic)
	return nil
}

// truncate drops the log records no live transaction needs any more.
func (t *TXManager) truncate(ctx context.Context) {
	if t.Err() != nil {
		return
	}
	stats := t.txStore.Stats()
	low := t.table.lowWater(stats.NextSeq)
	if stats.Records == 0 || low <= stats.FirstSeq {
		return
	}
	removed, err := t.txStore.TruncateBefore(ctx, low)
	if err != nil {
		if errors.Is(err, txlog.ErrLogIO) {
			t.halt(err)
		}
		log.ErrorContextf(ctx, "truncate transaction log before seq %d: %v", low, err)
		return
	}
	log.DebugContextf(ctx, "truncated %d log records before seq %d", removed, low)
}
