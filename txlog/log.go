// Package txlog implements the coordinator's append-only transaction log.
//
// Every Append is written and flushed to stable storage before it returns.
// Appends from concurrent transactions are funnelled to a single writer
// goroutine, which group-commits whatever is queued with one flush. The log
// lives in one file per coordinator (tranlog.<generation>); TruncateBefore
// rotates to the next generation holding only the records still needed.
package txlog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"xatm/log"
)

var (
	// ErrLogIO is returned once a write or flush has failed. The log refuses
	// all further appends: a decision that could not be made durable must
	// never be acted on.
	ErrLogIO  = errors.New("txlog: log i/o failure")
	ErrClosed = errors.New("txlog: closed")
)

const filePrefix = "tranlog."

// Observer receives log activity, typically a metrics collector.
type Observer interface {
	ObserveAppend(records, bytes int, elapsed time.Duration)
	ObserveTruncate(removed int)
}

type Options struct {
	QueueSize int // pending append requests before callers block
	MaxBatch  int // requests folded into one flush
	Observer  Observer
}

type Option func(*Options)

func WithQueueSize(n int) Option {
	return func(o *Options) {
		o.QueueSize = n
	}
}

func WithMaxBatch(n int) Option {
	return func(o *Options) {
		o.MaxBatch = n
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Options) {
		o.Observer = obs
	}
}

func repair(o *Options) {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 64
	}
}

type opKind int

const (
	opAppend opKind = iota
	opTruncate
)

type request struct {
	kind    opKind
	records []Record
	before  uint64
	done    chan result
}

type result struct {
	seq uint64
	n   int
	err error
}

// Stats is a point-in-time view of the active log file.
type Stats struct {
	Generation uint64
	FirstSeq   uint64 // 0 when the file holds no records
	NextSeq    uint64
	Records    int
	Size       int64
}

type Log struct {
	dir  string
	opts Options

	mu       sync.Mutex // guards the fields below and file swaps
	f        *os.File
	gen      uint64
	firstSeq uint64
	nextSeq  uint64
	records  int
	size     int64
	failed   error
	closed   bool
	inflight sync.WaitGroup

	reqs chan *request
	stop chan struct{}
	done chan struct{}
	buf  []byte
}

// Open opens or creates the log in dir. A torn tail left by a crash during
// an append is cut back to the last intact record.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}
	l := &Log{dir: dir}
	for _, opt := range opts {
		opt(&l.opts)
	}
	repair(&l.opts)

	gen, err := l.cleanup()
	if err != nil {
		return nil, err
	}
	if gen == 0 {
		gen = 1
		if err := l.createGeneration(gen, 1, nil); err != nil {
			return nil, err
		}
	}
	if err := l.openGeneration(gen); err != nil {
		return nil, err
	}

	l.reqs = make(chan *request, l.opts.QueueSize)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.writer()

	log.Infof("transaction log opened, dir: %s, generation: %d, records: %d, next seq: %d",
		dir, l.gen, l.records, l.nextSeq)
	return l, nil
}

func (l *Log) path(gen uint64) string {
	return filepath.Join(l.dir, filePrefix+strconv.FormatUint(gen, 10))
}

// cleanup removes temporary files from an interrupted rotation and every
// generation older than the newest one. It returns the newest generation.
func (l *Log) cleanup() (uint64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("read log dir: %w", err)
	}
	var gens []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return 0, fmt.Errorf("remove %s: %w", name, err)
			}
			continue
		}
		g, err := strconv.ParseUint(strings.TrimPrefix(name, filePrefix), 10, 64)
		if err != nil {
			continue
		}
		gens = append(gens, g)
	}
	if len(gens) == 0 {
		return 0, nil
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	for _, g := range gens[:len(gens)-1] {
		if err := os.Remove(l.path(g)); err != nil {
			return 0, fmt.Errorf("remove stale generation %d: %w", g, err)
		}
	}
	return gens[len(gens)-1], nil
}

// createGeneration atomically materialises generation gen holding records.
func (l *Log) createGeneration(gen, baseSeq uint64, records []Record) error {
	final := l.path(gen)
	tmp := final + ".tmp"
	buf := encodeHeader(baseSeq)
	for i := range records {
		buf = appendRecord(buf, &records[i])
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := fdatasync(f); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return syncDir(l.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// openGeneration scans gen, repairs a torn tail and opens it for appending.
func (l *Log) openGeneration(gen uint64) error {
	p := l.path(gen)
	f, err := os.OpenFile(p, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", p, err)
	}
	br := bufio.NewReader(f)
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(br, header); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: short header", ErrCorrupt, p)
	}
	baseSeq, err := decodeHeader(header)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", p, err)
	}

	var (
		good     = int64(headerSize)
		firstSeq uint64
		lastSeq  uint64
		count    int
	)
	for {
		rec, n, err := readRecord(br)
		if err == io.EOF {
			break
		}
		if err == nil && (rec.Seq < baseSeq || (count > 0 && rec.Seq <= lastSeq)) {
			err = fmt.Errorf("%w: seq %d out of order", ErrCorrupt, rec.Seq)
		}
		if err != nil {
			log.Warnf("transaction log %s: discarding tail at offset %d: %v", p, good, err)
			if terr := f.Truncate(good); terr != nil {
				f.Close()
				return fmt.Errorf("truncate torn tail of %s: %w", p, terr)
			}
			if serr := fdatasync(f); serr != nil {
				f.Close()
				return fmt.Errorf("sync %s: %w", p, serr)
			}
			break
		}
		if count == 0 {
			firstSeq = rec.Seq
		}
		lastSeq = rec.Seq
		count++
		good += int64(n)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		f.Close()
		return err
	}

	l.f = f
	l.gen = gen
	l.firstSeq = firstSeq
	l.records = count
	l.size = good
	l.nextSeq = baseSeq
	if count > 0 && lastSeq+1 > l.nextSeq {
		l.nextSeq = lastSeq + 1
	}
	return nil
}

// Append makes records durable and returns the sequence number assigned to
// the last of them; the records receive consecutive numbers. It blocks until
// the flush completes. Once a request is queued its outcome is always
// awaited, even if ctx is cancelled meanwhile.
func (l *Log) Append(ctx context.Context, records ...Record) (uint64, error) {
	if len(records) == 0 {
		return 0, errors.New("txlog: empty append")
	}
	res := l.submit(ctx, &request{kind: opAppend, records: records})
	return res.seq, res.err
}

// TruncateBefore drops every record with a sequence number below seq by
// rotating to a new generation. It returns the number of records removed.
func (l *Log) TruncateBefore(ctx context.Context, seq uint64) (int, error) {
	res := l.submit(ctx, &request{kind: opTruncate, before: seq})
	return res.n, res.err
}

func (l *Log) submit(ctx context.Context, req *request) result {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return result{err: ErrClosed}
	}
	if l.failed != nil {
		err := l.failed
		l.mu.Unlock()
		return result{err: err}
	}
	l.inflight.Add(1)
	l.mu.Unlock()
	defer l.inflight.Done()

	req.done = make(chan result, 1)
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return result{err: ctx.Err()}
	}
	return <-req.done
}

func (l *Log) writer() {
	defer close(l.done)
	for {
		select {
		case req := <-l.reqs:
			if req.kind == opTruncate {
				req.done <- l.truncate(req.before)
				continue
			}
			batch := []*request{req}
		drain:
			for len(batch) < l.opts.MaxBatch {
				select {
				case next := <-l.reqs:
					if next.kind == opTruncate {
						l.commit(batch)
						batch = batch[:0]
						next.done <- l.truncate(next.before)
						continue
					}
					batch = append(batch, next)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				l.commit(batch)
			}
		case <-l.stop:
			return
		}
	}
}

func (l *Log) commit(batch []*request) {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		for _, req := range batch {
			req.done <- result{err: l.failed}
		}
		return
	}

	buf := l.buf[:0]
	seq := l.nextSeq
	lasts := make([]uint64, len(batch))
	count := 0
	for i, req := range batch {
		for j := range req.records {
			rec := req.records[j]
			rec.Seq = seq
			buf = appendRecord(buf, &rec)
			seq++
			count++
		}
		lasts[i] = seq - 1
	}
	l.buf = buf

	err := l.writeAndSync(buf)
	if err != nil {
		l.failed = fmt.Errorf("%w: %v", ErrLogIO, err)
		log.Errorf("transaction log write failed, refusing further appends: %v", err)
		for _, req := range batch {
			req.done <- result{err: l.failed}
		}
		return
	}

	if l.records == 0 {
		l.firstSeq = l.nextSeq
	}
	l.nextSeq = seq
	l.records += count
	l.size += int64(len(buf))
	for i, req := range batch {
		req.done <- result{seq: lasts[i]}
	}
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveAppend(count, len(buf), time.Since(start))
	}
}

func (l *Log) writeAndSync(buf []byte) error {
	if _, err := l.f.Write(buf); err != nil {
		return err
	}
	return fdatasync(l.f)
}

// truncate runs on the writer goroutine.
func (l *Log) truncate(before uint64) result {
	l.mu.Lock()
	if l.failed != nil {
		err := l.failed
		l.mu.Unlock()
		return result{err: err}
	}
	if l.records == 0 || l.firstSeq >= before {
		l.mu.Unlock()
		return result{}
	}
	path, size, nextSeq := l.path(l.gen), l.size, l.nextSeq
	l.mu.Unlock()

	var keep []Record
	removed := 0
	for rec, err := range readFile(context.Background(), path, size) {
		if err != nil {
			return result{err: fmt.Errorf("truncate: %w", err)}
		}
		if rec.Seq < before {
			removed++
			continue
		}
		keep = append(keep, rec)
	}

	base := before
	if base > nextSeq {
		base = nextSeq
	}
	newGen := l.gen + 1
	if err := l.createGeneration(newGen, base, keep); err != nil {
		return result{err: fmt.Errorf("truncate: %w", err)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	old := l.f
	oldPath := l.path(l.gen)
	if err := l.openGeneration(newGen); err != nil {
		l.failed = fmt.Errorf("%w: reopen after truncate: %v", ErrLogIO, err)
		return result{err: l.failed}
	}
	// Seqs never go backwards across a rotation.
	if l.nextSeq < nextSeq {
		l.nextSeq = nextSeq
	}
	old.Close()
	if err := os.Remove(oldPath); err != nil {
		log.Warnf("remove rotated log %s: %v", oldPath, err)
	}
	if l.opts.Observer != nil {
		l.opts.Observer.ObserveTruncate(removed)
	}
	log.Debugf("transaction log rotated to generation %d, removed %d records, kept %d", newGen, removed, len(keep))
	return result{n: removed}
}

// ReadAll lazily yields the durable records in seq order. Iteration stops at
// the first error, which is yielded.
func (l *Log) ReadAll(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			yield(Record{}, ErrClosed)
			return
		}
		path, size := l.path(l.gen), l.size
		f, err := os.Open(path)
		l.mu.Unlock()
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer f.Close()
		for rec, err := range readFrom(ctx, f, size) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func readFile(ctx context.Context, path string, size int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer f.Close()
		for rec, err := range readFrom(ctx, f, size) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func readFrom(ctx context.Context, f *os.File, size int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		br := bufio.NewReader(io.LimitReader(f, size))
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(br, header); err != nil {
			yield(Record{}, fmt.Errorf("%w: short header", ErrCorrupt))
			return
		}
		if _, err := decodeHeader(header); err != nil {
			yield(Record{}, err)
			return
		}
		for {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			rec, _, err := readRecord(br)
			if err == io.EOF {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Generation: l.gen,
		FirstSeq:   l.firstSeq,
		NextSeq:    l.nextSeq,
		Records:    l.records,
		Size:       l.size,
	}
}

// Err returns the sticky i/o failure, if any.
func (l *Log) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Close waits for queued requests to complete and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.inflight.Wait()
	close(l.stop)
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
