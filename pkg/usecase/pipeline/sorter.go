package pipeline

import (
	"bufio"
	"compress/gzip"
	"container/heap"
	"context"
	"encoding/json"
	"io"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// SorterConfig controls the external sort. ChunkSize bounds how many records
// are held in memory per run, independent of input size.
type SorterConfig struct {
	// ChunkSize is the maximum number of records per in-memory run. Required.
	ChunkSize int

	// Dir is where spill files are written. Empty means the OS temp dir.
	Dir string

	// Compress gzips spill files
	Compress bool

	// Workers is the number of concurrent run sorters. 0 means NumCPU.
	Workers int
}

// Validate rejects a configuration that cannot produce a bounded sort
func (c *SorterConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return goerr.New("sort chunk size must be positive", goerr.V("chunk_size", c.ChunkSize))
	}
	if c.Workers < 0 {
		return goerr.New("sort workers must not be negative", goerr.V("workers", c.Workers))
	}
	return nil
}

// Sorter orders an arbitrarily large message stream by (timestamp, id) using
// bounded memory: runs of at most ChunkSize records are sorted and spilled to
// disk, then merged lazily with a k-way heap.
type Sorter struct {
	cfg SorterConfig
}

// SortStats reports what one sort pass did. Runs lets tests verify the
// structural memory bound: records / chunk size spill files, never the whole
// input in memory.
type SortStats struct {
	Records int
	Runs    int
}

// NewSorter creates a sorter with a validated configuration
func NewSorter(cfg SorterConfig) (*Sorter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Sorter{cfg: cfg}, nil
}

// Sort consumes the record source and returns a lazy source yielding the same
// multiset of records ordered ascending by (timestamp, id). Any spill failure
// aborts the sort and removes all partial run files; a failed sort is
// restarted from scratch, never resumed.
func (s *Sorter) Sort(ctx context.Context, src adapter.RecordSource) (adapter.RecordSource, *SortStats, error) {
	stats := &SortStats{}

	runs, err := s.writeRuns(ctx, src, stats)
	if err != nil {
		removeFiles(runs)
		return nil, nil, err
	}
	stats.Runs = len(runs)

	logging.From(ctx).Debug("spilled sorted runs",
		"records", stats.Records, "runs", len(runs))

	merged, err := newMergeSource(runs, s.cfg.Compress)
	if err != nil {
		removeFiles(runs)
		return nil, nil, err
	}
	return merged, stats, nil
}

// writeRuns partitions the input into sorted spill files. Run sorting and
// spilling runs on a bounded worker pool; reading stays sequential.
func (s *Sorter) writeRuns(ctx context.Context, src adapter.RecordSource, stats *SortStats) ([]string, error) {
	var (
		mu    sync.Mutex
		paths []string
		errs  []error
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.cfg.Workers)

	spill := func(run []*model.Message) {
		defer wg.Done()
		defer func() { <-sem }()

		path, err := s.spillRun(run)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		paths = append(paths, path)
	}

	buf := make([]*model.Message, 0, s.cfg.ChunkSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		run := buf
		buf = make([]*model.Message, 0, s.cfg.ChunkSize)

		sem <- struct{}{}
		wg.Add(1)
		go spill(run)
	}

	for {
		msg, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			wg.Wait()
			mu.Lock()
			defer mu.Unlock()
			removeFiles(paths)
			return nil, goerr.Wrap(err, "failed to read record source")
		}

		buf = append(buf, msg)
		stats.Records++
		if len(buf) >= s.cfg.ChunkSize {
			flush()
		}
	}
	flush()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(errs) > 0 {
		removeFiles(paths)
		return nil, errs[0]
	}
	// Spill completion order is nondeterministic; merge order is not, because
	// the heap orders by (timestamp, id).
	return paths, nil
}

// spillRun sorts one run in memory and writes it to a temp file
func (s *Sorter) spillRun(run []*model.Message) (string, error) {
	sort.Slice(run, func(i, j int) bool {
		return run[i].Before(run[j])
	})

	suffix := ".jsonl"
	if s.cfg.Compress {
		suffix = ".jsonl.gz"
	}
	f, err := os.CreateTemp(s.cfg.Dir, "burrow_run_*"+suffix)
	if err != nil {
		return "", goerr.Wrap(err, "failed to create spill file")
	}

	if err := writeRunFile(f, run, s.cfg.Compress); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", goerr.Wrap(err, "failed to write spill file", goerr.V("path", f.Name()))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", goerr.Wrap(err, "failed to close spill file", goerr.V("path", f.Name()))
	}
	return f.Name(), nil
}

func writeRunFile(f *os.File, run []*model.Message, compress bool) error {
	bw := bufio.NewWriter(f)
	var w io.Writer = bw

	var gz *gzip.Writer
	if compress {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	enc := json.NewEncoder(w)
	for _, msg := range run {
		if err := enc.Encode(msg); err != nil {
			return err
		}
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func removeFiles(paths []string) {
	for _, path := range paths {
		_ = os.Remove(path)
	}
}

// runReader streams one spill file back in order
type runReader struct {
	file    *os.File
	gz      *gzip.Reader
	dec     *json.Decoder
	current *model.Message
}

func openRun(path string, compressed bool) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open spill file", goerr.V("path", path))
	}

	r := &runReader{file: f}
	var src io.Reader = bufio.NewReader(f)
	if compressed {
		gz, err := gzip.NewReader(src)
		if err != nil {
			_ = f.Close()
			return nil, goerr.Wrap(err, "failed to open compressed spill file", goerr.V("path", path))
		}
		r.gz = gz
		src = gz
	}
	r.dec = json.NewDecoder(src)
	return r, nil
}

// advance loads the next record into current, or clears it at EOF
func (r *runReader) advance() error {
	var msg model.Message
	err := r.dec.Decode(&msg)
	if err == io.EOF {
		r.current = nil
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to read spill file", goerr.V("path", r.file.Name()))
	}
	r.current = &msg
	return nil
}

func (r *runReader) close() error {
	if r.gz != nil {
		_ = r.gz.Close()
	}
	err := r.file.Close()
	_ = os.Remove(r.file.Name())
	return err
}

// runHeap orders run readers by their current record's (timestamp, id) key.
// Run index breaks exact ties so the merge is stable.
type runHeap struct {
	readers []*runReader
	order   []int
}

func (h *runHeap) Len() int { return len(h.readers) }
func (h *runHeap) Less(i, j int) bool {
	a, b := h.readers[i].current, h.readers[j].current
	if a.Before(b) {
		return true
	}
	if b.Before(a) {
		return false
	}
	return h.order[i] < h.order[j]
}
func (h *runHeap) Swap(i, j int) {
	h.readers[i], h.readers[j] = h.readers[j], h.readers[i]
	h.order[i], h.order[j] = h.order[j], h.order[i]
}
func (h *runHeap) Push(x any) {
	panic("runHeap does not grow after init")
}
func (h *runHeap) Pop() any {
	n := len(h.readers)
	r := h.readers[n-1]
	h.readers = h.readers[:n-1]
	h.order = h.order[:n-1]
	return r
}

// mergeSource is the lazy k-way merge over spill files. Closing it removes
// the spill files.
type mergeSource struct {
	heap *runHeap
}

var _ adapter.RecordSource = (*mergeSource)(nil)

func newMergeSource(paths []string, compressed bool) (adapter.RecordSource, error) {
	h := &runHeap{}
	for i, path := range paths {
		r, err := openRun(path, compressed)
		if err != nil {
			for _, opened := range h.readers {
				_ = opened.close()
			}
			return nil, err
		}
		if err := r.advance(); err != nil {
			_ = r.close()
			for _, opened := range h.readers {
				_ = opened.close()
			}
			return nil, err
		}
		if r.current == nil {
			_ = r.close()
			continue
		}
		h.readers = append(h.readers, r)
		h.order = append(h.order, i)
	}
	heap.Init(h)
	return &mergeSource{heap: h}, nil
}

func (m *mergeSource) Next(ctx context.Context) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, goerr.Wrap(err, "merge canceled")
	}
	if m.heap.Len() == 0 {
		return nil, io.EOF
	}

	r := m.heap.readers[0]
	msg := r.current
	if err := r.advance(); err != nil {
		return nil, err
	}
	if r.current == nil {
		removed := heap.Pop(m.heap).(*runReader)
		_ = removed.close()
	} else {
		heap.Fix(m.heap, 0)
	}
	return msg, nil
}

func (m *mergeSource) Close() error {
	var firstErr error
	for _, r := range m.heap.readers {
		if err := r.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.heap.readers = nil
	m.heap.order = nil
	return firstErr
}
