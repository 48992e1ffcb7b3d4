package process

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/fileloader-io/fileloader/internal/pipeline"
	"github.com/fileloader-io/fileloader/internal/source"
)

// ===== Runner dependency fakes =====

type memBlobs struct {
	mu      sync.Mutex
	moves   [][2]string
	deletes []string
	copies  [][2]string
}

func (b *memBlobs) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *memBlobs) Copy(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.copies = append(b.copies, [2]string{src, dst})

	return nil
}

func (b *memBlobs) Move(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.moves = append(b.moves, [2]string{src, dst})

	return nil
}

func (b *memBlobs) Delete(_ context.Context, location string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.deletes = append(b.deletes, location)

	return nil
}

type memLoadLog struct {
	mu     sync.Mutex
	nextID int64
	closed []*pipeline.LoadResult
}

func (l *memLoadLog) Allocate(context.Context, string, string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++

	return l.nextID, nil
}

func (l *memLoadLog) SetContentHash(context.Context, int64, string) error { return nil }

func (l *memLoadLog) SeenSucceeded(context.Context, string, string) (bool, error) {
	return false, nil
}

func (l *memLoadLog) RecordPhase(context.Context, int64, pipeline.Phase) error { return nil }

func (l *memLoadLog) Close(_ context.Context, result *pipeline.LoadResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = append(l.closed, result)

	return nil
}

type memStager struct {
	mu      sync.Mutex
	created []string
	dropped []string
}

func (s *memStager) CreateStage(_ context.Context, cfg *source.Config, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := fmt.Sprintf("stg_%s_%d", cfg.Name, id)
	s.created = append(s.created, stage)

	return stage, nil
}

func (s *memStager) DropStage(_ context.Context, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropped = append(s.dropped, stage)

	return nil
}

type memHasher struct{}

func (memHasher) Hash(_ context.Context, location string, _ bool) (string, error) {
	return "hash-" + location, nil
}

type memNotifier struct {
	mu       sync.Mutex
	failures []*pipeline.LoadResult
	internal []string
}

func (n *memNotifier) NotifyFailure(_ context.Context, result *pipeline.LoadResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failures = append(n.failures, result)
}

func (n *memNotifier) NotifyInternal(_ context.Context, title, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.internal = append(n.internal, title+": "+detail)
}

type memEvents struct {
	mu      sync.Mutex
	emitted []*pipeline.LoadResult
}

func (e *memEvents) Emit(_ context.Context, result *pipeline.LoadResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitted = append(e.emitted, result)
}

// scriptedStages returns canned readers keyed by filename. A reader
// with panicOn set panics, exercising the worker recovery path.
type scriptedStages struct {
	rows    map[string]int // filename -> row count
	panicOn string
}

type scriptedReader struct {
	rows int
	pos  int
}

func (r *scriptedReader) Open(context.Context) error { return nil }

func (r *scriptedReader) NextBatch(context.Context) (pipeline.Batch, error) {
	if r.pos >= r.rows {
		return pipeline.Batch{}, io.EOF
	}

	batch := pipeline.Batch{StartRow: int64(r.pos + 2)}
	batch.Records = append(batch.Records, pipeline.Record{
		RowNumber: int64(r.pos + 2),
		Fields:    map[string]any{"id": int64(r.pos + 1)},
	})
	r.pos++

	return batch, nil
}

func (r *scriptedReader) Close() error { return nil }

func (s *scriptedStages) Reader(job pipeline.FileJob, _ *source.Config) (pipeline.Reader, error) {
	if job.Name == s.panicOn {
		panic("corrupted parser state")
	}

	return &scriptedReader{rows: s.rows[job.Name]}, nil
}

func (s *scriptedStages) Validator(cfg *source.Config) pipeline.Validator {
	return acceptAll{}
}

func (s *scriptedStages) Writer(*source.Config, pipeline.FileJob, int64, string) pipeline.Writer {
	return nopWriter{}
}

func (s *scriptedStages) Auditor(*source.Config, string) pipeline.Auditor { return nopAuditor{} }

func (s *scriptedStages) Publisher(*source.Config, string) pipeline.Publisher {
	return nopPublisher{}
}

type acceptAll struct{}

func (acceptAll) ValidateBatch(batch pipeline.Batch) pipeline.ValidatedBatch {
	return pipeline.ValidatedBatch{Valid: batch.Records}
}

func (acceptAll) InvalidCount() int64 { return 0 }

type nopWriter struct{}

func (nopWriter) Push(context.Context, pipeline.ValidatedBatch) error { return nil }

func (nopWriter) Flush(context.Context) error { return nil }

type nopAuditor struct{}

func (nopAuditor) Audit(context.Context) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context) (pipeline.PublishResult, error) {
	return pipeline.PublishResult{Inserted: 1}, nil
}

// ===== Harness =====

type dispatcherHarness struct {
	blobs      *memBlobs
	loadLog    *memLoadLog
	stager     *memStager
	notifier   *memNotifier
	events     *memEvents
	stages     *scriptedStages
	dispatcher *Dispatcher
}

func newDispatcherHarness(t *testing.T, workers int, stages *scriptedStages) *dispatcherHarness {
	t.Helper()

	registry, err := source.NewRegistry([]*source.Config{
		{
			Name:        "customers",
			FilePattern: "customers_*.csv",
			FileType:    source.FileTypeCSV,
			Table:       "public.customers",
			Schema:      []source.Field{{Name: "id", Type: source.TypeInt}},
			Grain:       []string{"id"},
		},
		{
			Name:        "orders",
			FilePattern: "orders_*.csv",
			FileType:    source.FileTypeCSV,
			Table:       "public.orders",
			Schema:      []source.Field{{Name: "id", Type: source.TypeInt}},
			Grain:       []string{"id"},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}

	h := &dispatcherHarness{
		blobs:    &memBlobs{},
		loadLog:  &memLoadLog{},
		stager:   &memStager{},
		notifier: &memNotifier{},
		events:   &memEvents{},
		stages:   stages,
	}

	runner := pipeline.NewRunner(pipeline.RunnerParams{
		Blobs:         h.blobs,
		LoadLog:       h.loadLog,
		Stager:        h.stager,
		Hasher:        memHasher{},
		Stages:        stages,
		Notifier:      h.notifier,
		Events:        h.events,
		ArchiveDir:    "file:///archive",
		QuarantineDir: "file:///duplicates",
		Retries:       1,
		Logger:        testLogger(),
	})

	h.dispatcher = NewDispatcher(DispatcherParams{
		Registry:      registry,
		Runner:        runner,
		Blobs:         h.blobs,
		Notifier:      h.notifier,
		Workers:       workers,
		QuarantineDir: "file:///duplicates",
		Logger:        testLogger(),
	})

	return h
}

func job(name string) pipeline.FileJob {
	return pipeline.FileJob{Location: "file:///drop/" + name, Name: name, Size: 1}
}

// ===== Tests =====

func TestDispatcherFirstMatchWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newDispatcherHarness(t, 1, &scriptedStages{rows: map[string]int{
		"customers_1.csv": 2,
		"orders_1.csv":    3,
	}})

	summary := h.dispatcher.Run(context.Background(), []pipeline.FileJob{
		job("customers_1.csv"),
		job("orders_1.csv"),
	})

	if summary.Processed != 2 || summary.Succeeded != 2 {
		t.Fatalf("summary = %+v, want 2 processed, 2 succeeded", summary)
	}

	sources := map[string]string{}
	for _, result := range summary.Results {
		sources[result.Filename] = result.SourceName
	}

	if sources["customers_1.csv"] != "customers" || sources["orders_1.csv"] != "orders" {
		t.Errorf("source assignment = %v", sources)
	}
}

func TestDispatcherUnmatchedFileIsQuarantined(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newDispatcherHarness(t, 1, &scriptedStages{rows: map[string]int{}})

	summary := h.dispatcher.Run(context.Background(), []pipeline.FileJob{
		job("mystery.bin"),
	})

	if summary.Unmatched != 1 || summary.Processed != 0 {
		t.Fatalf("summary = %+v, want 1 unmatched, 0 processed", summary)
	}

	if len(h.blobs.moves) != 1 || h.blobs.moves[0][1] != "file:///duplicates/mystery.bin" {
		t.Errorf("moves = %v, want unmatched file moved to duplicates", h.blobs.moves)
	}

	// Unmatched files never touch the database.
	if h.loadLog.nextID != 0 {
		t.Error("no load id may be allocated for an unmatched file")
	}
}

func TestDispatcherWorkerPanicIsContained(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newDispatcherHarness(t, 2, &scriptedStages{
		rows:    map[string]int{"customers_1.csv": 1, "customers_2.csv": 1},
		panicOn: "customers_2.csv",
	})

	summary := h.dispatcher.Run(context.Background(), []pipeline.FileJob{
		job("customers_1.csv"),
		job("customers_2.csv"),
	})

	if summary.Processed != 2 || summary.Succeeded != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want the panic contained to one failure", summary)
	}

	var panicked *pipeline.LoadResult
	for _, result := range summary.Results {
		if result.ErrorKind == pipeline.KindWorkerPanic {
			panicked = result
		}
	}

	if panicked == nil || panicked.Filename != "customers_2.csv" {
		t.Fatalf("results = %v, want a WorkerPanic result for customers_2.csv", summary.Results)
	}

	if len(h.notifier.failures) != 1 {
		t.Errorf("failure notifications = %d, want 1 for the panic", len(h.notifier.failures))
	}
}

func TestDispatcherParallelRunsAreIsolated(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := map[string]int{}

	var jobs []pipeline.FileJob

	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("customers_%d.csv", i)
		rows[name] = i + 1
		jobs = append(jobs, job(name))
	}

	h := newDispatcherHarness(t, 3, &scriptedStages{rows: rows})

	summary := h.dispatcher.Run(context.Background(), jobs)

	if summary.Succeeded != 6 {
		t.Fatalf("summary = %+v, want 6 succeeded", summary)
	}

	// file_load_ids are unique, and every stage that was created was
	// also dropped.
	ids := map[int64]bool{}
	for _, result := range summary.Results {
		if ids[result.FileLoadID] {
			t.Errorf("duplicate file_load_id %d", result.FileLoadID)
		}

		ids[result.FileLoadID] = true
	}

	if len(h.stager.dropped) != len(h.stager.created) {
		t.Errorf("created %d stages, dropped %d", len(h.stager.created), len(h.stager.dropped))
	}
}

func TestSummaryFailureLines(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	summary := &Summary{}
	summary.record(&pipeline.LoadResult{
		Filename: "a.csv", SourceName: "a", State: pipeline.StateSucceeded,
	})
	summary.record(&pipeline.LoadResult{
		Filename: "b.csv", SourceName: "b", State: pipeline.StateFailed,
		ErrorKind: pipeline.KindAuditFailed,
	})

	lines := summary.FailureLines()
	if len(lines) != 1 || !strings.Contains(lines[0], "b.csv") {
		t.Errorf("FailureLines() = %v", lines)
	}
}
