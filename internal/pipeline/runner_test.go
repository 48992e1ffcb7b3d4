package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/fileloader-io/fileloader/internal/source"
)

// ===== Fakes =====

type fakeBlobs struct {
	mu      sync.Mutex
	copies  [][2]string
	moves   [][2]string
	deletes []string

	copyErr   error
	copyFails int // transient failures before Copy succeeds
	moveErr   error
	deleteErr error
}

func (b *fakeBlobs) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (b *fakeBlobs) Copy(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.copyFails > 0 {
		b.copyFails--

		return fmt.Errorf("%w: connection reset", ErrTransient)
	}

	if b.copyErr != nil {
		return b.copyErr
	}

	b.copies = append(b.copies, [2]string{src, dst})

	return nil
}

func (b *fakeBlobs) Move(_ context.Context, src, dst string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.moveErr != nil {
		return b.moveErr
	}

	b.moves = append(b.moves, [2]string{src, dst})

	return nil
}

func (b *fakeBlobs) Delete(_ context.Context, location string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deleteErr != nil {
		return b.deleteErr
	}

	b.deletes = append(b.deletes, location)

	return nil
}

type fakeLoadLog struct {
	mu        sync.Mutex
	nextID    int64
	phases    []Phase
	closed    []*LoadResult
	hash      string
	duplicate bool

	allocErr error
	seenErr  error
}

func (l *fakeLoadLog) Allocate(context.Context, string, string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allocErr != nil {
		return 0, l.allocErr
	}

	l.nextID++

	return l.nextID, nil
}

func (l *fakeLoadLog) SetContentHash(_ context.Context, _ int64, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hash = hash

	return nil
}

func (l *fakeLoadLog) SeenSucceeded(context.Context, string, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.duplicate, l.seenErr
}

func (l *fakeLoadLog) RecordPhase(_ context.Context, _ int64, phase Phase) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.phases = append(l.phases, phase)

	return nil
}

func (l *fakeLoadLog) Close(_ context.Context, result *LoadResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = append(l.closed, result)

	return nil
}

type fakeStager struct {
	mu      sync.Mutex
	created []string
	dropped []string

	createErr error
}

func (s *fakeStager) CreateStage(_ context.Context, cfg *source.Config, id int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return "", s.createErr
	}

	stage := fmt.Sprintf("stg_%s_%d", cfg.Name, id)
	s.created = append(s.created, stage)

	return stage, nil
}

func (s *fakeStager) DropStage(_ context.Context, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropped = append(s.dropped, stage)

	return nil
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(context.Context, string, bool) (string, error) {
	return h.hash, h.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []*LoadResult
	internal []string
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, result *LoadResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failures = append(n.failures, result)
}

func (n *fakeNotifier) NotifyInternal(_ context.Context, title, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.internal = append(n.internal, title+": "+detail)
}

type fakeEvents struct {
	mu      sync.Mutex
	emitted []*LoadResult
}

func (e *fakeEvents) Emit(_ context.Context, result *LoadResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.emitted = append(e.emitted, result)
}

// fakeReader emits the configured rows in batches of two.
type fakeReader struct {
	rows    []map[string]any
	openErr error
	nextErr error
	pos     int
	closed  bool
}

func (r *fakeReader) Open(context.Context) error { return r.openErr }

func (r *fakeReader) NextBatch(context.Context) (Batch, error) {
	if r.nextErr != nil {
		return Batch{}, r.nextErr
	}

	if r.pos >= len(r.rows) {
		return Batch{}, io.EOF
	}

	start := r.pos
	end := start + 2

	if end > len(r.rows) {
		end = len(r.rows)
	}

	batch := Batch{StartRow: int64(start + 2)}
	for i := start; i < end; i++ {
		batch.Records = append(batch.Records, Record{
			RowNumber: int64(i + 2),
			Fields:    r.rows[i],
		})
	}

	r.pos = end

	return batch, nil
}

func (r *fakeReader) Close() error {
	r.closed = true

	return nil
}

// passValidator accepts records whose "bad" field is absent.
type passValidator struct {
	invalid int64
}

func (v *passValidator) ValidateBatch(batch Batch) ValidatedBatch {
	var out ValidatedBatch

	for _, rec := range batch.Records {
		if _, bad := rec.Fields["bad"]; bad {
			v.invalid++
			out.Invalid = append(out.Invalid, ValidationFailure{
				SourceRowNumber: rec.RowNumber,
				FailedFields:    []string{"bad"},
				Reasons:         []string{"marked bad"},
				OriginalRow:     rec.Fields,
			})

			continue
		}

		out.Valid = append(out.Valid, rec)
	}

	return out
}

func (v *passValidator) InvalidCount() int64 { return v.invalid }

type fakeWriter struct {
	pushed   int
	flushed  bool
	pushErr  error
	flushErr error
}

func (w *fakeWriter) Push(_ context.Context, batch ValidatedBatch) error {
	if w.pushErr != nil {
		return w.pushErr
	}

	w.pushed += len(batch.Valid) + len(batch.Invalid)

	return nil
}

func (w *fakeWriter) Flush(context.Context) error {
	w.flushed = true

	return w.flushErr
}

type fakeAuditor struct{ err error }

func (a *fakeAuditor) Audit(context.Context) error { return a.err }

type fakePublisher struct {
	result PublishResult
	err    error
	called bool
}

func (p *fakePublisher) Publish(context.Context) (PublishResult, error) {
	p.called = true

	return p.result, p.err
}

// fakeStages hands out the pre-built stage instances.
type fakeStages struct {
	reader    *fakeReader
	readerErr error
	validator *passValidator
	writer    *fakeWriter
	auditor   *fakeAuditor
	publisher *fakePublisher
}

func (s *fakeStages) Reader(FileJob, *source.Config) (Reader, error) {
	return s.reader, s.readerErr
}

func (s *fakeStages) Validator(*source.Config) Validator { return s.validator }

func (s *fakeStages) Writer(*source.Config, FileJob, int64, string) Writer { return s.writer }

func (s *fakeStages) Auditor(*source.Config, string) Auditor { return s.auditor }

func (s *fakeStages) Publisher(*source.Config, string) Publisher { return s.publisher }

// ===== Harness =====

type harness struct {
	blobs    *fakeBlobs
	loadLog  *fakeLoadLog
	stager   *fakeStager
	hasher   *fakeHasher
	notifier *fakeNotifier
	events   *fakeEvents
	stages   *fakeStages
	runner   *Runner
}

func newHarness(t *testing.T, rows []map[string]any) *harness {
	t.Helper()
	shortRetryInterval(t)

	h := &harness{
		blobs:    &fakeBlobs{},
		loadLog:  &fakeLoadLog{},
		stager:   &fakeStager{},
		hasher:   &fakeHasher{hash: "abc123"},
		notifier: &fakeNotifier{},
		events:   &fakeEvents{},
		stages: &fakeStages{
			reader:    &fakeReader{rows: rows},
			validator: &passValidator{},
			writer:    &fakeWriter{},
			auditor:   &fakeAuditor{},
			publisher: &fakePublisher{result: PublishResult{Inserted: int64(len(rows))}},
		},
	}

	h.runner = NewRunner(RunnerParams{
		Blobs:         h.blobs,
		LoadLog:       h.loadLog,
		Stager:        h.stager,
		Hasher:        h.hasher,
		Stages:        h.stages,
		Notifier:      h.notifier,
		Events:        h.events,
		ArchiveDir:    "file:///archive",
		QuarantineDir: "file:///duplicates",
		Retries:       3,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return h
}

func runnerSource() *source.Config {
	return &source.Config{
		Name:     "customers",
		FileType: source.FileTypeCSV,
		Gzip:     source.GzipAuto,
		Table:    "public.customers",
		Schema: []source.Field{
			{Name: "id", Type: source.TypeInt},
		},
		Grain: []string{"id"},
	}
}

func runnerJob() FileJob {
	return FileJob{
		Location: "file:///drop/customers_1.csv",
		Name:     "customers_1.csv",
		Size:     128,
	}
}

func testRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i + 1)}
	}

	return rows
}

// ===== Tests =====

func TestRunHappyPath(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(5))

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateSucceeded {
		t.Fatalf("State = %s (%s), want Succeeded", result.State, result.ErrorDetail)
	}

	if result.RowsRead != 5 || result.RowsValid != 5 || result.RowsInvalid != 0 {
		t.Errorf("counts = read %d valid %d invalid %d, want 5/5/0",
			result.RowsRead, result.RowsValid, result.RowsInvalid)
	}

	if result.RowsPublished != 5 {
		t.Errorf("RowsPublished = %d, want 5", result.RowsPublished)
	}

	if len(h.blobs.copies) != 1 || h.blobs.copies[0][1] != "file:///archive/customers_1.csv" {
		t.Errorf("archive copies = %v", h.blobs.copies)
	}

	if len(h.blobs.deletes) != 1 || h.blobs.deletes[0] != runnerJob().Location {
		t.Errorf("drop deletes = %v, want source file removed", h.blobs.deletes)
	}

	if len(h.blobs.moves) != 0 {
		t.Errorf("moves = %v, want none on success", h.blobs.moves)
	}

	if len(h.stager.dropped) != 1 || h.stager.dropped[0] != h.stager.created[0] {
		t.Errorf("dropped = %v, created = %v; stage must be dropped", h.stager.dropped, h.stager.created)
	}

	if !h.stages.writer.flushed || !h.stages.reader.closed {
		t.Error("writer must be flushed and reader closed")
	}

	if len(h.loadLog.closed) != 1 || h.loadLog.closed[0].State != StateSucceeded {
		t.Errorf("load log closed = %v", h.loadLog.closed)
	}

	if len(h.events.emitted) != 1 {
		t.Errorf("events emitted = %d, want 1", len(h.events.emitted))
	}

	if len(h.notifier.failures) != 0 {
		t.Errorf("failure notifications = %d, want 0", len(h.notifier.failures))
	}
}

func TestRunRowConservation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, []map[string]any{
		{"id": int64(1)},
		{"id": int64(2), "bad": true},
		{"id": int64(3)},
	})
	cfg := runnerSource()
	cfg.Threshold = 1

	result := h.runner.Run(context.Background(), runnerJob(), cfg)

	if result.State != StateSucceeded {
		t.Fatalf("State = %s (%s), want Succeeded within threshold", result.State, result.ErrorDetail)
	}

	if result.RowsRead != result.RowsValid+result.RowsInvalid {
		t.Errorf("conservation violated: read %d != valid %d + invalid %d",
			result.RowsRead, result.RowsValid, result.RowsInvalid)
	}

	if result.RowsInvalid != 1 {
		t.Errorf("RowsInvalid = %d, want 1", result.RowsInvalid)
	}
}

func TestRunThresholdExceeded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, []map[string]any{
		{"id": int64(1)},
		{"id": int64(2), "bad": true},
		{"id": int64(3), "bad": true},
	})

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateFailed || result.ErrorKind != KindThresholdExceeded {
		t.Fatalf("got %s/%s, want Failed/ValidationThresholdExceeded", result.State, result.ErrorKind)
	}

	// The whole file is still read and flushed so the DLQ holds the
	// complete error set.
	if !h.stages.writer.flushed {
		t.Error("writer must be flushed even past the threshold")
	}

	if h.stages.publisher.called {
		t.Error("publish must not run after a threshold failure")
	}

	if len(h.blobs.moves) != 1 {
		t.Fatalf("moves = %v, want quarantine move", h.blobs.moves)
	}

	if !strings.HasPrefix(h.blobs.moves[0][1], "file:///duplicates/customers_1.csv.") {
		t.Errorf("quarantine destination = %q, want timestamp-suffixed name", h.blobs.moves[0][1])
	}

	if len(h.notifier.failures) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(h.notifier.failures))
	}
}

func TestRunDuplicateFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(2))
	h.loadLog.duplicate = true

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateFailed || result.ErrorKind != KindDuplicateFile {
		t.Fatalf("got %s/%s, want Failed/DuplicateFile", result.State, result.ErrorKind)
	}

	if len(h.stager.created) != 0 {
		t.Error("no stage may be created for a duplicate file")
	}

	if h.stages.publisher.called {
		t.Error("publish must not run for a duplicate file")
	}

	if len(h.blobs.moves) != 1 {
		t.Errorf("moves = %v, want file moved to duplicates", h.blobs.moves)
	}
}

func TestRunNoData(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, nil)

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateFailed || result.ErrorKind != KindNoDataInFile {
		t.Fatalf("got %s/%s, want Failed/NoDataInFile", result.State, result.ErrorKind)
	}
}

func TestRunArchiveRetriesTransient(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(1))
	h.blobs.copyFails = 2

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateSucceeded {
		t.Fatalf("State = %s (%s), want Succeeded after transient retries", result.State, result.ErrorDetail)
	}

	if len(h.blobs.copies) != 1 {
		t.Errorf("copies = %d, want exactly one successful archive copy", len(h.blobs.copies))
	}
}

func TestRunArchiveFailedIsFatal(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(1))
	h.blobs.copyErr = errors.New("permission denied")

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.State != StateFailed || result.ErrorKind != KindArchiveFailed {
		t.Fatalf("got %s/%s, want Failed/ArchiveFailed", result.State, result.ErrorKind)
	}

	if result.FileLoadID != 0 {
		t.Error("no load id may be allocated before the archive copy succeeds")
	}
}

func TestRunStageCreateFailed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(1))
	h.stager.createErr = errors.New("syntax error in DDL")

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.ErrorKind != KindStageCreateFailed {
		t.Fatalf("ErrorKind = %s, want StageCreateFailed", result.ErrorKind)
	}

	if len(h.stager.dropped) != 0 {
		t.Error("nothing to drop when stage creation failed")
	}
}

func TestRunAuditFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(3))
	h.stages.auditor.err = Errorf(KindAuditFailed, "audit row_total failed: got 0, want > 0")

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.ErrorKind != KindAuditFailed {
		t.Fatalf("ErrorKind = %s, want AuditFailedError", result.ErrorKind)
	}

	if h.stages.publisher.called {
		t.Error("publish must not run after an audit failure")
	}

	if len(h.stager.dropped) != 1 {
		t.Error("stage must be dropped after an audit failure")
	}
}

func TestRunReaderHeaderFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, nil)
	h.stages.reader.openErr = Errorf(KindMissingColumns, "missing columns: [id]")

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	if result.ErrorKind != KindMissingColumns {
		t.Fatalf("ErrorKind = %s, want MissingColumns", result.ErrorKind)
	}
}

func TestRunCancellation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(4))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.runner.Run(ctx, runnerJob(), runnerSource())

	if result.State != StateCancelled {
		t.Fatalf("State = %s, want Cancelled", result.State)
	}

	// Cancellation still quarantines the file and closes the log.
	if len(h.blobs.moves) != 1 {
		t.Errorf("moves = %v, want quarantine move on cancellation", h.blobs.moves)
	}

	if len(h.loadLog.closed) != 1 || h.loadLog.closed[0].State != StateCancelled {
		t.Errorf("load log closed = %v, want Cancelled row", h.loadLog.closed)
	}

	if len(h.notifier.failures) != 0 {
		t.Error("cancellation must not notify stakeholders")
	}
}

func TestRunFailureSampleIsBounded(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	rows := make([]map[string]any, 120)
	for i := range rows {
		rows[i] = map[string]any{"id": int64(i + 1), "bad": true}
	}

	h := newHarness(t, rows)
	cfg := runnerSource()
	cfg.Threshold = 200

	result := h.runner.Run(context.Background(), runnerJob(), cfg)

	if len(result.Failures) != failureSampleLimit {
		t.Errorf("failure sample = %d, want capped at %d", len(result.Failures), failureSampleLimit)
	}

	if result.RowsInvalid != 120 {
		t.Errorf("RowsInvalid = %d, want the full count despite the bounded sample", result.RowsInvalid)
	}
}

func TestRunCleanupFaultIsReported(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h := newHarness(t, testRows(1))
	h.blobs.deleteErr = errors.New("permission denied")

	result := h.runner.Run(context.Background(), runnerJob(), runnerSource())

	// A cleanup failure never masks the terminal state.
	if result.State != StateSucceeded {
		t.Fatalf("State = %s, want Succeeded despite cleanup fault", result.State)
	}

	if len(h.notifier.internal) == 0 {
		t.Error("cleanup fault must raise an internal notification")
	}
}
