// Package queue tests for the sync queue manager.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/fitsync/backend/internal/connectivity"
	"github.com/kimhsiao/fitsync/backend/internal/db"
	apperrors "github.com/kimhsiao/fitsync/backend/internal/errors"
	"github.com/kimhsiao/fitsync/backend/internal/models"
)

// =====================================================
// Test helpers
// =====================================================

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

// Now advances one millisecond per call so timestamps never collide.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncCall struct {
	op       models.Operation
	recordID string
	data     string
}

type statusCall struct {
	recordID string
	status   models.SyncStatus
	opts     models.StatusOptions
}

// fakeHandler is a remote handler that also owns the local table.
type fakeHandler struct {
	mu       sync.Mutex
	calls    []syncCall
	statuses []statusCall
	pending  []models.PendingSnapshot
	fail     func(call syncCall, attempt int) error
	entered  chan struct{}
	release  chan struct{}
}

func (h *fakeHandler) SyncToServer(ctx context.Context, op models.Operation, recordID string, data json.RawMessage) (json.RawMessage, error) {
	call := syncCall{op: op, recordID: recordID, data: string(data)}
	h.mu.Lock()
	h.calls = append(h.calls, call)
	attempt := len(h.calls)
	fail := h.fail
	h.mu.Unlock()

	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.release != nil {
		<-h.release
	}
	if fail != nil {
		if err := fail(call, attempt); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"server":true}`), nil
}

func (h *fakeHandler) UpdateLocalSyncStatus(ctx context.Context, recordID string, status models.SyncStatus, opts models.StatusOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.statuses = append(h.statuses, statusCall{recordID: recordID, status: status, opts: opts})
	return nil
}

func (h *fakeHandler) PendingSnapshots(ctx context.Context, userID string) ([]models.PendingSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending, nil
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *fakeHandler) recorded() ([]syncCall, []statusCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]syncCall(nil), h.calls...), append([]statusCall(nil), h.statuses...)
}

func failAlways(err error) func(syncCall, int) error {
	return func(syncCall, int) error { return err }
}

type countingRecorder struct {
	mu        sync.Mutex
	enqueued  int
	succeeded int
	failed    int
	dropped   int
	drains    int
	pending   int
}

func (r *countingRecorder) Enqueued(string, models.Operation) {
	r.mu.Lock()
	r.enqueued++
	r.mu.Unlock()
}

func (r *countingRecorder) Processed(_ string, _ models.Operation, success bool) {
	r.mu.Lock()
	if success {
		r.succeeded++
	} else {
		r.failed++
	}
	r.mu.Unlock()
}

func (r *countingRecorder) Dropped(string) {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *countingRecorder) DrainDuration(time.Duration) {
	r.mu.Lock()
	r.drains++
	r.mu.Unlock()
}

func (r *countingRecorder) QueueDepth(pending, _ int) {
	r.mu.Lock()
	r.pending = pending
	r.mu.Unlock()
}

type fixture struct {
	manager *Manager
	store   *Store
	monitor *connectivity.Manual
	clock   *clock
}

func setup(t *testing.T, cfg Config, opts Options) fixture {
	t.Helper()

	database, err := db.OpenPath(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	clk := newClock()
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	store := NewStore(database)
	monitor := connectivity.NewManual(true)
	m := NewManager(store, monitor, cfg, opts)
	t.Cleanup(func() { m.Close() })

	return fixture{manager: m, store: store, monitor: monitor, clock: clk}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Minute
	cfg.BatchPause = 0
	return cfg
}

func mustQueue(t *testing.T, m *Manager, table string, op models.Operation, recordID string, priority int) *models.SyncQueueEntry {
	t.Helper()
	entry, err := m.QueueOperation(context.Background(), table, op, recordID, json.RawMessage(`{"id":"`+recordID+`"}`), priority)
	if err != nil {
		t.Fatalf("QueueOperation() failed: %v", err)
	}
	return entry
}

func mustStatus(t *testing.T, m *Manager) models.QueueStatus {
	t.Helper()
	status, err := m.GetSyncStatus(context.Background())
	if err != nil {
		t.Fatalf("GetSyncStatus() failed: %v", err)
	}
	return status
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestQueueOperation_persists verifies entries are stored and published.
func TestQueueOperation_persists(t *testing.T) {
	rec := &countingRecorder{}
	f := setup(t, testConfig(), Options{Recorder: rec})

	var published []models.QueueStatus
	f.manager.OnStatusChange(func(s models.QueueStatus) { published = append(published, s) })

	data := json.RawMessage(`{"calories":2000}`)
	entry, err := f.manager.QueueOperation(context.Background(), "goals", models.OperationCreate, "g-1", data, 1)
	if err != nil {
		t.Fatalf("QueueOperation() failed: %v", err)
	}
	data[2] = 'X'

	entries, err := f.manager.Entries(context.Background())
	if err != nil {
		t.Fatalf("Entries() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != entry.ID || got.TableName != "goals" || got.Operation != models.OperationCreate || got.Priority != 1 {
		t.Errorf("stored entry = %+v", got)
	}
	if string(got.Data) != `{"calories":2000}` {
		t.Errorf("data = %s, want the snapshot taken at enqueue", got.Data)
	}
	if got.RetryCount != 0 || got.LastAttempt != nil {
		t.Errorf("new entry should have no attempts: %+v", got)
	}

	if len(published) != 1 || published[0].PendingCount != 1 {
		t.Errorf("published = %+v, want one snapshot with 1 pending", published)
	}
	if rec.enqueued != 1 {
		t.Errorf("recorder enqueued = %d, want 1", rec.enqueued)
	}
}

// TestQueueOperation_invalid verifies malformed entries are rejected.
func TestQueueOperation_invalid(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	ctx := context.Background()

	if _, err := f.manager.QueueOperation(ctx, "", models.OperationCreate, "r", nil, 0); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("empty table error = %v, want ErrInvalid", err)
	}
	if _, err := f.manager.QueueOperation(ctx, "goals", models.Operation("UPSERT"), "r", nil, 0); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown operation error = %v, want ErrInvalid", err)
	}
}

// =====================================================
// Drain Tests
// =====================================================

// TestProcessQueue_success verifies a successful drain removes entries and
// marks records synced.
func TestProcessQueue_success(t *testing.T) {
	rec := &countingRecorder{}
	f := setup(t, testConfig(), Options{Recorder: rec})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)

	entry := mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want one success", results)
	}
	if string(results[0].ServerData) != `{"server":true}` {
		t.Errorf("server data = %s", results[0].ServerData)
	}

	_, statuses := h.recorded()
	if len(statuses) != 1 {
		t.Fatalf("got %d status updates, want 1", len(statuses))
	}
	if statuses[0].status != models.SyncStatusSynced || !statuses[0].opts.QueuedAt.Equal(entry.CreatedAt) {
		t.Errorf("status update = %+v, want synced guarded by enqueue time", statuses[0])
	}

	status := mustStatus(t, f.manager)
	if status.PendingCount != 0 || status.IsProcessing {
		t.Errorf("status = %+v, want empty idle queue", status)
	}
	if status.LastSyncAttempt == nil || status.LastSuccessfulSync == nil {
		t.Error("drain should record attempt and success times")
	}
	if rec.succeeded != 1 || rec.drains != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

// TestProcessQueue_emptyQueue verifies an empty drain calls nothing.
func TestProcessQueue_emptyQueue(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)

	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if len(results) != 0 || h.callCount() != 0 {
		t.Errorf("empty drain produced %d results and %d calls", len(results), h.callCount())
	}
	status := mustStatus(t, f.manager)
	if status.LastSyncAttempt == nil {
		t.Error("empty drain still records the attempt time")
	}
	if status.LastSuccessfulSync != nil {
		t.Error("empty drain should not record a success")
	}
}

// TestProcessQueue_priorityOrder verifies higher priority first, then FIFO.
func TestProcessQueue_priorityOrder(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{}
	for _, table := range []string{"logs", "goals", "profiles"} {
		f.manager.RegisterSyncHandler(table, h)
	}

	mustQueue(t, f.manager, "logs", models.OperationCreate, "log-1", 0)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "goal-1", 1)
	mustQueue(t, f.manager, "logs", models.OperationCreate, "log-2", 0)
	mustQueue(t, f.manager, "profiles", models.OperationUpdate, "profile-1", 2)

	if _, err := f.manager.ProcessQueue(context.Background()); err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}

	calls, _ := h.recorded()
	want := []string{"profile-1", "goal-1", "log-1", "log-2"}
	if len(calls) != len(want) {
		t.Fatalf("got %d calls, want %d", len(calls), len(want))
	}
	for i, id := range want {
		if calls[i].recordID != id {
			t.Errorf("call %d = %s, want %s", i, calls[i].recordID, id)
		}
	}
}

// TestProcessQueue_batches verifies every entry is processed across batches.
func TestProcessQueue_batches(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	cfg.BatchPause = 5 * time.Millisecond
	f := setup(t, cfg, Options{})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("logs", h)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustQueue(t, f.manager, "logs", models.OperationCreate, id, 0)
	}

	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if len(results) != 5 || h.callCount() != 5 {
		t.Errorf("processed %d results with %d calls, want 5", len(results), h.callCount())
	}
}

// TestProcessQueue_offline verifies drains are no-ops while offline.
func TestProcessQueue_offline(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	f.monitor.SetOnline(false)

	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil || results != nil {
		t.Fatalf("offline ProcessQueue() = %v, %v; want nil, nil", results, err)
	}
	if h.callCount() != 0 {
		t.Error("no handler call expected while offline")
	}
	if status := mustStatus(t, f.manager); status.PendingCount != 1 || status.LastSyncAttempt != nil {
		t.Errorf("status = %+v, want untouched queue", status)
	}
}

// TestProcessQueue_metered verifies metered connections are respected when configured.
func TestProcessQueue_metered(t *testing.T) {
	cfg := testConfig()
	cfg.RespectMetered = true
	f := setup(t, cfg, Options{})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	f.monitor.Set(true, true)

	if results, _ := f.manager.ProcessQueue(context.Background()); results != nil || h.callCount() != 0 {
		t.Fatalf("metered drain ran %d calls", h.callCount())
	}

	cfg.RespectMetered = false
	f.manager.SetConfig(cfg)
	if results, _ := f.manager.ProcessQueue(context.Background()); len(results) != 1 {
		t.Errorf("drain after disabling RespectMetered returned %d results, want 1", len(results))
	}
}

// TestProcessQueue_singleFlight verifies a drain requested during another
// drain returns immediately.
func TestProcessQueue_singleFlight(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	done := make(chan []models.SyncResult)
	go func() {
		results, _ := f.manager.ProcessQueue(context.Background())
		done <- results
	}()
	<-h.entered

	if !mustStatus(t, f.manager).IsProcessing {
		t.Error("status should report processing during a drain")
	}
	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil || results != nil {
		t.Errorf("concurrent ProcessQueue() = %v, %v; want nil, nil", results, err)
	}

	close(h.release)
	if first := <-done; len(first) != 1 {
		t.Errorf("first drain returned %d results, want 1", len(first))
	}
	if h.callCount() != 1 {
		t.Errorf("handler called %d times, want 1", h.callCount())
	}
	if mustStatus(t, f.manager).IsProcessing {
		t.Error("processing flag should clear after the drain")
	}
}

// TestProcessQueue_noHandler verifies unhandled tables keep their entries
// without consuming retries.
func TestProcessQueue_noHandler(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	mustQueue(t, f.manager, "unknown", models.OperationCreate, "x-1", 0)

	results, err := f.manager.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() failed: %v", err)
	}
	if len(results) != 1 || results[0].Success || results[0].Code != string(apperrors.ErrSyncNoHandler) {
		t.Fatalf("results = %+v, want one SYNC_NO_HANDLER failure", results)
	}

	entries, _ := f.manager.Entries(context.Background())
	if len(entries) != 1 || entries[0].RetryCount != 0 || entries[0].ErrorMessage == "" {
		t.Errorf("entries = %+v, want one entry with error and no retries", entries)
	}

	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("unknown", h)
	if results, _ := f.manager.ProcessQueue(context.Background()); len(results) != 1 || !results[0].Success {
		t.Errorf("drain after registering handler = %+v", results)
	}
}

// TestProcessQueue_failureBackoff verifies failed entries wait out their backoff.
func TestProcessQueue_failureBackoff(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{fail: func(_ syncCall, attempt int) error {
		if attempt == 1 {
			return errors.New("connection reset")
		}
		return nil
	}}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationUpdate, "g-1", 1)
	ctx := context.Background()

	results, _ := f.manager.ProcessQueue(ctx)
	if len(results) != 1 || results[0].Success || results[0].Dropped {
		t.Fatalf("first drain = %+v, want one retryable failure", results)
	}
	if results[0].Code != string(apperrors.ErrSyncFailed) {
		t.Errorf("code = %s, want %s", results[0].Code, apperrors.ErrSyncFailed)
	}

	entries, _ := f.manager.Entries(ctx)
	if len(entries) != 1 || entries[0].RetryCount != 1 || entries[0].LastAttempt == nil {
		t.Fatalf("entries = %+v, want retry count 1", entries)
	}
	_, statuses := h.recorded()
	if len(statuses) != 1 || statuses[0].status != models.SyncStatusLocalOnly || statuses[0].opts.RetryCount != 1 {
		t.Errorf("status updates = %+v, want local_only with retry 1", statuses)
	}
	if got := mustStatus(t, f.manager).FailedCount; got != 1 {
		t.Errorf("FailedCount = %d, want 1", got)
	}

	if results, _ := f.manager.ProcessQueue(ctx); len(results) != 0 {
		t.Errorf("drain inside backoff window processed %d entries", len(results))
	}
	if f.manager.ScheduledRetries() != 1 {
		t.Errorf("ScheduledRetries() = %d, want 1", f.manager.ScheduledRetries())
	}

	f.clock.Advance(time.Second)
	results, _ = f.manager.ProcessQueue(ctx)
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("drain after backoff = %+v, want success", results)
	}
	if f.manager.ScheduledRetries() != 0 {
		t.Error("success should cancel the retry timer")
	}
}

// TestProcessQueue_dropAfterMaxRetries verifies exhausted entries are removed
// and their records marked failed.
func TestProcessQueue_dropAfterMaxRetries(t *testing.T) {
	rec := &countingRecorder{}
	f := setup(t, testConfig(), Options{Recorder: rec})
	h := &fakeHandler{fail: failAlways(errors.New("HTTP 503"))}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	ctx := context.Background()

	var last []models.SyncResult
	for i := 0; i < 5; i++ {
		var err error
		last, err = f.manager.ForceSyncAll(ctx)
		if err != nil {
			t.Fatalf("ForceSyncAll() #%d failed: %v", i+1, err)
		}
		if len(last) != 1 {
			t.Fatalf("ForceSyncAll() #%d returned %d results", i+1, len(last))
		}
		if i < 4 && last[0].Dropped {
			t.Fatalf("entry dropped early on attempt %d", i+1)
		}
	}
	if !last[0].Dropped {
		t.Fatal("fifth failure should drop the entry")
	}

	entries, _ := f.manager.Entries(ctx)
	if len(entries) != 0 {
		t.Errorf("got %d entries after drop, want 0", len(entries))
	}
	_, statuses := h.recorded()
	final := statuses[len(statuses)-1]
	if final.status != models.SyncStatusFailed || final.opts.RetryCount != 5 {
		t.Errorf("final status = %+v, want failed with retry 5", final)
	}
	if rec.dropped != 1 {
		t.Errorf("recorder dropped = %d, want 1", rec.dropped)
	}
	if f.manager.ScheduledRetries() != 0 {
		t.Error("dropped entry should not keep a retry timer")
	}
}

// TestProcessQueue_conflict verifies conflicts mark the record conflict.
func TestProcessQueue_conflict(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{fail: failAlways(apperrors.New(apperrors.ErrSyncConflict, "server version is newer"))}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationUpdate, "g-1", 1)

	results, _ := f.manager.ProcessQueue(context.Background())
	if len(results) != 1 || results[0].Code != string(apperrors.ErrSyncConflict) {
		t.Fatalf("results = %+v, want SYNC_CONFLICT", results)
	}
	_, statuses := h.recorded()
	if len(statuses) != 1 || statuses[0].status != models.SyncStatusConflict {
		t.Errorf("status updates = %+v, want conflict", statuses)
	}
}

// TestProcessQueue_deleteSkipsStatus verifies DELETE outcomes never touch local rows.
func TestProcessQueue_deleteSkipsStatus(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("meals", h)
	mustQueue(t, f.manager, "meals", models.OperationDelete, `{"user_id":"u"}`, 0)

	if results, _ := f.manager.ProcessQueue(context.Background()); len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	calls, statuses := h.recorded()
	if len(calls) != 1 || calls[0].op != models.OperationDelete {
		t.Errorf("calls = %+v", calls)
	}
	if len(statuses) != 0 {
		t.Errorf("DELETE should not update local status: %+v", statuses)
	}
}

// TestProcessQueue_perRecordOrder verifies a failing entry holds back later
// entries for the same record.
func TestProcessQueue_perRecordOrder(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{fail: func(call syncCall, _ int) error {
		if call.recordID == "g-1" && call.op == models.OperationCreate {
			return errors.New("timeout")
		}
		return nil
	}}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	mustQueue(t, f.manager, "goals", models.OperationUpdate, "g-1", 1)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-2", 1)

	results, _ := f.manager.ProcessQueue(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	calls, _ := h.recorded()
	for _, c := range calls {
		if c.recordID == "g-1" && c.op == models.OperationUpdate {
			t.Error("update for g-1 ran before its create succeeded")
		}
	}
}

// TestProcessQueue_deleteWaitsForCreate verifies a DELETE addressed by natural
// key stays behind a failing CREATE of the same local row.
func TestProcessQueue_deleteWaitsForCreate(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	ctx := context.Background()
	creates := 0
	h := &fakeHandler{fail: func(call syncCall, _ int) error {
		if call.op == models.OperationCreate {
			creates++
			if creates <= 2 {
				return errors.New("timeout")
			}
		}
		return nil
	}}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	if results, _ := f.manager.ProcessQueue(ctx); len(results) != 1 || results[0].Success {
		t.Fatalf("first drain = %+v, want one failure", results)
	}
	del, err := f.manager.QueueLocalOperation(ctx, "goals", models.OperationDelete, "g-1", `{"day":"2026-03-01"}`, nil, 1)
	if err != nil {
		t.Fatalf("QueueLocalOperation() failed: %v", err)
	}
	if del.LocalID != "g-1" || del.RowKey() != "g-1" {
		t.Errorf("delete entry = %+v", del)
	}

	// CREATE is inside its backoff window, so the DELETE must wait too.
	if results, _ := f.manager.ProcessQueue(ctx); len(results) != 0 {
		t.Fatalf("drain during backoff = %+v, want nothing sent", results)
	}
	if results, _ := f.manager.ForceSyncAll(ctx); len(results) != 1 || results[0].Operation != models.OperationCreate {
		t.Fatalf("second forced drain = %+v, want only the failing create", results)
	}
	if results, _ := f.manager.ForceSyncAll(ctx); len(results) != 2 {
		t.Fatalf("third forced drain = %+v, want create then delete", results)
	}

	calls, _ := h.recorded()
	var ops []models.Operation
	for _, c := range calls {
		ops = append(ops, c.op)
	}
	want := []models.Operation{models.OperationCreate, models.OperationCreate, models.OperationCreate, models.OperationDelete}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
	if calls[3].recordID != `{"day":"2026-03-01"}` {
		t.Errorf("delete sent as %q, want the natural key", calls[3].recordID)
	}
}

// TestForceSyncAll_callerCancelled verifies an accepted entry is removed and
// the drain recorded even when the caller's context ends mid-drain.
func TestForceSyncAll_callerCancelled(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &fakeHandler{fail: func(syncCall, int) error {
		cancel()
		return nil
	}}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-2", 1)

	results, err := f.manager.ForceSyncAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ForceSyncAll() error = %v, want context.Canceled", err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v, want the one accepted create", results)
	}

	entries, _ := f.manager.Entries(context.Background())
	if len(entries) != 1 || entries[0].RecordID != "g-2" {
		t.Fatalf("entries = %+v, want only g-2 left", entries)
	}
	_, statuses := h.recorded()
	if len(statuses) != 1 || statuses[0].recordID != "g-1" || statuses[0].status != models.SyncStatusSynced {
		t.Errorf("statuses = %+v, want g-1 synced", statuses)
	}
	status := mustStatus(t, f.manager)
	if status.LastSyncAttempt == nil || status.LastSuccessfulSync == nil || status.IsProcessing {
		t.Errorf("status = %+v, want drain recorded", status)
	}

	h.mu.Lock()
	h.fail = nil
	h.mu.Unlock()
	if _, err := f.manager.ForceSyncAll(context.Background()); err != nil {
		t.Fatalf("second ForceSyncAll() failed: %v", err)
	}
	calls, _ := h.recorded()
	if len(calls) != 2 || calls[1].recordID != "g-2" {
		t.Errorf("calls = %+v, want g-1 sent once then g-2", calls)
	}
}

// TestForceSyncAll_offline verifies force sync reports offline.
func TestForceSyncAll_offline(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	f.monitor.SetOnline(false)

	if _, err := f.manager.ForceSyncAll(context.Background()); !apperrors.Is(err, apperrors.ErrSyncOffline) {
		t.Errorf("ForceSyncAll() error = %v, want ErrSyncOffline", err)
	}
}

// =====================================================
// Administration Tests
// =====================================================

// TestClearFailedItems verifies entries at the retry ceiling are removed.
func TestClearFailedItems(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{fail: failAlways(errors.New("boom"))}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-2", 1)
	ctx := context.Background()

	f.manager.ForceSyncAll(ctx)
	f.manager.ForceSyncAll(ctx)

	cfg := testConfig()
	cfg.MaxRetries = 2
	f.manager.SetConfig(cfg)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-3", 1)

	n, err := f.manager.ClearFailedItems(ctx)
	if err != nil {
		t.Fatalf("ClearFailedItems() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("cleared %d entries, want 2", n)
	}
	entries, _ := f.manager.Entries(ctx)
	if len(entries) != 1 || entries[0].RecordID != "g-3" {
		t.Errorf("remaining entries = %+v, want only g-3", entries)
	}
}

// TestRecoverPending verifies unsynced rows without entries are re-enqueued.
func TestRecoverPending(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{pending: []models.PendingSnapshot{
		{RecordID: "g-1", Operation: models.OperationCreate, Data: json.RawMessage(`{"a":1}`), Priority: 1},
		{RecordID: "g-2", Operation: models.OperationUpdate, Data: json.RawMessage(`{"a":2}`), Priority: 1},
	}}
	f.manager.RegisterSyncHandler("goals", h)
	f.manager.RegisterSyncHandler("remote_only", SyncHandlerFunc(
		func(context.Context, models.Operation, string, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}))
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	n, err := f.manager.RecoverPending(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("RecoverPending() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d entries, want 1", n)
	}
	entries, _ := f.manager.Entries(context.Background())
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].RecordID != "g-2" || entries[1].Operation != models.OperationUpdate {
		t.Errorf("recovered entry = %+v", entries[1])
	}

	if n, _ := f.manager.RecoverPending(context.Background(), "user-1"); n != 0 {
		t.Errorf("second recovery created %d entries, want 0", n)
	}
}

// TestOnStatusChange_unsubscribe verifies listeners stop after unsubscribing.
func TestOnStatusChange_unsubscribe(t *testing.T) {
	f := setup(t, testConfig(), Options{})

	calls := 0
	unsubscribe := f.manager.OnStatusChange(func(models.QueueStatus) { calls++ })
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	unsubscribe()
	unsubscribe()
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-2", 1)

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

// TestOnStatusChange_drainLifecycle verifies drains publish start and end.
func TestOnStatusChange_drainLifecycle(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	f.manager.RegisterSyncHandler("goals", &fakeHandler{})
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	var seen []models.QueueStatus
	f.manager.OnStatusChange(func(s models.QueueStatus) { seen = append(seen, s) })
	f.manager.ProcessQueue(context.Background())

	if len(seen) < 2 {
		t.Fatalf("got %d snapshots, want at least 2", len(seen))
	}
	if !seen[0].IsProcessing {
		t.Error("first snapshot should report processing")
	}
	if final := seen[len(seen)-1]; final.IsProcessing || final.PendingCount != 0 {
		t.Errorf("final snapshot = %+v, want idle and empty", final)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestStart_reconnectDrains verifies reconnecting triggers a drain.
func TestStart_reconnectDrains(t *testing.T) {
	f := setup(t, testConfig(), Options{Now: time.Now})
	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)
	f.monitor.SetOnline(false)

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("second Start() failed: %v", err)
	}
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	time.Sleep(20 * time.Millisecond)
	if h.callCount() != 0 {
		t.Fatal("no sync expected while offline")
	}

	f.monitor.SetOnline(true)
	waitFor(t, func() bool { return h.callCount() == 1 })
	waitFor(t, func() bool { return mustStatus(t, f.manager).PendingCount == 0 })
}

// TestStart_retryTimer verifies a scheduled retry drains without a new trigger.
func TestStart_retryTimer(t *testing.T) {
	cfg := testConfig()
	cfg.BaseDelay = 20 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	f := setup(t, cfg, Options{Now: time.Now})
	h := &fakeHandler{fail: func(_ syncCall, attempt int) error {
		if attempt == 1 {
			return errors.New("flaky")
		}
		return nil
	}}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)

	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool { return h.callCount() >= 2 })
	waitFor(t, func() bool { return mustStatus(t, f.manager).PendingCount == 0 })
}

// TestRegisterSyncHandler_drainsWaitingEntries verifies entries queued before
// their handler existed go out once it is registered.
func TestRegisterSyncHandler_drainsWaitingEntries(t *testing.T) {
	f := setup(t, testConfig(), Options{Now: time.Now})
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool {
		entries, _ := f.manager.Entries(context.Background())
		return len(entries) == 1 && entries[0].ErrorMessage != "" && !mustStatus(t, f.manager).IsProcessing
	})

	h := &fakeHandler{}
	f.manager.RegisterSyncHandler("goals", h)
	waitFor(t, func() bool { return h.callCount() == 1 })
	waitFor(t, func() bool { return mustStatus(t, f.manager).PendingCount == 0 })
}

// TestClose verifies Close stops retry timers and is idempotent.
func TestClose(t *testing.T) {
	f := setup(t, testConfig(), Options{})
	h := &fakeHandler{fail: failAlways(errors.New("down"))}
	f.manager.RegisterSyncHandler("goals", h)
	mustQueue(t, f.manager, "goals", models.OperationCreate, "g-1", 1)
	if err := f.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool { return f.manager.ScheduledRetries() == 1 })

	if err := f.manager.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if f.manager.ScheduledRetries() != 0 {
		t.Error("Close should stop retry timers")
	}
	if err := f.manager.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
