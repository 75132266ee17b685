package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/ocr-relay/internal/recognizer"
	"github.com/example/ocr-relay/internal/registry"
)

type stubStore struct {
	saved   map[string][]byte
	saveErr error
	openErr error
}

func newStubStore() *stubStore {
	return &stubStore{saved: make(map[string][]byte)}
}

func (s *stubStore) Save(filename string, src io.Reader) (int64, error) {
	if s.saveErr != nil {
		return 0, s.saveErr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	s.saved[filename] = data
	return int64(len(data)), nil
}

func (s *stubStore) Open(filename string) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	data, ok := s.saved[filename]
	if !ok {
		return nil, errors.New("not saved")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *stubStore) Path(filename string) (string, error) {
	if _, ok := s.saved[filename]; !ok {
		return "", errors.New("not saved")
	}
	return "uploads/" + filename, nil
}

func (s *stubStore) Remove(filename string) error {
	delete(s.saved, filename)
	return nil
}

// faultyRegistry wraps a real registry and injects failures into
// individual operations.
type faultyRegistry struct {
	registry.Registry
	createErr error
	failErr   error
}

func (f *faultyRegistry) Create(ctx context.Context, rec *registry.Record) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Registry.Create(ctx, rec)
}

func (f *faultyRegistry) Fail(ctx context.Context, processingID string, message string) (*registry.Record, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.Registry.Fail(ctx, processingID, message)
}

type stubRecognizer struct {
	mu       sync.Mutex
	requests []recognizer.Request
	result   *registry.Result
	err      error
	done     chan struct{}
}

func newStubRecognizer(result *registry.Result, err error) *stubRecognizer {
	return &stubRecognizer{result: result, err: err, done: make(chan struct{}, 8)}
}

func (s *stubRecognizer) Recognize(ctx context.Context, req recognizer.Request) (*registry.Result, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	defer func() { s.done <- struct{}{} }()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubRecognizer) waitForCall(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer was not called in time")
	}
}

func newTestUseCase(reg registry.Registry, store ImageStore, client recognizer.Client) *ProcessingUseCase {
	return NewProcessingUseCase(reg, store, client, "http://localhost:8080/api/webhook/ocr-result", zap.NewNop())
}

func TestSubmitCreatesPendingRecord(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	client := newStubRecognizer(nil, nil)
	uc := newTestUseCase(reg, store, client)

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rec.ProcessingID == "" {
		t.Fatal("expected a processing identifier")
	}
	if rec.Status != registry.StatusProcessing {
		t.Fatalf("expected status %s, got %s", registry.StatusProcessing, rec.Status)
	}
	if rec.ImageInfo.OriginalName != "photo.png" {
		t.Fatalf("unexpected original name: %s", rec.ImageInfo.OriginalName)
	}
	if rec.ImageInfo.Size != int64(len("image data")) {
		t.Fatalf("unexpected size: %d", rec.ImageInfo.Size)
	}

	// The record is observable immediately, independent of dispatch.
	got, err := uc.GetRecord(context.Background(), rec.ProcessingID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != registry.StatusProcessing {
		t.Fatalf("expected status %s, got %s", registry.StatusProcessing, got.Status)
	}
	client.waitForCall(t)
}

func TestSubmitDispatchCarriesCallbackAndMetadata(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	client := newStubRecognizer(nil, nil)
	uc := newTestUseCase(reg, store, client)

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.waitForCall(t)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.requests) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.ProcessingID != rec.ProcessingID {
		t.Fatalf("dispatch used wrong processing identifier: %s", req.ProcessingID)
	}
	if req.CallbackURL != "http://localhost:8080/api/webhook/ocr-result" {
		t.Fatalf("unexpected callback URL: %s", req.CallbackURL)
	}
	if req.OriginalName != "photo.png" || req.Size != int64(len("image data")) {
		t.Fatalf("unexpected metadata: %+v", req)
	}
}

func TestSubmitInlineResponseCompletesRecord(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	client := newStubRecognizer(&registry.Result{Text: "inline", Confidence: 0.8, Language: "en"}, nil)
	uc := newTestUseCase(reg, store, client)

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.waitForCall(t)
	waitForTerminal(t, uc, rec.ProcessingID)

	got, _ := uc.GetRecord(context.Background(), rec.ProcessingID)
	if got.Status != registry.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || got.Result.Text != "inline" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
}

func TestSubmitRecognizerFailureFailsRecord(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	client := newStubRecognizer(nil, errors.New("connection refused"))
	uc := newTestUseCase(reg, store, client)

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	client.waitForCall(t)
	waitForTerminal(t, uc, rec.ProcessingID)

	got, _ := uc.GetRecord(context.Background(), rec.ProcessingID)
	if got.Status != registry.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected non-empty error message")
	}
	if got.Result != nil {
		t.Fatalf("expected nil result, got %+v", got.Result)
	}
}

func TestSubmitSetupFailureFailsRecordBeforeReturn(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	store.openErr = errors.New("disk gone")
	client := newStubRecognizer(nil, nil)
	uc := newTestUseCase(reg, store, client)

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if rec.Status != registry.StatusError {
		t.Fatalf("expected error status before return, got %s", rec.Status)
	}
	if !strings.Contains(rec.Error, "dispatch setup failed") {
		t.Fatalf("unexpected error message: %q", rec.Error)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.requests) != 0 {
		t.Fatalf("recognizer must not be called on setup failure, got %d calls", len(client.requests))
	}
}

func TestSubmitSetupFailurePropagatesRegistryError(t *testing.T) {
	reg := &faultyRegistry{
		Registry: newMemoryRegistry(),
		failErr:  errors.New("redis: connection reset"),
	}
	store := newStubStore()
	store.openErr = errors.New("disk gone")
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err == nil {
		t.Fatal("expected error when the record cannot be failed")
	}
	if rec != nil {
		t.Fatalf("expected nil record alongside the error, got %+v", rec)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected registry error to surface, got %q", err.Error())
	}
}

func TestSubmitRemovesUploadWhenCreateFails(t *testing.T) {
	reg := &faultyRegistry{
		Registry:  newMemoryRegistry(),
		createErr: errors.New("registry down"),
	}
	store := newStubStore()
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	if _, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data")); err == nil {
		t.Fatal("expected error when record creation fails")
	}
	if len(store.saved) != 0 {
		t.Fatalf("expected orphaned upload to be removed, %d files remain", len(store.saved))
	}
}

func TestSubmitStoreFailureReturnsError(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	store.saveErr = errors.New("no space")
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	if _, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("x")); err == nil {
		t.Fatal("expected error when storage fails")
	}
	stats, _ := uc.GetStats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("expected no record on storage failure, got %d", stats.Total)
	}
}

func TestHandleCallbackCompletesWithNestedResult(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	raw := json.RawMessage(`{"candidates":[{"content":{"parts":[{"text":"你好"}]},"avgLogprobs":0}]}`)
	got, err := uc.HandleCallback(context.Background(), rec.ProcessingID, raw, "")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if got.Status != registry.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Result == nil || got.Result.Text != "你好" {
		t.Fatalf("unexpected result: %+v", got.Result)
	}
	if got.Result.Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %f", got.Result.Confidence)
	}
}

func TestHandleCallbackErrorWinsOverResult(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	raw := json.RawMessage(`{"text":"should be ignored"}`)
	got, err := uc.HandleCallback(context.Background(), rec.ProcessingID, raw, "model unavailable")
	if err != nil {
		t.Fatalf("callback failed: %v", err)
	}
	if got.Status != registry.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if got.Result != nil {
		t.Fatalf("expected nil result, got %+v", got.Result)
	}
	if got.Error != "model unavailable" {
		t.Fatalf("unexpected error message: %q", got.Error)
	}
}

func TestHandleCallbackUnknownIDReturnsNotFound(t *testing.T) {
	reg := newMemoryRegistry()
	uc := newTestUseCase(reg, newStubStore(), newStubRecognizer(nil, nil))

	_, err := uc.HandleCallback(context.Background(), "proc_unknown", nil, "")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	stats, _ := uc.GetStats(context.Background())
	if stats.Total != 0 {
		t.Fatalf("registry must be unchanged, got %d records", stats.Total)
	}
}

func TestHandleCallbackOnSettledRecordIsIdempotent(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := uc.HandleCallback(context.Background(), rec.ProcessingID, json.RawMessage(`{"text":"first"}`), ""); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}

	// A late duplicate must ack without touching the settled result.
	got, err := uc.HandleCallback(context.Background(), rec.ProcessingID, json.RawMessage(`{"text":"second"}`), "")
	if err != nil {
		t.Fatalf("duplicate callback should ack, got %v", err)
	}
	if got.Result == nil || got.Result.Text != "first" {
		t.Fatalf("settled result was overwritten: %+v", got.Result)
	}

	got, err = uc.HandleCallback(context.Background(), rec.ProcessingID, nil, "late failure")
	if err != nil {
		t.Fatalf("late failure callback should ack, got %v", err)
	}
	if got.Status != registry.StatusCompleted {
		t.Fatalf("settled status was overwritten: %s", got.Status)
	}
}

func TestPollingIsIdempotent(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	uc := newTestUseCase(reg, store, newStubRecognizer(nil, nil))

	rec, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := uc.HandleCallback(context.Background(), rec.ProcessingID, json.RawMessage(`{"text":"final"}`), ""); err != nil {
		t.Fatalf("callback failed: %v", err)
	}

	first, err := uc.GetRecord(context.Background(), rec.ProcessingID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := uc.GetRecord(context.Background(), rec.ProcessingID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if again.Status != first.Status || again.Result.Text != first.Result.Text || !again.CompletedAt.Equal(*first.CompletedAt) {
			t.Fatalf("poll %d returned different data: %+v vs %+v", i, again, first)
		}
	}
}

func TestDrainWaitsForInflightDispatch(t *testing.T) {
	reg := newMemoryRegistry()
	store := newStubStore()
	client := newStubRecognizer(nil, nil)
	uc := newTestUseCase(reg, store, client)

	if _, err := uc.Submit(context.Background(), "photo.png", strings.NewReader("image data")); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := uc.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
}

// newMemoryRegistry keeps test construction in one place.
func newMemoryRegistry() registry.Registry {
	return registry.NewMemoryRegistry()
}

func waitForTerminal(t *testing.T, uc *ProcessingUseCase, processingID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := uc.GetRecord(context.Background(), processingID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if rec.Status.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("record %s did not reach a terminal state", processingID)
}
