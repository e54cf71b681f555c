package selfpreserve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/potatorick/jarvis/internal/models"
)

type fakeStore struct {
	handoffs map[string]*models.SelfPreservationHandoff
}

func newFakeStore() *fakeStore {
	return &fakeStore{handoffs: make(map[string]*models.SelfPreservationHandoff)}
}

func (f *fakeStore) CreateHandoff(ctx context.Context, h *models.SelfPreservationHandoff) error {
	f.handoffs[h.ID] = h
	return nil
}

func (f *fakeStore) GetHandoff(ctx context.Context, id string) (*models.SelfPreservationHandoff, error) {
	h, ok := f.handoffs[id]
	if !ok {
		return nil, errNotFound
	}
	return h, nil
}

func (f *fakeStore) UpdateHandoffStatus(ctx context.Context, id string, status models.HandoffStatus) error {
	h, ok := f.handoffs[id]
	if !ok {
		return errNotFound
	}
	h.Status = status
	h.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) ListStaleHandoffs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SelfPreservationHandoff, error) {
	var out []*models.SelfPreservationHandoff
	for _, h := range f.handoffs {
		if (h.Status == models.HandoffPending || h.Status == models.HandoffInProgress) && h.CreatedAt.Before(olderThan) {
			out = append(out, h)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveHandoffForTarget(ctx context.Context, target models.HandoffTarget) (*models.SelfPreservationHandoff, error) {
	for _, h := range f.handoffs {
		if h.Target == target && (h.Status == models.HandoffPending || h.Status == models.HandoffInProgress) {
			return h, nil
		}
	}
	return nil, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func TestRequestHandoffSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{
		OrchestratorURL: srv.URL,
		SigningKeyPath:  filepath.Join(dir, "key.hex"),
		NonceFile:       filepath.Join(dir, "nonces.json"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h, err := mgr.RequestHandoff(context.Background(), RestartRequest{
		Target:  models.HandoffSelf,
		Reason:  "fix_stuck_service needs a restart",
		Context: &models.RemediationContext{AlertFingerprint: "abc", AnalysisDraft: "draft"},
	})
	if err != nil {
		t.Fatalf("RequestHandoff: %v", err)
	}
	if h.Status != models.HandoffInProgress {
		t.Fatalf("expected in_progress, got %s", h.Status)
	}
}

func TestRequestHandoffOrchestratorNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{
		OrchestratorURL: srv.URL,
		SigningKeyPath:  filepath.Join(dir, "key.hex"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = mgr.RequestHandoff(context.Background(), RestartRequest{
		Target:  models.HandoffDatabase,
		Context: &models.RemediationContext{},
	})
	var hErr *HandoffError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asHandoffError(err, &hErr) || hErr.Kind != ErrWorkflowNotFound {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func asHandoffError(err error, target **HandoffError) bool {
	he, ok := err.(*HandoffError)
	if !ok {
		return false
	}
	*target = he
	return true
}

func TestResumeRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{SigningKeyPath: filepath.Join(dir, "key.hex")})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	h := &models.SelfPreservationHandoff{
		ID:     "h1",
		Target: models.HandoffSelf,
		Status: models.HandoffInProgress,
	}
	ctxBlob := &models.RemediationContext{AlertFingerprint: "xyz", RestartCount: 0}
	data, _ := json.Marshal(ctxBlob)
	h.SerializedContext = data
	store.handoffs[h.ID] = h

	resumed, err := mgr.Resume(context.Background(), "h1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.AlertFingerprint != "xyz" {
		t.Fatalf("got %q", resumed.AlertFingerprint)
	}
	if resumed.RestartCount != 1 {
		t.Fatalf("expected restart count incremented to 1, got %d", resumed.RestartCount)
	}
	if store.handoffs["h1"].Status != models.HandoffCompleted {
		t.Fatalf("expected status completed, got %s", store.handoffs["h1"].Status)
	}
}

func TestVerifyCallbackAcceptsGenuineSignature(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(newFakeStore(), Config{SigningKeyPath: filepath.Join(dir, "key.hex")})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	blob := []byte(`{"alert_fingerprint":"abc"}`)
	nonce := "nonce-1"
	sig := mgr.Sign(append(append([]byte{}, blob...), []byte(nonce)...))
	if err := mgr.VerifyCallback(blob, nonce, sig); err != nil {
		t.Errorf("expected genuine signature to verify, got %v", err)
	}
}

func TestVerifyCallbackRejectsTamperedContext(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(newFakeStore(), Config{SigningKeyPath: filepath.Join(dir, "key.hex")})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	blob := []byte(`{"alert_fingerprint":"abc"}`)
	nonce := "nonce-1"
	sig := mgr.Sign(append(append([]byte{}, blob...), []byte(nonce)...))
	tampered := []byte(`{"alert_fingerprint":"evil"}`)
	if err := mgr.VerifyCallback(tampered, nonce, sig); err == nil {
		t.Error("expected tampered context to fail verification")
	}
}

func TestVerifyResumeRequestUsesStoredHandoffContext(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{SigningKeyPath: filepath.Join(dir, "key.hex")})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	blob := []byte(`{"alert_fingerprint":"abc"}`)
	store.handoffs["h1"] = &models.SelfPreservationHandoff{ID: "h1", SerializedContext: blob, Status: models.HandoffInProgress}
	nonce := "nonce-1"
	sig := mgr.Sign(append(append([]byte{}, blob...), []byte(nonce)...))

	if err := mgr.VerifyResumeRequest(context.Background(), "h1", nonce, sig); err != nil {
		t.Errorf("expected valid callback to verify, got %v", err)
	}
	if err := mgr.VerifyResumeRequest(context.Background(), "h1", "wrong-nonce", sig); err == nil {
		t.Error("expected nonce mismatch to fail verification")
	}
}

func TestCleanupStaleBatches(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{SigningKeyPath: filepath.Join(dir, "key.hex"), StaleAfter: time.Minute})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		store.handoffs[id] = &models.SelfPreservationHandoff{ID: id, Status: models.HandoffPending, CreatedAt: old}
	}

	n, err := mgr.CleanupStale(context.Background())
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 cleaned up, got %d", n)
	}
	for _, h := range store.handoffs {
		if h.Status != models.HandoffTimeout {
			t.Fatalf("expected timeout status, got %s", h.Status)
		}
	}
}

func TestNonceReplayRejected(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	mgr, err := NewManager(store, Config{
		SigningKeyPath: filepath.Join(dir, "key.hex"),
		NonceFile:      filepath.Join(dir, "nonces.json"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := mgr.CheckAndRecordNonce("n1"); err != nil {
		t.Fatalf("first use should succeed: %v", err)
	}
	if err := mgr.CheckAndRecordNonce("n1"); err == nil {
		t.Fatal("expected replay to be rejected")
	}

	mgr2, err := NewManager(store, Config{
		SigningKeyPath: filepath.Join(dir, "key.hex"),
		NonceFile:      filepath.Join(dir, "nonces.json"),
	})
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	if err := mgr2.CheckAndRecordNonce("n1"); err == nil {
		t.Fatal("expected persisted nonce to survive reload")
	}
}

func TestSigningKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	keyPath := filepath.Join(dir, "key.hex")

	mgr1, err := NewManager(store, Config{SigningKeyPath: keyPath})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sig1 := mgr1.Sign([]byte("payload"))

	mgr2, err := NewManager(store, Config{SigningKeyPath: keyPath})
	if err != nil {
		t.Fatalf("NewManager reload: %v", err)
	}
	sig2 := mgr2.Sign([]byte("payload"))

	if sig1 != sig2 {
		t.Fatal("expected signing key to persist and produce identical signatures")
	}
}
