// Package selfpreserve implements the handoff lifecycle a remediation
// attempt uses when it needs to restart something that would otherwise
// kill the process mid-fix: itself, its database, the container daemon,
// or the host it runs on. A handoff serializes the in-flight
// RemediationContext, signs it, hands control to an external
// orchestrator, and resumes from the signed blob after the restart.
package selfpreserve

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/potatorick/jarvis/internal/models"
)

// ErrorKind differentiates why a handoff request to the orchestrator failed.
type ErrorKind string

const (
	ErrWorkflowNotFound      ErrorKind = "workflow_not_found"
	ErrOrchestratorServer    ErrorKind = "orchestrator_server_error"
	ErrOrchestratorClient    ErrorKind = "orchestrator_client_error"
)

// HandoffError carries an ErrorKind alongside the usual message, the way
// the rest of the pipeline distinguishes failure classes instead of
// string-matching error text.
type HandoffError struct {
	Kind ErrorKind
	Err  error
}

func (e *HandoffError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *HandoffError) Unwrap() error { return e.Err }

// Store is the persistence boundary selfpreserve needs from internal/store.
type Store interface {
	CreateHandoff(ctx context.Context, h *models.SelfPreservationHandoff) error
	GetHandoff(ctx context.Context, id string) (*models.SelfPreservationHandoff, error)
	UpdateHandoffStatus(ctx context.Context, id string, status models.HandoffStatus) error
	ListStaleHandoffs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SelfPreservationHandoff, error)
	ActiveHandoffForTarget(ctx context.Context, target models.HandoffTarget) (*models.SelfPreservationHandoff, error)
}

// Manager drives the pending -> in_progress -> completed/failed/timeout
// lifecycle of a restart handoff.
type Manager struct {
	store              Store
	orchestratorURL    string
	httpClient         *http.Client
	signingKey         ed25519.PrivateKey
	maxRestarts        int
	staleAfter         time.Duration
	nonceMu            sync.Mutex
	seenNonces         map[string]time.Time
	nonceFile          string
}

// Config configures a Manager.
type Config struct {
	OrchestratorURL string
	SigningKeyPath  string
	NonceFile       string
	MaxRestarts     int
	StaleAfter      time.Duration
	RequestTimeout  time.Duration
}

// NewManager builds a Manager, loading or creating the Ed25519 signing key
// used to authenticate handoff payloads and attempt-log integrity.
func NewManager(store Store, cfg Config) (*Manager, error) {
	key, err := LoadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = 30 * time.Minute
	}
	maxRestarts := cfg.MaxRestarts
	if maxRestarts == 0 {
		maxRestarts = 2
	}
	m := &Manager{
		store:           store,
		orchestratorURL: cfg.OrchestratorURL,
		httpClient:      &http.Client{Timeout: timeout},
		signingKey:      key,
		maxRestarts:     maxRestarts,
		staleAfter:      staleAfter,
		seenNonces:      make(map[string]time.Time),
		nonceFile:       cfg.NonceFile,
	}
	if err := m.loadNonces(); err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	return m, nil
}

// LoadOrCreateSigningKey loads an Ed25519 private key from path, or
// generates and persists a new one with owner-only permissions.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(bytes.TrimSpace(data)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("malformed signing key at %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	seed := priv.Seed()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return priv, nil
}

// Sign returns a hex-encoded Ed25519 signature over data.
func (m *Manager) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(m.signingKey, data))
}

// VerifyCallback checks the signature the orchestrator echoes back on
// /resume against the serialized context and nonce this Manager signed
// when it initiated the handoff — the same construction postToOrchestrator
// used, verified with the public half of the same signing key.
func (m *Manager) VerifyCallback(serializedContext []byte, nonce, signatureHex string) error {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	signed := append([]byte{}, serializedContext...)
	signed = append(signed, []byte(nonce)...)
	pub := m.signingKey.Public().(ed25519.PublicKey)
	if !ed25519.Verify(pub, signed, sig) {
		return fmt.Errorf("callback signature verification failed")
	}
	return nil
}

// RestartRequest asks the orchestrator to restart target, carrying the
// signed, serialized RemediationContext so the resumed process can pick
// the attempt back up.
type RestartRequest struct {
	Target      models.HandoffTarget
	Reason      string
	Context     *models.RemediationContext
	CallbackURL string
}

// RequestHandoff persists a pending handoff record, enforces the
// restart-count ceiling, and POSTs the signed payload to the orchestrator.
func (m *Manager) RequestHandoff(ctx context.Context, req RestartRequest) (*models.SelfPreservationHandoff, error) {
	if existing, err := m.store.ActiveHandoffForTarget(ctx, req.Target); err == nil && existing != nil {
		if existing.RestartCount >= m.maxRestarts {
			return nil, &HandoffError{Kind: ErrOrchestratorClient,
				Err: fmt.Errorf("target %s already at max restart count %d", req.Target, m.maxRestarts)}
		}
	}

	req.Context.CapSizes()
	serialized, err := json.Marshal(req.Context)
	if err != nil {
		return nil, fmt.Errorf("serialize context: %w", err)
	}

	h := &models.SelfPreservationHandoff{
		ID:                uuid.NewString(),
		Target:            req.Target,
		Reason:            req.Reason,
		SerializedContext: serialized,
		Status:            models.HandoffPending,
		CallbackURL:       req.CallbackURL,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := m.store.CreateHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("persist handoff: %w", err)
	}

	if err := m.postToOrchestrator(ctx, h); err != nil {
		_ = m.store.UpdateHandoffStatus(ctx, h.ID, models.HandoffFailed)
		return h, err
	}

	if err := m.store.UpdateHandoffStatus(ctx, h.ID, models.HandoffInProgress); err != nil {
		return h, fmt.Errorf("mark in_progress: %w", err)
	}
	h.Status = models.HandoffInProgress
	return h, nil
}

type orchestratorPayload struct {
	HandoffID string `json:"handoff_id"`
	Target    string `json:"target"`
	Reason    string `json:"reason"`
	Context   string `json:"context_b64"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
}

func (m *Manager) postToOrchestrator(ctx context.Context, h *models.SelfPreservationHandoff) error {
	if m.orchestratorURL == "" {
		return &HandoffError{Kind: ErrWorkflowNotFound, Err: fmt.Errorf("no orchestrator webhook configured")}
	}

	nonce := uuid.NewString()
	signed := append([]byte{}, h.SerializedContext...)
	signed = append(signed, []byte(nonce)...)

	payload := orchestratorPayload{
		HandoffID: h.ID,
		Target:    string(h.Target),
		Reason:    h.Reason,
		Context:   hex.EncodeToString(h.SerializedContext),
		Signature: m.Sign(signed),
		Nonce:     nonce,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode orchestrator payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.orchestratorURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build orchestrator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return &HandoffError{Kind: ErrOrchestratorClient, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &HandoffError{Kind: ErrWorkflowNotFound, Err: fmt.Errorf("orchestrator workflow not found: %s", respBody)}
	case resp.StatusCode >= 500:
		return &HandoffError{Kind: ErrOrchestratorServer, Err: fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, respBody)}
	case resp.StatusCode >= 400:
		return &HandoffError{Kind: ErrOrchestratorClient, Err: fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, respBody)}
	}
	return nil
}

// VerifyResumeRequest loads the named handoff and checks the orchestrator
// callback's signature before Resume touches anything, so a forged or
// mistargeted /resume POST can't replay an unrelated handoff's context.
func (m *Manager) VerifyResumeRequest(ctx context.Context, handoffID, nonce, signatureHex string) error {
	h, err := m.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return fmt.Errorf("load handoff: %w", err)
	}
	return m.VerifyCallback(h.SerializedContext, nonce, signatureHex)
}

// Resume completes a pending handoff after the process restarts, returning
// the deserialized RemediationContext so the reasoning loop can continue.
// Mirrors the two-phase marker-file handoff: a pending record on disk is
// the "I asked for a restart" marker, and Resume is the "I came back up"
// half of that transaction.
func (m *Manager) Resume(ctx context.Context, handoffID string) (*models.RemediationContext, error) {
	h, err := m.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, fmt.Errorf("load handoff: %w", err)
	}
	if h.Status != models.HandoffInProgress && h.Status != models.HandoffPending {
		return nil, fmt.Errorf("handoff %s is in terminal status %s, nothing to resume", handoffID, h.Status)
	}

	var rc models.RemediationContext
	if err := json.Unmarshal(h.SerializedContext, &rc); err != nil {
		return nil, fmt.Errorf("deserialize handoff context: %w", err)
	}
	rc.RestartCount++

	if err := m.store.UpdateHandoffStatus(ctx, handoffID, models.HandoffCompleted); err != nil {
		return &rc, fmt.Errorf("mark completed: %w", err)
	}
	return &rc, nil
}

// Cancel marks a still-pending handoff cancelled. It refuses to touch a
// handoff that has already moved past pending, since by then the
// orchestrator may already be acting on it.
func (m *Manager) Cancel(ctx context.Context, handoffID string) (*models.SelfPreservationHandoff, error) {
	h, err := m.store.GetHandoff(ctx, handoffID)
	if err != nil {
		return nil, fmt.Errorf("load handoff: %w", err)
	}
	if h.Status != models.HandoffPending {
		return nil, fmt.Errorf("handoff %s is %s, only a pending handoff can be cancelled", handoffID, h.Status)
	}
	if err := m.store.UpdateHandoffStatus(ctx, handoffID, models.HandoffCancelled); err != nil {
		return nil, fmt.Errorf("mark cancelled: %w", err)
	}
	h.Status = models.HandoffCancelled
	return h, nil
}

// CleanupStale marks handoffs that have sat past staleAfter as timed out,
// processed in batches so a large backlog never blocks startup for long.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	const batchSize = 100
	total := 0
	for {
		stale, err := m.store.ListStaleHandoffs(ctx, time.Now().Add(-m.staleAfter), batchSize)
		if err != nil {
			return total, fmt.Errorf("list stale handoffs: %w", err)
		}
		if len(stale) == 0 {
			return total, nil
		}
		for _, h := range stale {
			if err := m.store.UpdateHandoffStatus(ctx, h.ID, models.HandoffTimeout); err != nil {
				return total, fmt.Errorf("mark timeout for %s: %w", h.ID, err)
			}
			total++
		}
		if len(stale) < batchSize {
			return total, nil
		}
	}
}

// nonceRecord is the on-disk shape persisted to nonceFile.
type nonceRecord struct {
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}

const nonceTTL = 24 * time.Hour

// CheckAndRecordNonce rejects replayed orchestrator callbacks: a nonce
// already seen within the last 24h is refused.
func (m *Manager) CheckAndRecordNonce(nonce string) error {
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()

	m.evictExpiredNoncesLocked()
	if _, seen := m.seenNonces[nonce]; seen {
		return fmt.Errorf("nonce %s already used", nonce)
	}
	m.seenNonces[nonce] = time.Now()
	return m.persistNoncesLocked()
}

func (m *Manager) evictExpiredNoncesLocked() {
	cutoff := time.Now().Add(-nonceTTL)
	for n, t := range m.seenNonces {
		if t.Before(cutoff) {
			delete(m.seenNonces, n)
		}
	}
}

func (m *Manager) persistNoncesLocked() error {
	if m.nonceFile == "" {
		return nil
	}
	records := make([]nonceRecord, 0, len(m.seenNonces))
	for n, t := range m.seenNonces {
		records = append(records, nonceRecord{Nonce: n, CreatedAt: t})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal nonces: %w", err)
	}
	tmp := m.nonceFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write nonce tmp file: %w", err)
	}
	return os.Rename(tmp, m.nonceFile)
}

func (m *Manager) loadNonces() error {
	if m.nonceFile == "" {
		return nil
	}
	data, err := os.ReadFile(m.nonceFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records []nonceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse nonce file: %w", err)
	}
	cutoff := time.Now().Add(-nonceTTL)
	for _, r := range records {
		if r.CreatedAt.After(cutoff) {
			m.seenNonces[r.Nonce] = r.CreatedAt
		}
	}
	return nil
}
