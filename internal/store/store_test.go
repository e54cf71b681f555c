package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/potatorick/jarvis/internal/models"
)

// fakeRow lets the scan helpers be exercised without a live Postgres
// connection: it plays back a fixed set of values, or a fixed error, the
// way a pgx.Row/pgx.Rows would.
type fakeRow struct {
	values []interface{}
	err    error
}

func (f fakeRow) Scan(dest ...interface{}) error {
	if f.err != nil {
		return f.err
	}
	if len(dest) != len(f.values) {
		return errors.New("fakeRow: column count mismatch")
	}
	for i, d := range dest {
		switch ptr := d.(type) {
		case *string:
			*ptr = f.values[i].(string)
		case **string:
			*ptr = f.values[i].(*string)
		case *int:
			*ptr = f.values[i].(int)
		case *float64:
			*ptr = f.values[i].(float64)
		case *[]string:
			*ptr = f.values[i].([]string)
		case *[]byte:
			*ptr = f.values[i].([]byte)
		case *models.RiskTier:
			*ptr = f.values[i].(models.RiskTier)
		case *models.PatternSource:
			*ptr = f.values[i].(models.PatternSource)
		case *time.Time:
			*ptr = f.values[i].(time.Time)
		case **time.Time:
			*ptr = f.values[i].(*time.Time)
		default:
			return errors.New("fakeRow: unsupported dest type")
		}
	}
	return nil
}

func TestScanPatternNullableFieldsPresent(t *testing.T) {
	now := time.Now()
	host := "vault"
	row := fakeRow{values: []interface{}{
		"p1", "HighDiskUsage", "disk", "HighDiskUsage|host=vault", &host,
		[]string{"journalctl --vacuum-size=500M"}, 5, 1, 0.91,
		models.RiskLow, models.PatternReasoned, (*string)(nil), (*string)(nil),
		now, now,
	}}
	p, err := scanPattern(row)
	if err != nil {
		t.Fatalf("scanPattern error: %v", err)
	}
	if p.TargetHost != "vault" {
		t.Errorf("expected target host vault, got %q", p.TargetHost)
	}
	if p.Tier() != models.TierCached {
		t.Errorf("expected cached tier, got %v", p.Tier())
	}
}

func TestScanPatternNullableFieldsAbsent(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []interface{}{
		"p2", "ContainerDown", "container", "ContainerDown|container=omada", (*string)(nil),
		[]string{"docker restart omada"}, 1, 0, 0.5,
		models.RiskLow, models.PatternReasoned, (*string)(nil), (*string)(nil),
		now, now,
	}}
	p, err := scanPattern(row)
	if err != nil {
		t.Fatalf("scanPattern error: %v", err)
	}
	if p.TargetHost != "" {
		t.Errorf("expected empty target host, got %q", p.TargetHost)
	}
}

func TestScanHandoffRowNotFound(t *testing.T) {
	row := fakeRow{err: pgx.ErrNoRows}
	_, err := scanHandoffRow(row)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestScanHandoffRowFound(t *testing.T) {
	now := time.Now()
	row := fakeRow{values: []interface{}{
		"h1", "self", "repeated OOM", []byte(`{}`), "pending", "https://orchestrator.local/hooks/jarvis",
		"", 0, now, now,
	}}
	h, err := scanHandoffRow(row)
	if err != nil {
		t.Fatalf("scanHandoffRow error: %v", err)
	}
	if h.Target != models.HandoffSelf || h.Status != models.HandoffPending {
		t.Errorf("unexpected handoff: %+v", h)
	}
}

func TestRecordAttemptRejectsUnfinalized(t *testing.T) {
	db := &DB{}
	attempt := &models.RemediationAttempt{ID: "a1"}
	if err := db.RecordAttempt(nil, attempt); err == nil {
		t.Error("expected error recording an unfinalized attempt")
	}
}

func TestHandoffSentinelErrorsDistinct(t *testing.T) {
	if errors.Is(ErrHandoffActive, ErrNotFound) {
		t.Error("ErrHandoffActive and ErrNotFound should be distinct")
	}
}
