package stats

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

func TestHistory_RejectsUnsealed(t *testing.T) {
	t.Parallel()

	h := NewHistory(filepath.Join(t.TempDir(), "history.csv"))
	err := h.Append(model.ConnectionRecord{ID: "r1", LocationID: "loc-1", StartedAt: time.Now()})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestHistory_AppendAndReadBack(t *testing.T) {
	t.Parallel()

	h := NewHistory(filepath.Join(t.TempDir(), "history.csv"))

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ended := started.Add(45 * time.Minute)
	handshake := ended.Add(-time.Minute)
	rec := model.ConnectionRecord{
		ID:               "r1",
		LocationID:       "loc-1",
		StartedAt:        started,
		EndedAt:          &ended,
		BytesUp:          1234,
		BytesDown:        98765,
		LastHandshakeAt:  &handshake,
		PeerObservedAddr: "203.0.113.9:41641",
	}
	if err := h.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	rec2 := rec
	rec2.ID = "r2"
	rec2.LastHandshakeAt = nil
	rec2.PeerObservedAddr = ""
	if err := h.Append(rec2); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := h.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d", len(records))
	}
	if diff := cmp.Diff(rec, records[0]); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	if records[1].LastHandshakeAt != nil {
		t.Fatalf("expected empty handshake, got %v", records[1].LastHandshakeAt)
	}
}

func TestHistory_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	h := NewHistory(filepath.Join(t.TempDir(), "history.csv"))
	records, err := h.Records()
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("records=%d", len(records))
	}
}
