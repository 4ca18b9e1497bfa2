package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

var historyHeader = []string{
	"id",
	"location_id",
	"started_at",
	"ended_at",
	"bytes_up",
	"bytes_down",
	"last_handshake_at",
	"peer_observed_addr",
}

// History is the append-only store of sealed connection records. Records
// are only ever appended, never rewritten.
type History struct {
	path string
	mu   sync.Mutex
}

func NewHistory(path string) *History {
	return &History{path: path}
}

// Append writes one sealed record. Unsealed records are a programming
// error and rejected.
func (h *History) Append(rec model.ConnectionRecord) error {
	if !rec.Sealed() {
		return fmt.Errorf("record %s is not sealed", rec.ID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return err
	}
	_, statErr := os.Stat(h.path)
	file, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if os.IsNotExist(statErr) {
		if err := writer.Write(historyHeader); err != nil {
			return err
		}
	}

	row := []string{
		rec.ID,
		rec.LocationID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.EndedAt.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(rec.BytesUp, 10),
		strconv.FormatInt(rec.BytesDown, 10),
		formatOptionalTime(rec.LastHandshakeAt),
		rec.PeerObservedAddr,
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// Records returns all sealed records, oldest first.
func (h *History) Records() ([]model.ConnectionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	return readRecords(file)
}

func readRecords(r io.Reader) ([]model.ConnectionRecord, error) {
	reader := csv.NewReader(r)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	start := 0
	if len(rows[0]) > 0 && rows[0][0] == "id" {
		start = 1
	}

	records := make([]model.ConnectionRecord, 0, len(rows)-start)
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if len(row) < len(historyHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		startedAt, err := time.Parse(time.RFC3339Nano, row[2])
		if err != nil {
			return nil, fmt.Errorf("invalid started_at at line %d: %w", i+1, err)
		}
		endedAt, err := time.Parse(time.RFC3339Nano, row[3])
		if err != nil {
			return nil, fmt.Errorf("invalid ended_at at line %d: %w", i+1, err)
		}
		up, _ := strconv.ParseInt(row[4], 10, 64)
		down, _ := strconv.ParseInt(row[5], 10, 64)
		records = append(records, model.ConnectionRecord{
			ID:               row[0],
			LocationID:       row[1],
			StartedAt:        startedAt,
			EndedAt:          &endedAt,
			BytesUp:          up,
			BytesDown:        down,
			LastHandshakeAt:  parseOptionalTime(row[6]),
			PeerObservedAddr: row[7],
		})
	}
	return records, nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseOptionalTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
