package stats

import (
	"time"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

// Summary aggregates a location's connection history over a window.
type Summary struct {
	Count          int           `json:"count"`
	From           time.Time     `json:"from"`
	To             time.Time     `json:"to"`
	TotalBytesUp   int64         `json:"total_bytes_up"`
	TotalBytesDown int64         `json:"total_bytes_down"`
	TotalConnected time.Duration `json:"total_connected_ns"`
}

// Summarize computes totals for records starting at or after since.
// In-progress records contribute their current counters; their open end is
// counted up to now.
func Summarize(records []model.ConnectionRecord, since, now time.Time) Summary {
	var s Summary
	for _, rec := range records {
		if rec.StartedAt.Before(since) {
			continue
		}
		if s.Count == 0 || rec.StartedAt.Before(s.From) {
			s.From = rec.StartedAt
		}
		end := now
		if rec.EndedAt != nil {
			end = *rec.EndedAt
		}
		if end.After(s.To) {
			s.To = end
		}
		s.Count++
		s.TotalBytesUp += rec.BytesUp
		s.TotalBytesDown += rec.BytesDown
		if end.After(rec.StartedAt) {
			s.TotalConnected += end.Sub(rec.StartedAt)
		}
	}
	return s
}
