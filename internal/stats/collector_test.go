package stats

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/wireguard"
)

type fakeDevice struct {
	mu  sync.Mutex
	s   wireguard.DeviceStats
	err error
}

func (d *fakeDevice) Configure(iface string, cfg wireguard.DeviceConfig) error { return nil }

func (d *fakeDevice) Stats(iface string) (wireguard.DeviceStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.s, d.err
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) set(up, down int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.s.BytesUp = up
	d.s.BytesDown = down
	d.s.LastHandshake = time.Now()
}

func (d *fakeDevice) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

type lostLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *lostLog) report(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *lostLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func testCollector(t *testing.T, dev *fakeDevice, lost *lostLog) *Collector {
	t.Helper()
	onLost := func(string) {}
	if lost != nil {
		onLost = lost.report
	}
	return NewCollector(Options{
		History: NewHistory(filepath.Join(t.TempDir(), "history.csv")),
		Device:  dev,
		// Keep the ticker out of the way; tests drive Sample directly.
		Interval: time.Hour,
		OnLost:   onLost,
	})
}

func TestSealOnDisconnect(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	c := testCollector(t, dev, nil)

	started := time.Now().Add(-time.Minute)
	c.OnConnected("loc-1", "dg0", started)
	dev.set(100, 50)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	dev.set(250, 120)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	ended := time.Now()
	c.OnDisconnected("loc-1", ended)

	records, err := c.Records("loc-1", time.Time{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
	rec := records[0]
	if !rec.Sealed() {
		t.Fatalf("record not sealed")
	}
	if rec.BytesUp != 250 || rec.BytesDown != 120 {
		t.Fatalf("bytes=%d/%d", rec.BytesUp, rec.BytesDown)
	}
	if rec.LastHandshakeAt == nil {
		t.Fatalf("no handshake recorded")
	}

	// Sealed means sealed: no further samples land anywhere.
	if err := c.Sample("loc-1"); err == nil {
		t.Fatalf("expected error sampling after disconnect")
	}
}

func TestInterfaceLost_SealsWithLastGoodValues(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	lost := &lostLog{}
	c := testCollector(t, dev, lost)

	c.OnConnected("loc-1", "dg0", time.Now())
	dev.set(100, 50)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	dev.set(250, 120)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	dev.fail(errors.New("no such device"))
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	records, err := c.Records("loc-1", time.Time{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || !records[0].Sealed() {
		t.Fatalf("records=%+v", records)
	}
	if records[0].BytesUp != 250 || records[0].BytesDown != 120 {
		t.Fatalf("bytes=%d/%d", records[0].BytesUp, records[0].BytesDown)
	}
	if got := lost.snapshot(); len(got) != 1 || got[0] != "loc-1" {
		t.Fatalf("lost=%v", got)
	}

	// A later OnDisconnected (from the manager teardown) is a no-op.
	c.OnDisconnected("loc-1", time.Now())
	records, err = c.Records("loc-1", time.Time{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records=%d", len(records))
	}
}

func TestCounterReset_StartsNewRecord(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	c := testCollector(t, dev, nil)

	c.OnConnected("loc-1", "dg0", time.Now())
	dev.set(100, 50)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	// Interface recreated underneath us: counters go backwards.
	dev.set(10, 5)
	if err := c.Sample("loc-1"); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	records, err := c.Records("loc-1", time.Time{})
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d", len(records))
	}
	old, fresh := records[0], records[1]
	if !old.Sealed() || old.BytesUp != 100 || old.BytesDown != 50 {
		t.Fatalf("old=%+v", old)
	}
	if fresh.Sealed() {
		t.Fatalf("fresh record already sealed")
	}
	if fresh.BytesUp != 10 || fresh.BytesDown != 5 {
		t.Fatalf("fresh=%+v", fresh)
	}
	if fresh.ID == old.ID {
		t.Fatalf("record id reused")
	}
}

func TestRecords_SinceFilter(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	c := testCollector(t, dev, nil)

	c.OnConnected("loc-1", "dg0", time.Now().Add(-2*time.Hour))
	c.OnDisconnected("loc-1", time.Now().Add(-time.Hour))
	c.OnConnected("loc-1", "dg0", time.Now())

	records, err := c.Records("loc-1", time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	if len(records) != 1 || records[0].Sealed() {
		t.Fatalf("records=%+v", records)
	}
	c.OnDisconnected("loc-1", time.Now())
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	now := time.Now()
	end := now.Add(-30 * time.Minute)
	records := []model.ConnectionRecord{
		{StartedAt: now.Add(-time.Hour), EndedAt: &end, BytesUp: 100, BytesDown: 200},
		{StartedAt: now.Add(-10 * time.Minute), BytesUp: 50, BytesDown: 25},
	}
	s := Summarize(records, now.Add(-2*time.Hour), now)
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.TotalBytesUp != 150 || s.TotalBytesDown != 225 {
		t.Fatalf("bytes=%d/%d", s.TotalBytesUp, s.TotalBytesDown)
	}
	if want := 40 * time.Minute; s.TotalConnected != want {
		t.Fatalf("connected=%v", s.TotalConnected)
	}
}
