package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/netprobe"
	"github.com/YuzuZensai/defguard-client/internal/wireguard"
)

// Options configures a Collector.
type Options struct {
	History  *History
	Device   wireguard.Device
	Interval time.Duration
	// STUNServers, when set, are probed once per connection to record the
	// address the outside world observed for us.
	STUNServers []string
	// OnLost is called (without collector locks held) when sampling finds
	// the interface gone. Wired to the tunnel manager's MarkLost.
	OnLost func(locationID string)
	Log    *zap.SugaredLogger
}

// Collector samples active tunnels and maintains connection history. It
// implements tunnel.Listener.
type Collector struct {
	history  *History
	dev      wireguard.Device
	interval time.Duration
	stun     []string
	onLost   func(string)
	log      *zap.SugaredLogger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	locationID string
	iface      string
	record     model.ConnectionRecord
	stop       chan struct{}
	done       chan struct{}
}

func NewCollector(opts Options) *Collector {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.OnLost == nil {
		opts.OnLost = func(string) {}
	}
	if opts.Log == nil {
		opts.Log = zap.S()
	}
	return &Collector{
		history:  opts.History,
		dev:      opts.Device,
		interval: opts.Interval,
		stun:     opts.STUNServers,
		onLost:   opts.OnLost,
		log:      opts.Log,
		now:      time.Now,
		active:   make(map[string]*session),
	}
}

// OnConnected opens an in-progress record and starts the sampling loop
// for the location. One loop runs per location, independently.
func (c *Collector) OnConnected(locationID, iface string, at time.Time) {
	s := &session{
		locationID: locationID,
		iface:      iface,
		record: model.ConnectionRecord{
			ID:         uuid.NewString(),
			LocationID: locationID,
			StartedAt:  at,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if old, exists := c.active[locationID]; exists {
		// Should not happen given the tunnel manager's event ordering;
		// seal the stale record rather than lose it.
		c.log.Errorf("location %s already has an open record %s", locationID, old.record.ID)
		c.sealLocked(old, at)
	}
	c.active[locationID] = s
	c.mu.Unlock()

	go c.run(s)
}

// OnDisconnected stops the sampler and seals the in-progress record.
func (c *Collector) OnDisconnected(locationID string, at time.Time) {
	c.mu.Lock()
	s, ok := c.active[locationID]
	if !ok {
		// Already sealed by a sampling failure; nothing to do.
		c.mu.Unlock()
		return
	}
	delete(c.active, locationID)
	c.mu.Unlock()

	close(s.stop)
	<-s.done

	c.mu.Lock()
	c.sealLocked(s, at)
	c.mu.Unlock()
}

func (c *Collector) run(s *session) {
	defer close(s.done)

	if len(c.stun) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		addr, err := netprobe.ObservedAddr(ctx, c.stun, 5*time.Second)
		cancel()
		if err != nil {
			c.log.Debugf("observed address probe failed: %v", err)
		} else {
			c.mu.Lock()
			s.record.PeerObservedAddr = addr
			c.mu.Unlock()
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !c.sampleSession(s) {
				return
			}
		}
	}
}

// Sample takes one immediate sample for the location. It returns an error
// when no tunnel is being collected for it.
func (c *Collector) Sample(locationID string) error {
	c.mu.Lock()
	s, ok := c.active[locationID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active record for location %s", locationID)
	}
	c.sampleSession(s)
	return nil
}

// sampleSession reads the device counters once. It returns false when the
// session ended (interface lost); the record is then already sealed and
// the loss reported upstream.
func (c *Collector) sampleSession(s *session) bool {
	stats, err := c.dev.Stats(s.iface)
	now := c.now()

	if err != nil {
		// Interface vanished: implicit disconnect. Seal with the last
		// known good values, never drop the record.
		c.mu.Lock()
		if _, stillActive := c.active[s.locationID]; !stillActive {
			c.mu.Unlock()
			return false
		}
		delete(c.active, s.locationID)
		c.sealLocked(s, now)
		c.mu.Unlock()

		c.log.Errorf("sampling %s failed, treating as disconnect: %v", s.iface, err)
		c.onLost(s.locationID)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, stillActive := c.active[s.locationID]; !stillActive {
		return false
	}

	if stats.BytesUp < s.record.BytesUp || stats.BytesDown < s.record.BytesDown {
		// Counter reset: the interface was recreated underneath us. The
		// old record is sealed as-is and a fresh one starts; sealed
		// records are never patched.
		c.sealLocked(s, now)
		s.record = model.ConnectionRecord{
			ID:         uuid.NewString(),
			LocationID: s.locationID,
			StartedAt:  now,
			BytesUp:    stats.BytesUp,
			BytesDown:  stats.BytesDown,
		}
		return true
	}

	s.record.BytesUp = stats.BytesUp
	s.record.BytesDown = stats.BytesDown
	if !stats.LastHandshake.IsZero() {
		hs := stats.LastHandshake
		s.record.LastHandshakeAt = &hs
	}
	if stats.PeerEndpoint != "" && s.record.PeerObservedAddr == "" {
		s.record.PeerObservedAddr = stats.PeerEndpoint
	}
	return true
}

// sealLocked closes the session's record and appends it to history.
// Caller holds the collector lock.
func (c *Collector) sealLocked(s *session, at time.Time) {
	if s.record.Sealed() {
		return
	}
	ended := at
	s.record.EndedAt = &ended
	if err := c.history.Append(s.record); err != nil {
		c.log.Errorf("append history for %s: %v", s.locationID, err)
	}
}

// Records returns the location's history since the given time, oldest
// first, including a snapshot of the in-progress record if one is open.
func (c *Collector) Records(locationID string, since time.Time) ([]model.ConnectionRecord, error) {
	sealed, err := c.history.Records()
	if err != nil {
		return nil, err
	}

	out := make([]model.ConnectionRecord, 0, len(sealed)+1)
	for _, rec := range sealed {
		if rec.LocationID != locationID {
			continue
		}
		if rec.StartedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}

	c.mu.Lock()
	if s, ok := c.active[locationID]; ok && !s.record.StartedAt.Before(since) {
		out = append(out, s.record)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// LastRecord returns the most recent record for a location, sealed or not.
func (c *Collector) LastRecord(locationID string) (model.ConnectionRecord, bool, error) {
	records, err := c.Records(locationID, time.Time{})
	if err != nil {
		return model.ConnectionRecord{}, false, err
	}
	if len(records) == 0 {
		return model.ConnectionRecord{}, false, nil
	}
	return records[len(records)-1], true, nil
}
