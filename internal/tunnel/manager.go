package tunnel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YuzuZensai/defguard-client/internal/execx"
	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/wireguard"
)

const ifacePrefix = "dg"

// Options configures a Manager.
type Options struct {
	Interfaces       *wireguard.Manager
	Device           wireguard.Device
	Runner           execx.Runner
	UserspaceBinary  string
	HandshakeTimeout time.Duration
	PollInterval     time.Duration
	Listener         Listener
	Log              *zap.SugaredLogger
}

// Manager owns the per-location tunnel state machines. Only the manager
// creates or destroys interfaces; per-location mutual exclusion is
// enforced by the handle table.
type Manager struct {
	ifaces    *wireguard.Manager
	dev       wireguard.Device
	runner    execx.Runner
	userspace string
	hsTimeout time.Duration
	pollEvery time.Duration
	listener  Listener
	log       *zap.SugaredLogger
	now       func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
}

// Handle is the runtime record of one active tunnel. At most one exists
// per location.
type Handle struct {
	LocationID string
	Iface      string
}

type handle struct {
	locationID string
	iface      string
	state      State
	failure    error
	cancel     context.CancelFunc
	done       chan struct{}
	proc       execx.Process
	stopSup    chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Listener == nil {
		opts.Listener = nopListener{}
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 20 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = zap.S()
	}
	return &Manager{
		ifaces:    opts.Interfaces,
		dev:       opts.Device,
		runner:    opts.Runner,
		userspace: opts.UserspaceBinary,
		hsTimeout: opts.HandshakeTimeout,
		pollEvery: opts.PollInterval,
		listener:  opts.Listener,
		log:       opts.Log,
		now:       time.Now,
		handles:   make(map[string]*handle),
	}
}

// Connect brings up a tunnel for the location and blocks until the first
// handshake or failure. On every failure path the interface and any
// spawned process are torn down before returning.
func (m *Manager) Connect(ctx context.Context, loc model.Location) (Handle, error) {
	if loc.LocalPrivateKey == "" {
		return Handle{}, fmt.Errorf("location %s has no private key in memory", loc.ID)
	}

	m.mu.Lock()
	if _, exists := m.handles[loc.ID]; exists {
		m.mu.Unlock()
		return Handle{}, ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &handle{
		locationID: loc.ID,
		iface:      m.allocIfaceLocked(),
		state:      StateConnecting,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.handles[loc.ID] = h
	m.mu.Unlock()

	m.log.Infof("connecting location %s on %s", loc.ID, h.iface)
	err := m.bringUp(ctx, h, loc)
	if err != nil {
		m.teardown(h)
		m.mu.Lock()
		delete(m.handles, loc.ID)
		m.mu.Unlock()
		close(h.done)
		cancel()
		return Handle{}, err
	}

	// OnConnected is delivered inside the critical section that publishes
	// the Connected state, so no Disconnected for this handle can ever be
	// observed before it. The supervisor starts in the same section:
	// once Connected is visible, teardown may run concurrently and the
	// handle's proc and stopSup are only touched under m.mu.
	m.mu.Lock()
	h.state = StateConnected
	if h.proc != nil {
		h.stopSup = make(chan struct{})
		go m.supervise(h, h.proc, h.stopSup)
	}
	m.listener.OnConnected(loc.ID, h.iface, m.now())
	m.mu.Unlock()
	close(h.done)

	m.log.Infof("location %s connected on %s", loc.ID, h.iface)
	return Handle{LocationID: loc.ID, Iface: h.iface}, nil
}

func (m *Manager) bringUp(ctx context.Context, h *handle, loc model.Location) error {
	if err := m.ensureDataPlane(ctx, h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.ifaces.SetAddress(h.iface, loc.Address); err != nil {
		return fmt.Errorf("set address: %w", err)
	}
	if err := m.ifaces.SetMTU(h.iface, loc.MTU); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	if err := m.dev.Configure(h.iface, wireguard.ConfigForLocation(loc)); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}
	if err := m.ifaces.LinkUp(h.iface); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	routes := loc.AllowedIPs
	if loc.RouteAllTraffic {
		routes = []string{"0.0.0.0/0"}
	}
	for _, cidr := range routes {
		if err := m.ifaces.AddRoute(h.iface, cidr); err != nil {
			return fmt.Errorf("add route %s: %w", cidr, err)
		}
	}
	return m.awaitHandshake(ctx, h.iface)
}

// ensureDataPlane creates the kernel interface, falling back to spawning
// a userspace implementation when the kernel module is unavailable.
func (m *Manager) ensureDataPlane(ctx context.Context, h *handle) error {
	kernelErr := m.ifaces.EnsureInterface(h.iface)
	if kernelErr == nil {
		return nil
	}
	if m.userspace == "" || m.runner == nil {
		return fmt.Errorf("create interface: %w", kernelErr)
	}
	m.log.Warnf("kernel interface failed (%v), spawning %s", kernelErr, m.userspace)
	proc, err := m.runner.Start(m.userspace, h.iface)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}
	h.proc = proc
	deadline := m.now().Add(m.hsTimeout)
	for !m.ifaces.InterfaceExists(h.iface) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-proc.Done():
			h.proc = nil
			return fmt.Errorf("%w: exited: %v", ErrProcessSpawn, err)
		case <-time.After(m.pollEvery):
		}
		if m.now().After(deadline) {
			return fmt.Errorf("%w: interface never appeared", ErrProcessSpawn)
		}
	}
	return nil
}

func (m *Manager) awaitHandshake(ctx context.Context, iface string) error {
	deadline := m.now().Add(m.hsTimeout)
	for {
		stats, err := m.dev.Stats(iface)
		if err == nil && !stats.LastHandshake.IsZero() {
			return nil
		}
		if m.now().After(deadline) {
			return ErrHandshakeTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

// Disconnect tears down the location's tunnel. Calling it with no active
// handle is a no-op. If a connect is in flight it is aborted and its
// partial state cleaned up before Disconnect returns.
func (m *Manager) Disconnect(locationID string) error {
	m.mu.Lock()
	h, ok := m.handles[locationID]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	switch h.state {
	case StateConnecting:
		m.mu.Unlock()
		h.cancel()
		<-h.done
		// The connect may have won the race and reached Connected before
		// the cancel landed; a second pass clears it.
		return m.Disconnect(locationID)
	case StateFailed:
		// Interface is already gone; Failed -> Disconnected just clears
		// the handle.
		delete(m.handles, locationID)
		m.mu.Unlock()
		return nil
	case StateDisconnecting:
		m.mu.Unlock()
		return nil
	}

	h.state = StateDisconnecting
	m.mu.Unlock()

	m.log.Infof("disconnecting location %s", locationID)
	m.teardown(h)
	m.listener.OnDisconnected(locationID, m.now())

	m.mu.Lock()
	delete(m.handles, locationID)
	m.mu.Unlock()
	return nil
}

// DisconnectAll is used on daemon shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			m.log.Errorf("disconnect %s: %v", id, err)
		}
	}
}

// MarkLost is called by the stats collector when sampling finds the
// interface gone. The handle parks in Failed until Disconnect clears it.
func (m *Manager) MarkLost(locationID string) {
	m.mu.Lock()
	h, ok := m.handles[locationID]
	if !ok || h.state != StateConnected {
		m.mu.Unlock()
		return
	}
	h.state = StateFailed
	h.failure = ErrInterfaceLost
	m.mu.Unlock()

	m.log.Errorf("location %s: %v", locationID, ErrInterfaceLost)
	m.teardown(h)
}

// Status reports the current state for a location.
func (m *Manager) Status(locationID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[locationID]
	if !ok {
		return StateDisconnected
	}
	return h.state
}

// Failure returns the failure reason for a location in Failed state.
func (m *Manager) Failure(locationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[locationID]
	if !ok {
		return nil
	}
	return h.failure
}

// ActiveLocationIDs lists locations with a live handle.
func (m *Manager) ActiveLocationIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.handles))
	for id, h := range m.handles {
		if h.state == StateConnected || h.state == StateConnecting {
			out = append(out, id)
		}
	}
	return out
}

// supervise watches a spawned userspace process. An exit while Connected
// means the data plane is gone. proc and stopSup are passed in, captured
// under m.mu by the caller, so no unlocked handle reads happen here.
func (m *Manager) supervise(h *handle, proc execx.Process, stopSup chan struct{}) {
	select {
	case err := <-proc.Done():
		m.mu.Lock()
		if cur, ok := m.handles[h.locationID]; !ok || cur != h || h.state != StateConnected {
			m.mu.Unlock()
			return
		}
		h.state = StateFailed
		h.failure = fmt.Errorf("%w: data-plane process exited: %v", ErrInterfaceLost, err)
		h.proc = nil
		m.mu.Unlock()

		m.log.Errorf("location %s: data-plane process exited: %v", h.locationID, err)
		m.teardown(h)
		m.listener.OnDisconnected(h.locationID, m.now())
	case <-stopSup:
	}
}

// teardown always attempts interface removal, even when the data plane is
// already dead. It takes ownership of the handle's proc and stopSup under
// m.mu, so a concurrent supervisor or second teardown sees nil.
func (m *Manager) teardown(h *handle) {
	m.mu.Lock()
	proc := h.proc
	stopSup := h.stopSup
	h.proc = nil
	h.stopSup = nil
	m.mu.Unlock()

	if stopSup != nil {
		close(stopSup)
	}
	if proc != nil {
		_ = proc.Stop()
	}
	if err := m.ifaces.DeleteInterface(h.iface); err != nil {
		m.log.Errorf("delete interface %s: %v", h.iface, err)
	}
}

// allocIfaceLocked picks the first interface name not used by a handle.
// Caller holds m.mu.
func (m *Manager) allocIfaceLocked() string {
	used := make(map[string]bool, len(m.handles))
	for _, h := range m.handles {
		used[h.iface] = true
	}
	for i := 0; ; i++ {
		name := fmt.Sprintf("%s%d", ifacePrefix, i)
		if !used[name] {
			return name
		}
	}
}
