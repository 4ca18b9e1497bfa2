package wireguard

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/YuzuZensai/defguard-client/internal/execx"
)

// Manager executes ip commands to create and tear down WireGuard links.
// It is injectable for unit tests.
type Manager struct {
	r execx.Runner
}

func NewManager(r execx.Runner) *Manager {
	if r == nil {
		r = execx.NewOSRunner(os.Stdout, os.Stderr)
	}
	return &Manager{r: r}
}

// EnsureInterface creates the wireguard link if it does not exist yet.
func (m *Manager) EnsureInterface(iface string) error {
	if iface == "" {
		return fmt.Errorf("interface name is required")
	}
	if m.InterfaceExists(iface) {
		return nil
	}
	err := m.run("ip", "link", "add", "dev", iface, "type", "wireguard")
	if err == nil {
		return nil
	}
	// Best-effort idempotency (e.g. concurrent bring-up).
	if strings.Contains(err.Error(), "File exists") {
		return nil
	}
	return err
}

func (m *Manager) InterfaceExists(iface string) bool {
	_, err := m.output("ip", "link", "show", "dev", iface)
	return err == nil
}

func (m *Manager) SetAddress(iface, address string) error {
	return m.run("ip", "address", "replace", address, "dev", iface)
}

func (m *Manager) SetMTU(iface string, mtu int) error {
	if mtu <= 0 {
		return nil
	}
	return m.run("ip", "link", "set", "dev", iface, "mtu", strconv.Itoa(mtu))
}

func (m *Manager) LinkUp(iface string) error {
	return m.run("ip", "link", "set", "dev", iface, "up")
}

func (m *Manager) AddRoute(iface, cidr string) error {
	return m.run("ip", "route", "replace", cidr, "dev", iface)
}

// DeleteInterface removes the link. Missing links are not an error so that
// teardown stays idempotent.
func (m *Manager) DeleteInterface(iface string) error {
	if iface == "" {
		return fmt.Errorf("interface name is required")
	}
	err := m.run("ip", "link", "del", "dev", iface)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Cannot find device") || strings.Contains(err.Error(), "does not exist") {
		return nil
	}
	return err
}

func (m *Manager) run(name string, args ...string) error {
	if m == nil || m.r == nil {
		return fmt.Errorf("runner not initialized")
	}
	return m.r.Run(name, args...)
}

func (m *Manager) output(name string, args ...string) (string, error) {
	if m == nil || m.r == nil {
		return "", fmt.Errorf("runner not initialized")
	}
	return m.r.Output(name, args...)
}
