package wireguard

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

// DeviceConfig is the configuration block written to the data plane.
type DeviceConfig struct {
	PrivateKey    string
	PeerPublicKey string
	Endpoint      string
	AllowedIPs    []string
	KeepaliveSec  int
}

// DeviceStats is what the core reads back from the data plane: byte
// counters and the last-handshake timestamp for the single peer.
type DeviceStats struct {
	BytesUp       int64
	BytesDown     int64
	LastHandshake time.Time
	PeerEndpoint  string
}

// Device abstracts the WireGuard control interface so the tunnel manager
// and stats collector can be tested against a fake.
type Device interface {
	Configure(iface string, cfg DeviceConfig) error
	Stats(iface string) (DeviceStats, error)
	Close() error
}

// CtrlDevice talks to the kernel (or userspace) WireGuard implementation
// through wgctrl.
type CtrlDevice struct {
	client *wgctrl.Client
}

func NewCtrlDevice() (*CtrlDevice, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return &CtrlDevice{client: client}, nil
}

func (d *CtrlDevice) Configure(iface string, cfg DeviceConfig) error {
	privateKey, err := wgtypes.ParseKey(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	peerKey, err := wgtypes.ParseKey(cfg.PeerPublicKey)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}
	endpoint, err := net.ResolveUDPAddr("udp", cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("resolve endpoint %q: %w", cfg.Endpoint, err)
	}
	allowed := make([]net.IPNet, 0, len(cfg.AllowedIPs))
	for _, cidr := range cfg.AllowedIPs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("parse allowed ip %q: %w", cidr, err)
		}
		allowed = append(allowed, *ipNet)
	}

	peer := wgtypes.PeerConfig{
		PublicKey:         peerKey,
		Endpoint:          endpoint,
		AllowedIPs:        allowed,
		ReplaceAllowedIPs: true,
	}
	if cfg.KeepaliveSec > 0 {
		keepalive := time.Duration(cfg.KeepaliveSec) * time.Second
		peer.PersistentKeepaliveInterval = &keepalive
	}

	return d.client.ConfigureDevice(iface, wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	})
}

func (d *CtrlDevice) Stats(iface string) (DeviceStats, error) {
	dev, err := d.client.Device(iface)
	if err != nil {
		return DeviceStats{}, err
	}
	var stats DeviceStats
	for _, peer := range dev.Peers {
		stats.BytesUp += peer.TransmitBytes
		stats.BytesDown += peer.ReceiveBytes
		if peer.LastHandshakeTime.After(stats.LastHandshake) {
			stats.LastHandshake = peer.LastHandshakeTime
		}
		if peer.Endpoint != nil {
			stats.PeerEndpoint = peer.Endpoint.String()
		}
	}
	return stats, nil
}

func (d *CtrlDevice) Close() error {
	return d.client.Close()
}

// ConfigForLocation builds the device configuration for a location using
// the private key held in memory.
func ConfigForLocation(loc model.Location) DeviceConfig {
	return DeviceConfig{
		PrivateKey:    loc.LocalPrivateKey,
		PeerPublicKey: loc.PeerPublicKey,
		Endpoint:      loc.Endpoint,
		AllowedIPs:    loc.AllowedIPs,
		KeepaliveSec:  loc.KeepaliveSec,
	}
}
