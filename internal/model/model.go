package model

import "time"

// Instance is a remote defguard server grouping one or more VPN locations.
type Instance struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	// EnrollmentToken is write-once and discarded after provisioning.
	// AuthToken authenticates later location refreshes. Neither may ever
	// reach the registry file or an API response.
	EnrollmentToken string `yaml:"-" json:"-"`
	AuthToken       string `yaml:"-" json:"-"`
}

// Location is a single WireGuard tunnel definition belonging to an instance.
type Location struct {
	ID              string   `yaml:"id" json:"id"`
	InstanceID      string   `yaml:"instance_id" json:"instance_id"`
	Name            string   `yaml:"name" json:"name"`
	Address         string   `yaml:"address" json:"address"`
	PeerPublicKey   string   `yaml:"peer_public_key" json:"peer_public_key"`
	Endpoint        string   `yaml:"endpoint" json:"endpoint"`
	AllowedIPs      []string `yaml:"allowed_ips" json:"allowed_ips"`
	DNS             []string `yaml:"dns,omitempty" json:"dns,omitempty"`
	MTU             int      `yaml:"mtu,omitempty" json:"mtu,omitempty"`
	KeepaliveSec    int      `yaml:"keepalive_sec,omitempty" json:"keepalive_sec,omitempty"`
	RouteAllTraffic bool     `yaml:"route_all_traffic" json:"route_all_traffic"`
	// LocalPrivateKey exists only in memory while a tunnel is active or
	// about to be activated. It is never written to disk.
	LocalPrivateKey string `yaml:"-" json:"-"`
}

// ConnectionRecord is one append-only entry of connection history.
// After EndedAt is set the record is sealed and never mutated.
type ConnectionRecord struct {
	ID               string     `json:"id"`
	LocationID       string     `json:"location_id"`
	StartedAt        time.Time  `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	BytesUp          int64      `json:"bytes_up"`
	BytesDown        int64      `json:"bytes_down"`
	LastHandshakeAt  *time.Time `json:"last_handshake_at,omitempty"`
	PeerObservedAddr string     `json:"peer_observed_addr,omitempty"`
}

// Sealed reports whether the record has been closed.
func (r *ConnectionRecord) Sealed() bool {
	return r.EndedAt != nil
}
