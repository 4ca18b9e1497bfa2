package api

// VerifyEnrollmentRequest starts enrollment by presenting the one-time token.
type VerifyEnrollmentRequest struct {
	Token string `json:"token"`
}

// VerifyEnrollmentResponse returns the session budget allotted by the remote
// side. The deadline is fixed the moment this response arrives.
type VerifyEnrollmentResponse struct {
	ExpiresIn int    `json:"expires_in"`
	UserName  string `json:"user_name,omitempty"`
	UserEmail string `json:"user_email,omitempty"`
}

// CreateDeviceRequest registers a device public key under the enrollment
// token. PublicKey is empty when the key is managed externally and the
// remote side already has it on file.
type CreateDeviceRequest struct {
	Token      string `json:"token"`
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key,omitempty"`
}

// InstanceSummary identifies the remote instance in provisioning responses.
type InstanceSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// DeviceConfig is one per-network peer configuration handed out by the
// remote side.
type DeviceConfig struct {
	NetworkName   string   `json:"network_name"`
	AssignedIP    string   `json:"assigned_ip"`
	PeerPublicKey string   `json:"pubkey"`
	Endpoint      string   `json:"endpoint"`
	AllowedIPs    []string `json:"allowed_ips"`
	DNS           []string `json:"dns,omitempty"`
	MTU           int      `json:"mtu,omitempty"`
	KeepaliveSec  int      `json:"keepalive_sec,omitempty"`
}

// CreateDeviceResponse returns the instance identity and one config per
// reachable network.
type CreateDeviceResponse struct {
	Instance InstanceSummary `json:"instance"`
	Configs  []DeviceConfig  `json:"configs"`
	Token    string          `json:"token,omitempty"`
}

// LocationsResponse lists the current location definitions for a device.
type LocationsResponse struct {
	Locations []DeviceConfig `json:"locations"`
}
