package daemon

import (
	"time"

	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/stats"
)

// ConnectRequest asks the daemon to bring a location's tunnel up.
// PrivateKey is required when the daemon has no key in memory for the
// location (for example after a restart); it is used for this call and
// kept only in memory.
type ConnectRequest struct {
	LocationID string `json:"location_id"`
	PrivateKey string `json:"private_key,omitempty"`
}

// DisconnectRequest asks the daemon to tear a location's tunnel down.
type DisconnectRequest struct {
	LocationID string `json:"location_id"`
}

// LocationStatus is one row of the daemon status report.
type LocationStatus struct {
	LocationID   string     `json:"location_id"`
	InstanceID   string     `json:"instance_id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Failure      string     `json:"failure,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}

// StatusResponse reports every known location with its live state.
type StatusResponse struct {
	Locations []LocationStatus `json:"locations"`
}

// AddInstanceRequest manually registers an instance without enrollment.
type AddInstanceRequest struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// RoutingRequest toggles full-tunnel routing for a location. Takes effect
// on the next connect.
type RoutingRequest struct {
	LocationID      string `json:"location_id"`
	RouteAllTraffic bool   `json:"route_all_traffic"`
}

// RefreshLocationsRequest re-fetches location definitions for an instance.
type RefreshLocationsRequest struct {
	InstanceID string `json:"instance_id"`
	// AuthToken is needed when the daemon no longer holds one in memory.
	AuthToken string `json:"auth_token,omitempty"`
}

// EnrollStartRequest opens an enrollment session against a remote
// instance and verifies the one-time token.
type EnrollStartRequest struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// EnrollAdvanceRequest carries the input for the current enrollment step.
// Which fields matter depends on the phase reported by /enroll/status.
type EnrollAdvanceRequest struct {
	FullName             string `json:"full_name,omitempty"`
	Email                string `json:"email,omitempty"`
	Password             string `json:"password,omitempty"`
	PasswordConfirmation string `json:"password_confirmation,omitempty"`
}

// EnrollDeviceRequest runs the device setup step. An empty PublicKey asks
// the daemon to generate a keypair.
type EnrollDeviceRequest struct {
	DeviceName string `json:"device_name"`
	PublicKey  string `json:"public_key,omitempty"`
}

// EnrollStatusResponse describes the in-flight enrollment session, if any.
type EnrollStatusResponse struct {
	Active           bool   `json:"active"`
	Phase            string `json:"phase,omitempty"`
	SecondsRemaining int    `json:"seconds_remaining,omitempty"`
	PrefillName      string `json:"prefill_name,omitempty"`
	PrefillEmail     string `json:"prefill_email,omitempty"`
}

// EnrollFinishResponse is returned exactly once per session. PrivateKey is
// only set when the daemon generated the keypair; it is not retrievable
// again.
type EnrollFinishResponse struct {
	Instance   model.Instance   `json:"instance"`
	Locations  []model.Location `json:"locations"`
	PrivateKey string           `json:"private_key,omitempty"`
}

// InstancesResponse lists registered instances.
type InstancesResponse struct {
	Instances []model.Instance `json:"instances"`
}

// LocationView is a location decorated with its live tunnel state.
type LocationView struct {
	model.Location
	Active bool `json:"active"`
}

// LocationsResponse lists locations, optionally for one instance.
type LocationsResponse struct {
	Locations []LocationView `json:"locations"`
}

// ConnectionsResponse lists connection history records, newest last.
type ConnectionsResponse struct {
	Records []model.ConnectionRecord `json:"records"`
}

// LastConnectionResponse carries the most recent record for a location.
type LastConnectionResponse struct {
	Record *model.ConnectionRecord `json:"record,omitempty"`
}

// SummaryResponse aggregates history for a location over a window.
type SummaryResponse struct {
	LocationID string        `json:"location_id"`
	Summary    stats.Summary `json:"summary"`
}
