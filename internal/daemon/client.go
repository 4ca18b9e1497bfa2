package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

// Client is a thin HTTP client for the daemon's control API, used by the
// CLI frontend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://127.0.0.1:53180).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: "http://" + strings.TrimPrefix(strings.TrimRight(baseURL, "/"), "http://"),
		http: &http.Client{
			// Connect blocks through handshake confirmation, so this has
			// to outlast the daemon's handshake timeout.
			Timeout: 60 * time.Second,
		},
	}
}

// Connect brings a location's tunnel up and waits out the handshake.
func (c *Client) Connect(ctx context.Context, locationID, privateKey string) error {
	return c.postJSON(ctx, "/connect", ConnectRequest{LocationID: locationID, PrivateKey: privateKey}, nil)
}

// Disconnect tears a location's tunnel down.
func (c *Client) Disconnect(ctx context.Context, locationID string) error {
	return c.postJSON(ctx, "/disconnect", DisconnectRequest{LocationID: locationID}, nil)
}

// Status reports every known location with its live state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// Instances lists registered instances.
func (c *Client) Instances(ctx context.Context) (InstancesResponse, error) {
	var resp InstancesResponse
	err := c.getJSON(ctx, "/instances", &resp)
	return resp, err
}

// AddInstance registers an instance manually, without enrollment.
func (c *Client) AddInstance(ctx context.Context, name, baseURL string) (model.Instance, error) {
	var resp model.Instance
	err := c.postJSON(ctx, "/instances", AddInstanceRequest{Name: name, BaseURL: baseURL}, &resp)
	return resp, err
}

// RemoveInstance deletes an instance and its locations.
func (c *Client) RemoveInstance(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/instances?id="+url.QueryEscape(id), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// Locations lists locations, optionally for one instance.
func (c *Client) Locations(ctx context.Context, instanceID string) (LocationsResponse, error) {
	var resp LocationsResponse
	endpoint := "/locations"
	if instanceID != "" {
		endpoint += "?instance_id=" + url.QueryEscape(instanceID)
	}
	err := c.getJSON(ctx, endpoint, &resp)
	return resp, err
}

// SetRouting toggles full-tunnel routing for a location.
func (c *Client) SetRouting(ctx context.Context, locationID string, routeAll bool) (model.Location, error) {
	var resp model.Location
	err := c.postJSON(ctx, "/locations/routing", RoutingRequest{LocationID: locationID, RouteAllTraffic: routeAll}, &resp)
	return resp, err
}

// RefreshLocations re-fetches an instance's location definitions from its
// remote server.
func (c *Client) RefreshLocations(ctx context.Context, instanceID, authToken string) (LocationsResponse, error) {
	var resp LocationsResponse
	err := c.postJSON(ctx, "/locations/refresh", RefreshLocationsRequest{InstanceID: instanceID, AuthToken: authToken}, &resp)
	return resp, err
}

// EnrollStart opens an enrollment session and verifies the token.
func (c *Client) EnrollStart(ctx context.Context, serverURL, token string) (EnrollStatusResponse, error) {
	var resp EnrollStatusResponse
	err := c.postJSON(ctx, "/enroll/start", EnrollStartRequest{URL: serverURL, Token: token}, &resp)
	return resp, err
}

// EnrollAdvance submits the current step's input.
func (c *Client) EnrollAdvance(ctx context.Context, req EnrollAdvanceRequest) (EnrollStatusResponse, error) {
	var resp EnrollStatusResponse
	err := c.postJSON(ctx, "/enroll/advance", req, &resp)
	return resp, err
}

// EnrollDevice runs the device setup step.
func (c *Client) EnrollDevice(ctx context.Context, deviceName, publicKey string) (EnrollStatusResponse, error) {
	var resp EnrollStatusResponse
	err := c.postJSON(ctx, "/enroll/device", EnrollDeviceRequest{DeviceName: deviceName, PublicKey: publicKey}, &resp)
	return resp, err
}

// EnrollSkipDevice finishes the session without provisioning a device.
func (c *Client) EnrollSkipDevice(ctx context.Context) (EnrollStatusResponse, error) {
	var resp EnrollStatusResponse
	err := c.postJSON(ctx, "/enroll/skip-device", struct{}{}, &resp)
	return resp, err
}

// EnrollFinish commits the session. The private key in the response, if
// any, is shown once and never retrievable again.
func (c *Client) EnrollFinish(ctx context.Context) (EnrollFinishResponse, error) {
	var resp EnrollFinishResponse
	err := c.postJSON(ctx, "/enroll/finish", struct{}{}, &resp)
	return resp, err
}

// EnrollCancel discards any in-flight session.
func (c *Client) EnrollCancel(ctx context.Context) error {
	return c.postJSON(ctx, "/enroll/cancel", struct{}{}, nil)
}

// EnrollStatus reports the in-flight session, if any.
func (c *Client) EnrollStatus(ctx context.Context) (EnrollStatusResponse, error) {
	var resp EnrollStatusResponse
	err := c.getJSON(ctx, "/enroll/status", &resp)
	return resp, err
}

// Connections lists a location's connection history.
func (c *Client) Connections(ctx context.Context, locationID string, since time.Time) (ConnectionsResponse, error) {
	var resp ConnectionsResponse
	err := c.getJSON(ctx, historyQuery("/connections", locationID, since), &resp)
	return resp, err
}

// LastConnection fetches the most recent record for a location.
func (c *Client) LastConnection(ctx context.Context, locationID string) (LastConnectionResponse, error) {
	var resp LastConnectionResponse
	err := c.getJSON(ctx, "/connections/last?location_id="+url.QueryEscape(locationID), &resp)
	return resp, err
}

// Summary aggregates a location's history over a window.
func (c *Client) Summary(ctx context.Context, locationID string, since time.Time) (SummaryResponse, error) {
	var resp SummaryResponse
	err := c.getJSON(ctx, historyQuery("/stats/summary", locationID, since), &resp)
	return resp, err
}

func historyQuery(path, locationID string, since time.Time) string {
	endpoint := path + "?location_id=" + url.QueryEscape(locationID)
	if !since.IsZero() {
		endpoint += "&since=" + url.QueryEscape(since.Format(time.RFC3339))
	}
	return endpoint
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
