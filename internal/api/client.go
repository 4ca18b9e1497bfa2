package api

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
)

// RemoteError is a non-2xx answer from the remote instance. Transport
// failures are returned as plain wrapped errors; callers tell the two apart
// with errors.As.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote rejected request: %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote rejected request: %d", e.Status)
}

// Client is a thin HTTP client for one remote instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. https://host).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// VerifyEnrollment exchanges the one-time token for the session budget.
func (c *Client) VerifyEnrollment(ctx context.Context, token string) (VerifyEnrollmentResponse, error) {
	var resp VerifyEnrollmentResponse
	err := c.postJSON(ctx, "/enroll/verify", VerifyEnrollmentRequest{Token: token}, &resp)
	return resp, err
}

// CreateDevice registers the device and returns its peer configurations.
func (c *Client) CreateDevice(ctx context.Context, req CreateDeviceRequest) (CreateDeviceResponse, error) {
	var resp CreateDeviceResponse
	err := c.postJSON(ctx, "/enroll/device", req, &resp)
	return resp, err
}

// Locations fetches the current location definitions for an instance.
func (c *Client) Locations(ctx context.Context, instanceID, authToken string) (LocationsResponse, error) {
	var resp LocationsResponse
	path := "/instance/" + url.PathEscape(instanceID) + "/locations"
	err := c.getJSON(ctx, path, authToken, &resp)
	return resp, err
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

func (c *Client) getJSON(ctx context.Context, path, authToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return &RemoteError{Status: res.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
