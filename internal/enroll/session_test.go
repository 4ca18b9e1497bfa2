package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/YuzuZensai/defguard-client/internal/api"
	"github.com/YuzuZensai/defguard-client/internal/provision"
)

func enrollmentServer(t *testing.T, expiresIn int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/enroll/verify", func(w http.ResponseWriter, r *http.Request) {
		var req api.VerifyEnrollmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Token != "good-token" {
			http.Error(w, "unknown token", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(api.VerifyEnrollmentResponse{
			ExpiresIn: expiresIn,
			UserName:  "Alice Example",
			UserEmail: "alice@example.com",
		})
	})
	mux.HandleFunc("/enroll/device", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.CreateDeviceResponse{
			Instance: api.InstanceSummary{ID: "inst-1", Name: "hq", URL: "https://hq.example.com"},
			Configs: []api.DeviceConfig{{
				NetworkName:   "office",
				AssignedIP:    "10.6.0.7/24",
				PeerPublicKey: "kBbYpsBYNvmWvVW26lLOnHVA2o6CAxyViCmQlcYforE=",
				Endpoint:      "vpn.example.com:51820",
				AllowedIPs:    []string{"10.6.0.0/24"},
			}},
			Token: "auth-token",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(t *testing.T, srv *httptest.Server, start time.Time) (*Session, *time.Time) {
	t.Helper()
	clock := start
	s := NewSession(srv.URL, provision.New())
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestFullFlowWithinBudget(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clock := newTestSession(t, srv, start)

	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}
	if got := s.Phase(); got != PhaseDataVerification {
		t.Fatalf("phase after verify = %v, want %v", got, PhaseDataVerification)
	}
	if got := s.TimeRemaining(); got != 600*time.Second {
		t.Fatalf("remaining = %v, want 10m", got)
	}
	if got := s.Prefill().Email; got != "alice@example.com" {
		t.Fatalf("prefill email = %q", got)
	}

	// Each step runs well inside the 600s budget.
	*clock = start.Add(100 * time.Second)
	if err := s.ConfirmIdentity(Identity{FullName: "Alice Example", Email: "alice@example.com"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	*clock = start.Add(200 * time.Second)
	if err := s.SetPassword("hunter2hunter2", "hunter2hunter2"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	*clock = start.Add(300 * time.Second)
	if err := s.ProvisionDevice(context.Background(), "laptop", provision.KeyGenerate, ""); err != nil {
		t.Fatalf("provision device: %v", err)
	}
	if got := s.Phase(); got != PhaseFinished {
		t.Fatalf("phase = %v, want %v", got, PhaseFinished)
	}

	out, err := s.Outcome()
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if !out.DeviceProvisioned {
		t.Fatal("expected a provisioned device")
	}
	if out.Instance.Name != "hq" {
		t.Fatalf("instance name = %q, want hq", out.Instance.Name)
	}
	if len(out.Locations) != 1 || out.Locations[0].Name != "office" {
		t.Fatalf("locations = %+v", out.Locations)
	}
	if out.PrivateKey == "" {
		t.Fatal("expected a generated private key in the outcome")
	}
}

func TestOutcomeRepeatableUntilDiscarded(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	s, _ := newTestSession(t, srv, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}
	if err := s.ConfirmIdentity(Identity{FullName: "Alice", Email: "a@b.c"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	if err := s.SetPassword("hunter2hunter2", "hunter2hunter2"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := s.ProvisionDevice(context.Background(), "laptop", provision.KeyGenerate, ""); err != nil {
		t.Fatalf("provision device: %v", err)
	}

	// A caller whose commit failed must be able to ask again; the private
	// key is not lost until the session is discarded.
	first, err := s.Outcome()
	if err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	second, err := s.Outcome()
	if err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	if first.PrivateKey == "" || first.PrivateKey != second.PrivateKey {
		t.Fatalf("outcome not repeatable: %q vs %q", first.PrivateKey, second.PrivateKey)
	}

	s.Cancel()
	if _, err := s.Outcome(); !errors.Is(err, ErrExpired) {
		t.Fatalf("outcome after discard = %v, want ErrExpired", err)
	}
}

func TestDeadlinePassedMidFlow(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clock := newTestSession(t, srv, start)

	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}
	if err := s.ConfirmIdentity(Identity{FullName: "Alice Example", Email: "alice@example.com"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}

	*clock = start.Add(601 * time.Second)

	if err := s.SetPassword("hunter2hunter2", "hunter2hunter2"); !errors.Is(err, ErrExpired) {
		t.Fatalf("set password after deadline = %v, want ErrExpired", err)
	}
	if got := s.Phase(); got != PhaseExpired {
		t.Fatalf("phase = %v, want %v", got, PhaseExpired)
	}
	if got := s.TimeRemaining(); got != 0 {
		t.Fatalf("remaining = %v, want 0", got)
	}
	// Terminal: every further advance fails the same way.
	if err := s.ConfirmIdentity(Identity{FullName: "x", Email: "x@x"}); !errors.Is(err, ErrExpired) {
		t.Fatalf("confirm after expiry = %v, want ErrExpired", err)
	}
	if _, err := s.Outcome(); !errors.Is(err, ErrExpired) {
		t.Fatalf("outcome after expiry = %v, want ErrExpired", err)
	}
}

func TestDeadlineNeverExtended(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, clock := newTestSession(t, srv, start)

	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}

	*clock = start.Add(250 * time.Second)
	if err := s.ConfirmIdentity(Identity{FullName: "Alice Example", Email: "alice@example.com"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	if got := s.TimeRemaining(); got != 350*time.Second {
		t.Fatalf("remaining = %v, want 350s", got)
	}
}

func TestBadTokenReturnsToTokenEntry(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	s, _ := newTestSession(t, srv, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	err := s.SubmitToken(context.Background(), "bad-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("submit bad token = %v, want ErrInvalidToken", err)
	}
	if got := s.Phase(); got != PhaseTokenEntry {
		t.Fatalf("phase = %v, want %v", got, PhaseTokenEntry)
	}

	// Resubmitting on the same session works.
	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if got := s.Phase(); got != PhaseDataVerification {
		t.Fatalf("phase = %v, want %v", got, PhaseDataVerification)
	}
}

func TestValidationRejections(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	s, _ := newTestSession(t, srv, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if err := s.ConfirmIdentity(Identity{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("confirm before verify = %v, want ErrValidation", err)
	}
	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}
	if err := s.ConfirmIdentity(Identity{FullName: "Alice", Email: "not-an-email"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad email = %v, want ErrValidation", err)
	}
	if err := s.ConfirmIdentity(Identity{FullName: "Alice", Email: "a@b.c"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	if err := s.SetPassword("short", "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("short password = %v, want ErrValidation", err)
	}
	if err := s.SetPassword("hunter2hunter2", "different"); !errors.Is(err, ErrValidation) {
		t.Fatalf("mismatched confirmation = %v, want ErrValidation", err)
	}
}

func TestSkipDeviceSetup(t *testing.T) {
	t.Parallel()

	srv := enrollmentServer(t, 600)
	s, _ := newTestSession(t, srv, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	if err := s.SubmitToken(context.Background(), "good-token"); err != nil {
		t.Fatalf("submit token: %v", err)
	}
	if err := s.ConfirmIdentity(Identity{FullName: "Alice", Email: "a@b.c"}); err != nil {
		t.Fatalf("confirm identity: %v", err)
	}
	if err := s.SetPassword("hunter2hunter2", "hunter2hunter2"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if err := s.SkipDeviceSetup(); err != nil {
		t.Fatalf("skip: %v", err)
	}

	out, err := s.Outcome()
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	if out.DeviceProvisioned {
		t.Fatal("skipped session should not report a provisioned device")
	}
	if len(out.Locations) != 0 {
		t.Fatalf("locations = %+v, want none", out.Locations)
	}
}
