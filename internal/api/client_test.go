package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClient_RejectionCarriesStatusAndBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`token already consumed`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.VerifyEnrollment(context.Background(), "abc123")
	if err == nil {
		t.Fatalf("expected error")
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("not a RemoteError: %v", err)
	}
	if re.Status != http.StatusBadRequest {
		t.Fatalf("status=%d", re.Status)
	}
	if !strings.Contains(re.Message, "consumed") {
		t.Fatalf("message=%q", re.Message)
	}
}

func TestClient_TransportErrorIsNotRemoteError(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:1")
	_, err := c.VerifyEnrollment(context.Background(), "abc123")
	if err == nil {
		t.Fatalf("expected error")
	}
	var re *RemoteError
	if errors.As(err, &re) {
		t.Fatalf("transport failure classified as rejection: %v", err)
	}
}

func TestClient_VerifyEnrollment(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/enroll/verify" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"expires_in":600,"user_name":"Jamie Doe"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	resp, err := c.VerifyEnrollment(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("VerifyEnrollment: %v", err)
	}
	if resp.ExpiresIn != 600 {
		t.Fatalf("expires_in=%d", resp.ExpiresIn)
	}
	if resp.UserName != "Jamie Doe" {
		t.Fatalf("user_name=%q", resp.UserName)
	}
}
