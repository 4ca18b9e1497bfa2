package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YuzuZensai/defguard-client/internal/api"
	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/provision"
)

var (
	// ErrInvalidToken means the remote side refused the enrollment token.
	// The session stays in TokenEntry; it is not fatal.
	ErrInvalidToken = errors.New("invalid enrollment token")
	// ErrValidation means the current step's input was rejected.
	ErrValidation = errors.New("validation failed")
	// ErrExpired means the session deadline passed. Terminal.
	ErrExpired = errors.New("enrollment session expired")
)

// Phase is the current step of the enrollment flow.
type Phase int

const (
	PhaseTokenEntry Phase = iota
	PhaseVerifying
	PhaseDataVerification
	PhasePasswordSetup
	PhaseDeviceSetup
	PhaseFinished
	PhaseExpired
)

func (p Phase) String() string {
	switch p {
	case PhaseTokenEntry:
		return "token_entry"
	case PhaseVerifying:
		return "verifying"
	case PhaseDataVerification:
		return "data_verification"
	case PhasePasswordSetup:
		return "password_setup"
	case PhaseDeviceSetup:
		return "device_setup"
	case PhaseFinished:
		return "finished"
	case PhaseExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Identity is what the user confirms during DataVerification.
type Identity struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Outcome is what a finished session hands back for committing. Nothing
// has touched the registry yet.
type Outcome struct {
	Instance          model.Instance
	Locations         []model.Location
	PrivateKey        string
	DeviceProvisioned bool
}

const minPasswordLen = 8

// Session drives one enrollment attempt under a hard wall-clock deadline.
// Expiry is a pure function of the clock, evaluated lazily on every call;
// there is no timer goroutine.
type Session struct {
	baseURL     string
	client      *api.Client
	provisioner *provision.Provisioner
	log         *zap.SugaredLogger
	now         func() time.Time

	mu        sync.Mutex
	phase     Phase
	token     string
	expiresAt time.Time
	prefill   Identity
	identity  Identity
	password  string
	result    *provision.Result
}

func NewSession(baseURL string, provisioner *provision.Provisioner) *Session {
	return &Session{
		baseURL:     baseURL,
		client:      api.NewClient(baseURL),
		provisioner: provisioner,
		log:         zap.S(),
		now:         time.Now,
	}
}

// SubmitToken verifies the token with the remote instance. Success fixes
// the deadline; failure returns the session to TokenEntry.
func (s *Session) SubmitToken(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.expireLocked() {
		s.mu.Unlock()
		return ErrExpired
	}
	if s.phase != PhaseTokenEntry {
		s.mu.Unlock()
		return fmt.Errorf("%w: token already verified", ErrValidation)
	}
	if strings.TrimSpace(token) == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	s.phase = PhaseVerifying
	s.mu.Unlock()

	resp, err := s.client.VerifyEnrollment(ctx, token)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.phase = PhaseTokenEntry
		var re *api.RemoteError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %s", ErrInvalidToken, re.Message)
		}
		return fmt.Errorf("verify token: %w", err)
	}
	if resp.ExpiresIn <= 0 {
		s.phase = PhaseTokenEntry
		return fmt.Errorf("%w: remote returned no session budget", ErrInvalidToken)
	}

	s.token = token
	// The deadline is fixed here and never extended.
	s.expiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	s.prefill = Identity{FullName: resp.UserName, Email: resp.UserEmail}
	s.phase = PhaseDataVerification
	s.log.Infof("enrollment verified, %ds to finish", resp.ExpiresIn)
	return nil
}

// ConfirmIdentity advances DataVerification -> PasswordSetup.
func (s *Session) ConfirmIdentity(identity Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		return ErrExpired
	}
	if s.phase != PhaseDataVerification {
		return fmt.Errorf("%w: not in data verification", ErrValidation)
	}
	if strings.TrimSpace(identity.FullName) == "" {
		return fmt.Errorf("%w: full name is required", ErrValidation)
	}
	if !strings.Contains(identity.Email, "@") {
		return fmt.Errorf("%w: invalid email", ErrValidation)
	}
	s.identity = identity
	s.phase = PhasePasswordSetup
	return nil
}

// SetPassword advances PasswordSetup -> DeviceSetup.
func (s *Session) SetPassword(password, confirmation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		return ErrExpired
	}
	if s.phase != PhasePasswordSetup {
		return fmt.Errorf("%w: not in password setup", ErrValidation)
	}
	if len(password) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}
	if password != confirmation {
		return fmt.Errorf("%w: password confirmation does not match", ErrValidation)
	}
	s.password = password
	s.phase = PhaseDeviceSetup
	return nil
}

// ProvisionDevice runs the device setup step and moves to Finished.
func (s *Session) ProvisionDevice(ctx context.Context, deviceName string, mode provision.KeyMode, publicKey string) error {
	s.mu.Lock()
	if s.expireLocked() {
		s.mu.Unlock()
		return ErrExpired
	}
	if s.phase != PhaseDeviceSetup {
		s.mu.Unlock()
		return fmt.Errorf("%w: not in device setup", ErrValidation)
	}
	if strings.TrimSpace(deviceName) == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: device name is required", ErrValidation)
	}
	token := s.token
	s.mu.Unlock()

	res, err := s.provisioner.Provision(ctx, s.baseURL, token, deviceName, mode, publicKey)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		// Deadline passed during the remote call; nothing is committed.
		return ErrExpired
	}
	if err != nil {
		// Stay in DeviceSetup so the user can retry or skip.
		return err
	}
	s.result = &res
	s.phase = PhaseFinished
	return nil
}

// SkipDeviceSetup finishes the session without provisioning a device. A
// location stays creatable later through the provisioner outside any
// session.
func (s *Session) SkipDeviceSetup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		return ErrExpired
	}
	if s.phase != PhaseDeviceSetup {
		return fmt.Errorf("%w: not in device setup", ErrValidation)
	}
	s.phase = PhaseFinished
	return nil
}

// Outcome returns the finished session's result. The session keeps its
// secrets until the caller discards it with Cancel, so a commit that
// fails partway (say, a transient disk error) can be retried without
// losing the one-shot private key.
func (s *Session) Outcome() (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() {
		return Outcome{}, ErrExpired
	}
	if s.phase != PhaseFinished {
		return Outcome{}, fmt.Errorf("%w: session not finished", ErrValidation)
	}
	if s.result == nil {
		return Outcome{}, nil
	}
	return Outcome{
		Instance:          s.result.Instance,
		Locations:         s.result.Locations,
		PrivateKey:        s.result.PrivateKey,
		DeviceProvisioned: true,
	}, nil
}

// Cancel discards the session and every collected secret.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wipeLocked()
	s.phase = PhaseExpired
}

// Phase reports the current phase with lazy expiry applied.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return s.phase
}

// TimeRemaining is non-increasing over wall-clock time; zero once the
// deadline passed or before the token is verified.
func (s *Session) TimeRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireLocked() || s.expiresAt.IsZero() {
		return 0
	}
	remaining := s.expiresAt.Sub(s.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Prefill returns the identity the remote side reported at verification,
// for the UI to present during DataVerification.
func (s *Session) Prefill() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefill
}

// expireLocked applies the deadline. Caller holds s.mu. Returns true when
// the session is expired.
func (s *Session) expireLocked() bool {
	if s.phase == PhaseExpired {
		return true
	}
	if s.phase == PhaseFinished || s.phase == PhaseTokenEntry {
		return false
	}
	if !s.expiresAt.IsZero() && s.now().After(s.expiresAt) {
		s.wipeLocked()
		s.phase = PhaseExpired
		return true
	}
	return false
}

// wipeLocked clears all collected secret material. Caller holds s.mu.
func (s *Session) wipeLocked() {
	s.token = ""
	s.password = ""
	s.identity = Identity{}
	s.result = nil
}
