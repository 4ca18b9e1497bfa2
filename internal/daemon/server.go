package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YuzuZensai/defguard-client/internal/config"
	"github.com/YuzuZensai/defguard-client/internal/enroll"
	"github.com/YuzuZensai/defguard-client/internal/execx"
	"github.com/YuzuZensai/defguard-client/internal/model"
	"github.com/YuzuZensai/defguard-client/internal/provision"
	"github.com/YuzuZensai/defguard-client/internal/registry"
	"github.com/YuzuZensai/defguard-client/internal/stats"
	"github.com/YuzuZensai/defguard-client/internal/tunnel"
	"github.com/YuzuZensai/defguard-client/internal/wireguard"
)

// Server exposes the local control API consumed by the desktop client.
// It binds loopback only; there is no authentication beyond that.
type Server struct {
	cfg         config.Config
	log         *zap.SugaredLogger
	reg         *registry.Registry
	tunnels     *tunnel.Manager
	collector   *stats.Collector
	provisioner *provision.Provisioner

	// mu guards the enrollment singleton and the in-memory secret maps.
	// Private keys and auth tokens live here and nowhere else; a daemon
	// restart forgets them.
	mu         sync.Mutex
	session    *enroll.Session
	starting   bool              // a session is mid token verification
	keys       map[string]string // location ID -> private key
	authTokens map[string]string // instance ID -> auth token

	// newSessionFn lets tests build sessions with a fake clock.
	newSessionFn func(baseURL string) *enroll.Session
}

// NewServer wires the daemon against the real system: wgctrl for the data
// plane, ip(8) via exec for link management.
func NewServer(cfg config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	reg, err := registry.Load(filepath.Join(cfg.DataDir, "registry.yaml"))
	if err != nil {
		return nil, err
	}
	dev, err := wireguard.NewCtrlDevice()
	if err != nil {
		return nil, err
	}
	runner := execx.NewOSRunner(os.Stdout, os.Stderr)
	history := stats.NewHistory(filepath.Join(cfg.DataDir, "history.csv"))

	var tunnels *tunnel.Manager
	collector := stats.NewCollector(stats.Options{
		History:     history,
		Device:      dev,
		Interval:    time.Duration(cfg.StatsIntervalSec) * time.Second,
		STUNServers: cfg.STUNServers,
		OnLost:      func(locationID string) { tunnels.MarkLost(locationID) },
		Log:         zap.S(),
	})
	tunnels = tunnel.NewManager(tunnel.Options{
		Interfaces:       wireguard.NewManager(runner),
		Device:           dev,
		Runner:           runner,
		UserspaceBinary:  cfg.UserspaceBinary,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutSec) * time.Second,
		Listener:         collector,
		Log:              zap.S(),
	})

	return newServer(cfg, reg, tunnels, collector, provision.New()), nil
}

// newServer is the seam for tests, which inject fakes for everything that
// touches the system.
func newServer(cfg config.Config, reg *registry.Registry, tunnels *tunnel.Manager, collector *stats.Collector, provisioner *provision.Provisioner) *Server {
	return &Server{
		cfg:         cfg,
		log:         zap.S(),
		reg:         reg,
		tunnels:     tunnels,
		collector:   collector,
		provisioner: provisioner,
		keys:        make(map[string]string),
		authTokens:  make(map[string]string),
	}
}

// Handler builds the control API routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", s.handleConnect)
	mux.HandleFunc("/disconnect", s.handleDisconnect)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/instances", s.handleInstances)
	mux.HandleFunc("/locations", s.handleLocations)
	mux.HandleFunc("/locations/routing", s.handleRouting)
	mux.HandleFunc("/locations/refresh", s.handleRefresh)
	mux.HandleFunc("/enroll/start", s.handleEnrollStart)
	mux.HandleFunc("/enroll/advance", s.handleEnrollAdvance)
	mux.HandleFunc("/enroll/device", s.handleEnrollDevice)
	mux.HandleFunc("/enroll/skip-device", s.handleEnrollSkipDevice)
	mux.HandleFunc("/enroll/finish", s.handleEnrollFinish)
	mux.HandleFunc("/enroll/cancel", s.handleEnrollCancel)
	mux.HandleFunc("/enroll/status", s.handleEnrollStatus)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/connections/last", s.handleLastConnection)
	mux.HandleFunc("/stats/summary", s.handleSummary)
	return mux
}

// ListenAndServe runs the control API until the context is cancelled, then
// tears down every active tunnel.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("control API listening on %s", s.cfg.Listen)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.tunnels.DisconnectAll()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}

	loc, err := s.reg.LocationByID(req.LocationID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	s.mu.Lock()
	key := s.keys[loc.ID]
	s.mu.Unlock()
	if req.PrivateKey != "" {
		key = req.PrivateKey
	}
	if key == "" {
		writeJSONError(w, http.StatusConflict, "no private key held for location; supply one in the request")
		return
	}
	loc.LocalPrivateKey = key

	if _, err := s.tunnels.Connect(r.Context(), loc); err != nil {
		switch {
		case errors.Is(err, tunnel.ErrAlreadyActive):
			writeJSONError(w, http.StatusConflict, err.Error())
		case errors.Is(err, tunnel.ErrHandshakeTimeout):
			writeJSONError(w, http.StatusGatewayTimeout, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// The key worked; remember it for reconnects within this daemon run.
	s.mu.Lock()
	s.keys[loc.ID] = key
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req DisconnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}
	if err := s.tunnels.Disconnect(req.LocationID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := r.URL.Query().Get("location_id")
	resp := StatusResponse{Locations: []LocationStatus{}}
	for _, inst := range s.reg.Instances() {
		for _, loc := range s.reg.LocationsByInstance(inst.ID) {
			if filter != "" && loc.ID != filter {
				continue
			}
			row := LocationStatus{
				LocationID: loc.ID,
				InstanceID: loc.InstanceID,
				Name:       loc.Name,
				State:      s.tunnels.Status(loc.ID).String(),
			}
			if err := s.tunnels.Failure(loc.ID); err != nil {
				row.Failure = err.Error()
			}
			if rec, ok, err := s.collector.LastRecord(loc.ID); err == nil && ok {
				if rec.Sealed() {
					row.LastActiveAt = rec.EndedAt
				} else {
					started := rec.StartedAt
					row.ConnectedAt = &started
				}
			}
			resp.Locations = append(resp.Locations, row)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, InstancesResponse{Instances: s.reg.Instances()})
	case http.MethodPost:
		var req AddInstanceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Name == "" || req.BaseURL == "" {
			writeJSONError(w, http.StatusBadRequest, "name and base_url are required")
			return
		}
		inst, err := s.reg.AddInstance(model.Instance{Name: req.Name, BaseURL: req.BaseURL})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, inst)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "id required")
			return
		}
		// Active tunnels of the instance go down before the records do.
		for _, loc := range s.reg.LocationsByInstance(id) {
			if err := s.tunnels.Disconnect(loc.ID); err != nil {
				s.log.Errorf("disconnect %s: %v", loc.ID, err)
			}
			s.mu.Lock()
			delete(s.keys, loc.ID)
			s.mu.Unlock()
		}
		if err := s.reg.RemoveInstance(id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				writeJSONError(w, http.StatusNotFound, err.Error())
				return
			}
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.mu.Lock()
		delete(s.authTokens, id)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	instanceID := r.URL.Query().Get("instance_id")
	var locs []model.Location
	if instanceID != "" {
		locs = s.reg.LocationsByInstance(instanceID)
	} else {
		for _, inst := range s.reg.Instances() {
			locs = append(locs, s.reg.LocationsByInstance(inst.ID)...)
		}
	}
	writeJSON(w, http.StatusOK, LocationsResponse{Locations: s.decorate(locs)})
}

func (s *Server) handleRouting(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req RoutingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LocationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}
	loc, err := s.reg.SetRouteAllTraffic(req.LocationID, req.RouteAllTraffic)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req RefreshLocationsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.InstanceID == "" {
		writeJSONError(w, http.StatusBadRequest, "instance_id required")
		return
	}
	inst, err := s.reg.InstanceByID(req.InstanceID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	s.mu.Lock()
	inst.AuthToken = s.authTokens[inst.ID]
	s.mu.Unlock()
	if req.AuthToken != "" {
		inst.AuthToken = req.AuthToken
	}

	defs, err := s.provisioner.RefreshLocations(r.Context(), inst)
	if err != nil {
		if errors.Is(err, provision.ErrRejected) {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	locs, err := s.reg.UpsertLocations(inst.ID, defs)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.AuthToken != "" {
		// The token worked; keep it for later refreshes this daemon run.
		s.mu.Lock()
		s.authTokens[inst.ID] = req.AuthToken
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, LocationsResponse{Locations: s.decorate(locs)})
}

func (s *Server) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req EnrollStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" || req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "url and token are required")
		return
	}

	s.mu.Lock()
	if s.starting {
		s.mu.Unlock()
		writeJSONError(w, http.StatusConflict, "an enrollment session is already in progress")
		return
	}
	if s.session != nil {
		switch s.session.Phase() {
		case enroll.PhaseTokenEntry, enroll.PhaseExpired, enroll.PhaseFinished:
			// Spent or never got going; replace it.
		default:
			s.mu.Unlock()
			writeJSONError(w, http.StatusConflict, "an enrollment session is already in progress")
			return
		}
	}
	session := s.newSession(req.URL)
	s.session = session
	// Hold the marker across the verify call: the fresh session sits in
	// token entry until SubmitToken gets going, and that window must not
	// let a concurrent start replace it.
	s.starting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if err := session.SubmitToken(r.Context(), req.Token); err != nil {
		if errors.Is(err, enroll.ErrInvalidToken) {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.enrollStatus())
}

func (s *Server) handleEnrollAdvance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	session := s.currentSession()
	if session == nil {
		writeJSONError(w, http.StatusConflict, "no enrollment session")
		return
	}
	var req EnrollAdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	switch session.Phase() {
	case enroll.PhaseDataVerification:
		err = session.ConfirmIdentity(enroll.Identity{FullName: req.FullName, Email: req.Email})
	case enroll.PhasePasswordSetup:
		err = session.SetPassword(req.Password, req.PasswordConfirmation)
	default:
		writeJSONError(w, http.StatusConflict, "session is not waiting for input")
		return
	}
	if err != nil {
		writeEnrollError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.enrollStatus())
}

func (s *Server) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	session := s.currentSession()
	if session == nil {
		writeJSONError(w, http.StatusConflict, "no enrollment session")
		return
	}
	var req EnrollDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := provision.KeyGenerate
	if req.PublicKey != "" {
		mode = provision.KeyUsePublic
	}
	if err := session.ProvisionDevice(r.Context(), req.DeviceName, mode, req.PublicKey); err != nil {
		writeEnrollError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.enrollStatus())
}

func (s *Server) handleEnrollSkipDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	session := s.currentSession()
	if session == nil {
		writeJSONError(w, http.StatusConflict, "no enrollment session")
		return
	}
	if err := session.SkipDeviceSetup(); err != nil {
		writeEnrollError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.enrollStatus())
}

// handleEnrollFinish commits the session outcome to the registry and hands
// the generated private key back exactly once.
func (s *Server) handleEnrollFinish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	session := s.currentSession()
	if session == nil {
		writeJSONError(w, http.StatusConflict, "no enrollment session")
		return
	}

	out, err := session.Outcome()
	if err != nil {
		writeEnrollError(w, err)
		return
	}

	// The session is discarded only once the whole commit has landed, so
	// a failed registry write leaves it intact and finish can be retried
	// without losing the one-shot private key.
	resp := EnrollFinishResponse{Locations: []model.Location{}}
	if out.DeviceProvisioned {
		inst, err := s.reg.AddInstance(out.Instance)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		keys := make(map[string]string, len(out.Locations))
		for _, loc := range out.Locations {
			loc.InstanceID = inst.ID
			key := loc.LocalPrivateKey
			committed, err := s.reg.CommitLocation(loc)
			if err != nil {
				// Never leave the instance committed with a subset of
				// its locations; the retry starts from scratch.
				if rbErr := s.reg.RemoveInstance(inst.ID); rbErr != nil {
					s.log.Errorf("roll back instance %s: %v", inst.ID, rbErr)
				}
				writeJSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if key != "" {
				keys[committed.ID] = key
			}
			resp.Locations = append(resp.Locations, committed)
		}

		s.mu.Lock()
		s.authTokens[inst.ID] = out.Instance.AuthToken
		for id, key := range keys {
			s.keys[id] = key
		}
		s.mu.Unlock()

		resp.Instance = inst
		resp.PrivateKey = out.PrivateKey
	}

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	session.Cancel()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnrollCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.mu.Lock()
	if s.session != nil {
		s.session.Cancel()
		s.session = nil
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnrollStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.enrollStatus())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.collector.Records(locationID, since)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ConnectionsResponse{Records: records})
}

func (s *Server) handleLastConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}
	rec, ok, err := s.collector.LastRecord(locationID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := LastConnectionResponse{}
	if ok {
		resp.Record = &rec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	locationID := r.URL.Query().Get("location_id")
	if locationID == "" {
		writeJSONError(w, http.StatusBadRequest, "location_id required")
		return
	}
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.collector.Records(locationID, since)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		LocationID: locationID,
		Summary:    stats.Summarize(records, since, time.Now().UTC()),
	})
}

func (s *Server) decorate(locs []model.Location) []LocationView {
	out := make([]LocationView, 0, len(locs))
	for _, loc := range locs {
		state := s.tunnels.Status(loc.ID)
		out = append(out, LocationView{
			Location: loc,
			Active:   state == tunnel.StateConnected || state == tunnel.StateConnecting,
		})
	}
	return out
}

func (s *Server) newSession(baseURL string) *enroll.Session {
	if s.newSessionFn != nil {
		return s.newSessionFn(baseURL)
	}
	return enroll.NewSession(baseURL, s.provisioner)
}

func (s *Server) currentSession() *enroll.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) enrollStatus() EnrollStatusResponse {
	session := s.currentSession()
	if session == nil {
		return EnrollStatusResponse{}
	}
	prefill := session.Prefill()
	return EnrollStatusResponse{
		Active:           true,
		Phase:            session.Phase().String(),
		SecondsRemaining: int(session.TimeRemaining() / time.Second),
		PrefillName:      prefill.FullName,
		PrefillEmail:     prefill.Email,
	}
}

func writeEnrollError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, enroll.ErrExpired):
		writeJSONError(w, http.StatusGone, err.Error())
	case errors.Is(err, enroll.ErrValidation), errors.Is(err, enroll.ErrInvalidToken):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provision.ErrRejected):
		writeJSONError(w, http.StatusUnauthorized, err.Error())
	default:
		writeJSONError(w, http.StatusBadGateway, err.Error())
	}
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
