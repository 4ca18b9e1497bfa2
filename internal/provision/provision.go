package provision

import (
	"context"
	"errors"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/YuzuZensai/defguard-client/internal/api"
	"github.com/YuzuZensai/defguard-client/internal/model"
)

var (
	// ErrNetwork is a transport failure talking to the remote instance.
	ErrNetwork = errors.New("provisioning network failure")
	// ErrRejected is an explicit refusal by the remote instance.
	ErrRejected = errors.New("provisioning rejected")
)

// KeyMode selects how the device keypair is handled.
type KeyMode int

const (
	// KeyGenerate creates a fresh keypair locally. The private key is
	// returned to the caller exactly once and never persisted.
	KeyGenerate KeyMode = iota
	// KeyUsePublic registers a caller-supplied public key; no private key
	// is ever generated or held locally.
	KeyUsePublic
)

// Result is a successful provisioning outcome. Nothing in it has been
// committed anywhere; the caller owns the registry write.
type Result struct {
	Instance  model.Instance
	Locations []model.Location
	// PrivateKey is the generated private key in base64, empty for
	// KeyUsePublic. The in-memory Locations carry it too so they can be
	// connected immediately.
	PrivateKey string
}

// Provisioner exchanges an enrollment token for working tunnel
// configurations.
type Provisioner struct {
	newClient func(baseURL string) *api.Client
}

func New() *Provisioner {
	return &Provisioner{newClient: api.NewClient}
}

// NewWithClientFactory is for tests that point the provisioner at a stub
// remote.
func NewWithClientFactory(factory func(baseURL string) *api.Client) *Provisioner {
	return &Provisioner{newClient: factory}
}

// Provision registers a device under the given enrollment token and maps
// the returned peer configs into locations. On any error the registry is
// untouched because nothing here writes to it.
func (p *Provisioner) Provision(ctx context.Context, baseURL, token, deviceName string, mode KeyMode, publicKey string) (Result, error) {
	var (
		privateKey string
		pubKey     string
	)
	switch mode {
	case KeyGenerate:
		key, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			return Result{}, fmt.Errorf("generate keypair: %w", err)
		}
		privateKey = key.String()
		pubKey = key.PublicKey().String()
	case KeyUsePublic:
		key, err := wgtypes.ParseKey(publicKey)
		if err != nil {
			return Result{}, fmt.Errorf("%w: invalid public key: %v", ErrRejected, err)
		}
		pubKey = key.String()
	default:
		return Result{}, fmt.Errorf("unknown key mode %d", mode)
	}

	client := p.newClient(baseURL)
	resp, err := client.CreateDevice(ctx, api.CreateDeviceRequest{
		Token:      token,
		DeviceName: deviceName,
		PublicKey:  pubKey,
	})
	if err != nil {
		return Result{}, classify(err)
	}

	inst := model.Instance{
		ID:        resp.Instance.ID,
		Name:      resp.Instance.Name,
		BaseURL:   resp.Instance.URL,
		AuthToken: resp.Token,
	}
	if inst.BaseURL == "" {
		inst.BaseURL = baseURL
	}

	locations := make([]model.Location, 0, len(resp.Configs))
	for _, cfg := range resp.Configs {
		locations = append(locations, LocationFromConfig(cfg, inst.ID, privateKey))
	}

	return Result{Instance: inst, Locations: locations, PrivateKey: privateKey}, nil
}

// RefreshLocations fetches current location definitions for an already
// enrolled instance.
func (p *Provisioner) RefreshLocations(ctx context.Context, inst model.Instance) ([]model.Location, error) {
	client := p.newClient(inst.BaseURL)
	resp, err := client.Locations(ctx, inst.ID, inst.AuthToken)
	if err != nil {
		return nil, classify(err)
	}
	locations := make([]model.Location, 0, len(resp.Locations))
	for _, cfg := range resp.Locations {
		locations = append(locations, LocationFromConfig(cfg, inst.ID, ""))
	}
	return locations, nil
}

// LocationFromConfig maps a remote peer config onto a location. The
// private key travels only in memory.
func LocationFromConfig(cfg api.DeviceConfig, instanceID, privateKey string) model.Location {
	return model.Location{
		InstanceID:      instanceID,
		Name:            cfg.NetworkName,
		Address:         cfg.AssignedIP,
		PeerPublicKey:   cfg.PeerPublicKey,
		Endpoint:        cfg.Endpoint,
		AllowedIPs:      cfg.AllowedIPs,
		DNS:             cfg.DNS,
		MTU:             cfg.MTU,
		KeepaliveSec:    cfg.KeepaliveSec,
		LocalPrivateKey: privateKey,
	}
}

func classify(err error) error {
	var re *api.RemoteError
	if errors.As(err, &re) {
		return fmt.Errorf("%w: %s", ErrRejected, re.Message)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
