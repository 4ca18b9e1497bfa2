package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/YuzuZensai/defguard-client/internal/model"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Load(filepath.Join(t.TempDir(), "registry.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func TestLoad_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	if n := len(r.Instances()); n != 0 {
		t.Fatalf("instances=%d", n)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	inst, err := r.AddInstance(model.Instance{Name: "acme", BaseURL: "https://vpn.acme.test"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if inst.ID == "" {
		t.Fatalf("no id assigned")
	}
	loc, err := r.CommitLocation(model.Location{
		InstanceID:    inst.ID,
		Name:          "hq",
		Address:       "10.6.0.2/24",
		PeerPublicKey: "pk",
		Endpoint:      "vpn.acme.test:51820",
		AllowedIPs:    []string{"10.6.0.0/24"},
	})
	if err != nil {
		t.Fatalf("CommitLocation: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := out.LocationByID(loc.ID)
	if err != nil {
		t.Fatalf("LocationByID: %v", err)
	}
	if diff := cmp.Diff(loc, got); diff != "" {
		t.Fatalf("location mismatch (-want +got):\n%s", diff)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}

func TestCommitLocation_RequiresLiveInstance(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	_, err := r.CommitLocation(model.Location{InstanceID: "nope", Name: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestRemoveInstance_CascadesLocations(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	inst, err := r.AddInstance(model.Instance{Name: "acme", BaseURL: "u"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if _, err := r.CommitLocation(model.Location{InstanceID: inst.ID, Name: "hq"}); err != nil {
		t.Fatalf("CommitLocation: %v", err)
	}

	if err := r.RemoveInstance(inst.ID); err != nil {
		t.Fatalf("RemoveInstance: %v", err)
	}
	if locs := r.LocationsByInstance(inst.ID); len(locs) != 0 {
		t.Fatalf("locations=%v", locs)
	}
}

func TestSecretsNeverPersisted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "registry.yaml")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inst, err := r.AddInstance(model.Instance{Name: "acme", BaseURL: "u", EnrollmentToken: "SECRET-TOKEN"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	if _, err := r.CommitLocation(model.Location{InstanceID: inst.ID, Name: "hq", LocalPrivateKey: "SECRET-KEY"}); err != nil {
		t.Fatalf("CommitLocation: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "SECRET") {
		t.Fatalf("secret material persisted:\n%s", data)
	}
}

func TestUpsertLocations_UpdatesByNameAndKeepsRouting(t *testing.T) {
	t.Parallel()

	r := testRegistry(t)
	inst, err := r.AddInstance(model.Instance{Name: "acme", BaseURL: "u"})
	if err != nil {
		t.Fatalf("AddInstance: %v", err)
	}
	loc, err := r.CommitLocation(model.Location{InstanceID: inst.ID, Name: "hq", Endpoint: "old:51820"})
	if err != nil {
		t.Fatalf("CommitLocation: %v", err)
	}
	if _, err := r.SetRouteAllTraffic(loc.ID, true); err != nil {
		t.Fatalf("SetRouteAllTraffic: %v", err)
	}

	out, err := r.UpsertLocations(inst.ID, []model.Location{
		{Name: "hq", Endpoint: "new:51820"},
		{Name: "branch", Endpoint: "branch:51820"},
	})
	if err != nil {
		t.Fatalf("UpsertLocations: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("upserted=%d", len(out))
	}

	got, err := r.LocationByID(loc.ID)
	if err != nil {
		t.Fatalf("LocationByID: %v", err)
	}
	if got.Endpoint != "new:51820" {
		t.Fatalf("endpoint=%q", got.Endpoint)
	}
	if !got.RouteAllTraffic {
		t.Fatalf("route_all_traffic reset on upsert")
	}
	if locs := r.LocationsByInstance(inst.ID); len(locs) != 2 {
		t.Fatalf("locations=%d", len(locs))
	}
}
