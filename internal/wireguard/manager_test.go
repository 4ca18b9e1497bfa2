package wireguard

import (
	"errors"
	"strings"
	"testing"

	"github.com/YuzuZensai/defguard-client/internal/execx"
)

type recordRunner struct {
	cmds   []string
	runErr error
	outErr error
}

func (r *recordRunner) Run(name string, args ...string) error {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return r.runErr
}

func (r *recordRunner) Output(name string, args ...string) (string, error) {
	r.cmds = append(r.cmds, name+" "+strings.Join(args, " "))
	return "", r.outErr
}

func (r *recordRunner) Start(name string, args ...string) (execx.Process, error) {
	return nil, errors.New("not supported")
}

var _ execx.Runner = (*recordRunner)(nil)

func TestEnsureInterface_SkipsExisting(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{}
	m := NewManager(rr)
	if err := m.EnsureInterface("dg0"); err != nil {
		t.Fatalf("EnsureInterface: %v", err)
	}
	for _, c := range rr.cmds {
		if strings.Contains(c, "link add") {
			t.Fatalf("link add issued for existing interface; cmds=%v", rr.cmds)
		}
	}
}

func TestEnsureInterface_CreatesMissing(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{outErr: errors.New("Device \"dg0\" does not exist.")}
	m := NewManager(rr)
	if err := m.EnsureInterface("dg0"); err != nil {
		t.Fatalf("EnsureInterface: %v", err)
	}
	want := "ip link add dev dg0 type wireguard"
	found := false
	for _, c := range rr.cmds {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing %q; cmds=%v", want, rr.cmds)
	}
}

func TestDeleteInterface_MissingIsNotAnError(t *testing.T) {
	t.Parallel()

	rr := &recordRunner{runErr: errors.New(`exit status 1: Cannot find device "dg0"`)}
	m := NewManager(rr)
	if err := m.DeleteInterface("dg0"); err != nil {
		t.Fatalf("DeleteInterface: %v", err)
	}
}

func TestConfigure_RejectsBadKeys(t *testing.T) {
	t.Parallel()

	// Validation happens before any wgctrl socket is touched, so a
	// zero-value CtrlDevice is enough to exercise it.
	d := &CtrlDevice{}
	err := d.Configure("dg0", DeviceConfig{PrivateKey: "not-a-key"})
	if err == nil || !strings.Contains(err.Error(), "private key") {
		t.Fatalf("err=%v", err)
	}
}
