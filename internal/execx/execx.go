package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so packages can be unit-tested without
// touching real system networking (ip) or spawning a real data plane.
type Runner interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) (string, error)
	// Start launches a long-lived process and returns a handle for
	// supervision. The caller owns the handle and must Stop or Wait it.
	Start(name string, args ...string) (Process, error)
}

// Process is a supervisable child process.
type Process interface {
	// Done is closed with the exit error (nil on clean exit) when the
	// process terminates.
	Done() <-chan error
	// Stop terminates the process and waits for it to exit.
	Stop() error
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewOSRunner(stdout, stderr io.Writer) *OSRunner {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &OSRunner{Stdout: stdout, Stderr: stderr}
}

func (r *OSRunner) Run(name string, args ...string) error {
	return r.runContext(context.Background(), name, args...)
}

func (r *OSRunner) runContext(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%s: %s", err.Error(), msg)
		}
		return err
	}
	if stderr.Len() > 0 && r.Stderr != nil {
		_, _ = io.Copy(r.Stderr, &stderr)
	}
	return nil
}

func (r *OSRunner) Output(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return "", errors.New(buf.String())
	}
	return strings.TrimSpace(buf.String()), nil
}

func (r *OSRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &osProcess{cmd: cmd, done: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		p.done <- err
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan error
}

func (p *osProcess) Done() <-chan error { return p.done }

func (p *osProcess) Stop() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	err, ok := <-p.done
	if !ok {
		return nil
	}
	return err
}
