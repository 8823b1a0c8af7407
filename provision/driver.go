// Package provision turns a resolved system configuration into a reachable,
// verified target, retrying per policy around the cloud provider.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/provider"
	"github.com/redhat-performance/zathras/target"
	"golang.org/x/crypto/ssh"
)

type State string

const (
	StateUnprovisioned          State = "Unprovisioned"
	StatePlanning               State = "Planning"
	StateApplying               State = "Applying"
	StateWaitingForReachability State = "WaitingForReachability"
	StateCpuVerification        State = "CpuVerification"
	StateProvisioned            State = "Provisioned"
	StateFailed                 State = "Failed"
)

// ErrCPUMismatch: the created instance does not have the requested CPU
// model. The resource has already been destroyed when this is returned.
var ErrCPUMismatch = errors.New("instance CPU does not match requested cpu_type")

const (
	reachabilityProbes = 30
	reachabilityDelay  = 10 * time.Second
)

// Driver walks one system through the provisioning states. Every transition
// is appended to progress.log in the system's working directory so a crashed
// run can be diagnosed post-mortem; there is no transactional guarantee, so
// a crash mid-Applying can leave orphaned billable resources.
type Driver struct {
	sys     *config.SystemConfig
	prov    provider.Provider
	workDir string
	state   State
}

func NewDriver(sys *config.SystemConfig, prov provider.Provider, workDir string) *Driver {
	return &Driver{sys: sys, prov: prov, workDir: workDir, state: StateUnprovisioned}
}

func (d *Driver) State() State { return d.state }

func (d *Driver) transition(s State, detail string) {
	d.state = s
	line := fmt.Sprintf("%s %s state: %s", time.Now().Format(time.RFC3339), d.sys.Name, s)
	if detail != "" {
		line += " " + detail
	}
	slog.Info("provisioning state", slog.String("system", d.sys.Name), slog.String("state", string(s)))

	f, err := os.OpenFile(filepath.Join(d.workDir, "progress.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("can't write progress marker", slog.String("error", err.Error()))
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}

// Provision runs a single attempt. On failure the partial resource (if any)
// is returned alongside the error so the caller can dispose of it.
func (d *Driver) Provision(ctx context.Context, req *provider.Request) (*provider.Resource, target.Target, error) {
	d.transition(StatePlanning, fmt.Sprintf("instance=%s spot=%q", instanceLabel(d.sys), req.SpotMaxPrice))

	d.transition(StateApplying, "")
	res, err := d.prov.Provision(ctx, req)
	if err != nil {
		d.transition(StateFailed, err.Error())
		return res, nil, err
	}

	tgt, err := d.buildTarget(res)
	if err != nil {
		d.transition(StateFailed, err.Error())
		return res, nil, err
	}

	d.transition(StateWaitingForReachability, "addr="+res.Addr())
	err = d.waitForReachable(tgt)
	if err != nil {
		d.transition(StateFailed, err.Error())
		return res, nil, err
	}

	if d.sys.Options.CPUType != "" {
		d.transition(StateCpuVerification, "want="+d.sys.Options.CPUType)
		err = d.verifyCPU(ctx, tgt, res)
		if err != nil {
			d.transition(StateFailed, err.Error())
			// resource already destroyed on mismatch
			return nil, nil, err
		}
	}

	d.transition(StateProvisioned, "addr="+res.Addr())
	return res, tgt, nil
}

func (d *Driver) buildTarget(res *provider.Resource) (target.Target, error) {
	if d.sys.Options.SystemType == config.SystemTypeLocal {
		return &target.LocalTarget{Hostname: res.Extra["hostname"], WorkDir: d.workDir}, nil
	}

	if len(res.SSHKeyMaterial) > 0 {
		signer, err := ssh.ParsePrivateKey(res.SSHKeyMaterial)
		if err != nil {
			return nil, fmt.Errorf("can't parse provider key material: %w", err)
		}
		return &target.SSHTarget{
			User:    res.SSHUser,
			IP:      res.Addr(),
			SSHPort: 22,
			Auths:   []ssh.AuthMethod{ssh.PublicKeys(signer)},
		}, nil
	}
	return target.NewSSHTargetFromKeyFile(d.sys.Options.SSHUser, res.Addr(), d.sys.Options.SSHKeyFile)
}

func (d *Driver) waitForReachable(tgt target.Target) error {
	if d.sys.Options.SystemType == config.SystemTypeLocal {
		return nil
	}
	for i := 0; i < reachabilityProbes; i++ {
		out, err := tgt.RunCommand("whoami")
		if err == nil && strings.TrimSpace(string(out)) == d.sys.Options.SSHUser {
			return nil
		}
		if err != nil {
			slog.Debug("reachability check failed", slog.String("system", d.sys.Name), slog.String("error", err.Error()))
		}
		time.Sleep(reachabilityDelay)
	}
	return fmt.Errorf("timed out waiting for %s to be reachable", d.sys.Name)
}

// verifyCPU reads the CPU identification from the created instance and
// substring-matches it against the requested cpu_type. A mismatch disposes
// of the resource before reporting failure so the caller can retry with a
// fresh attempt.
func (d *Driver) verifyCPU(ctx context.Context, tgt target.Target, res *provider.Resource) error {
	out, err := tgt.RunCommand("lscpu")
	if err != nil {
		return fmt.Errorf("can't read CPU identification: %w", err)
	}

	if strings.Contains(string(out), d.sys.Options.CPUType) {
		return nil
	}

	slog.Info("wrong CPU type, disposing of instance",
		slog.String("system", d.sys.Name),
		slog.String("want", d.sys.Options.CPUType),
	)
	err = d.prov.Destroy(ctx, res)
	if err != nil {
		slog.Error("failed to destroy mismatched instance", slog.String("error", err.Error()))
	}
	return ErrCPUMismatch
}

func instanceLabel(sys *config.SystemConfig) string {
	if sys.Host != nil {
		return sys.Host.InstanceType
	}
	return sys.Options.HostConfig
}
