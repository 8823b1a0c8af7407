// Package install prepares a reachable system for test execution: package
// repos, prerequisites, the optional pbench agent, SELinux and tuned state,
// and uploaded test kits. Each sub-step leaves a status marker file in the
// system's working directory.
package install

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/target"
	"github.com/redhat-performance/zathras/util"
)

// Step outcome recorded in the marker file.
const (
	statusSuccess = "status: success"
	statusFailed  = "status: failed"
)

// Base delay of the package-install retry loop; retry-go grows it between
// attempts. Shortened in tests.
var pkgRetryDelay = 10 * time.Second

type Installer struct {
	sys     *config.SystemConfig
	tgt     target.Target
	workDir string
}

func New(sys *config.SystemConfig, tgt target.Target, workDir string) *Installer {
	return &Installer{sys: sys, tgt: tgt, workDir: workDir}
}

// Run executes the install sub-steps in order. A failure in a required
// sub-step aborts; ignorable failures are logged and skipped.
func (in *Installer) Run(packages []string) error {
	steps := []struct {
		name     string
		required bool
		fn       func() error
	}{
		{"enable_repos", in.sys.Options.ErrorRepoErrors, in.enableRepos},
		{"install_packages", in.sys.Options.ErrorRepoErrors, func() error { return in.installPackages(packages) }},
		{"pbench", true, in.installPbench},
		{"selinux", true, in.applySELinux},
		{"tuned", true, in.applyInitialTuned},
		{"upload_files", true, in.uploadFiles},
	}

	for _, step := range steps {
		err := step.fn()
		in.writeMarker(step.name, err)
		if err == nil {
			continue
		}
		if step.required {
			return fmt.Errorf("install step %s failed: %w", step.name, err)
		}
		slog.Warn("ignoring install step failure",
			slog.String("system", in.sys.Name),
			slog.String("step", step.name),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (in *Installer) writeMarker(step string, err error) {
	status := statusSuccess
	if err != nil {
		status = statusFailed + ": " + err.Error()
	}
	path := filepath.Join(in.workDir, "install_"+step+".status")
	werr := os.WriteFile(path, []byte(status+"\n"), 0o644)
	if werr != nil {
		slog.Debug("can't write install marker", slog.String("error", werr.Error()))
	}
	logInstall(in.sys.Name, step, status)
}

func (in *Installer) pkgManager() string {
	switch in.sys.Options.OSVendor {
	case "ubuntu", "debian":
		return "apt-get"
	case "suse", "sles":
		return "zypper"
	default:
		return "dnf"
	}
}

func (in *Installer) enableRepos() error {
	var cmd string
	switch in.pkgManager() {
	case "apt-get":
		cmd = "sudo apt-get update -y"
	case "zypper":
		cmd = "sudo zypper refresh"
	default:
		cmd = "sudo dnf makecache"
	}
	out, err := in.tgt.RunCommand(cmd)
	if err != nil {
		return fmt.Errorf("repo refresh failed: %w: %s", err, util.LastNonEmptyLine(out))
	}
	return nil
}

// installPackages retries with growing delay: another process may hold the
// package manager lock right after boot.
func (in *Installer) installPackages(packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	cmd := fmt.Sprintf("sudo %s install -y %s", in.pkgManager(), strings.Join(packages, " "))
	return retry.Do(
		func() error {
			out, err := in.tgt.RunCommand(cmd)
			if err != nil {
				return fmt.Errorf("package install failed: %w: %s", err, util.LastNonEmptyLine(out))
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(pkgRetryDelay),
	)
}

func (in *Installer) installPbench() error {
	if !in.sys.Options.UsePbench {
		return nil
	}
	cmds := []string{
		fmt.Sprintf("sudo %s install -y pbench-agent", in.pkgManager()),
		"sudo pbench-register-tool-set",
	}
	for _, cmd := range cmds {
		out, err := in.tgt.RunCommand(cmd)
		if err != nil {
			return fmt.Errorf("pbench setup failed running %q: %w: %s", cmd, err, util.LastNonEmptyLine(out))
		}
	}
	slog.Info("pbench agent installed and collectors registered", slog.String("system", in.sys.Name))
	return nil
}

// applySELinux changes the SELinux state and reboots if the state actually
// changed, since enforcing<->disabled needs a boot to take effect.
func (in *Installer) applySELinux() error {
	want := in.sys.Options.SELinuxState
	if want == "" {
		return nil
	}

	out, err := in.tgt.RunCommand("getenforce")
	if err != nil {
		return fmt.Errorf("can't read SELinux state: %w", err)
	}
	current := strings.ToLower(strings.TrimSpace(string(out)))
	if current == strings.ToLower(want) {
		return nil
	}

	out, err = in.tgt.RunCommand(fmt.Sprintf(
		"sudo sed -i 's/^SELINUX=.*/SELINUX=%s/' /etc/selinux/config", strings.ToLower(want)))
	if err != nil {
		return fmt.Errorf("can't set SELinux state: %w: %s", err, util.LastNonEmptyLine(out))
	}

	slog.Info("SELinux state changed, rebooting",
		slog.String("system", in.sys.Name),
		slog.String("from", current),
		slog.String("to", want),
	)
	return in.tgt.Reboot()
}

func (in *Installer) applyInitialTuned() error {
	passes := in.sys.Options.TunedPasses()
	return ApplyTuned(in.tgt, passes[0])
}

// ApplyTuned switches the active tuned profile. An empty profile leaves the
// system default in place.
func ApplyTuned(tgt target.Target, profile string) error {
	if profile == "" {
		return nil
	}
	out, err := tgt.RunCommand("sudo tuned-adm profile " + profile)
	if err != nil {
		return fmt.Errorf("can't apply tuned profile %s: %w: %s", profile, err, util.LastNonEmptyLine(out))
	}
	return nil
}

func (in *Installer) uploadFiles() error {
	for _, path := range in.sys.Options.UploadFiles() {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("can't open upload file: %w", err)
		}
		err = in.tgt.CopyFileTo(f, filepath.Join("zathras_uploads", filepath.Base(path)))
		f.Close()
		if err != nil {
			return fmt.Errorf("can't upload %s: %w", path, err)
		}
	}
	return nil
}
