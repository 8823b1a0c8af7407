// Package runner executes the requested tests on a provisioned system, in
// declaration order, honoring each wrapper's reboot semantics and fetching
// result archives back to the controller.
package runner

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/report"
	"github.com/redhat-performance/zathras/target"
	"github.com/redhat-performance/zathras/wrapper"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/crypto/ssh"
)

// ErrTargetLost: the system stopped answering mid-run (e.g. a reclaimed
// spot instance). Results recorded so far are still returned.
var ErrTargetLost = errors.New("target stopped responding during test execution")

const remoteTestDir = "zathras_tests"

type Runner struct {
	sys     *config.SystemConfig
	tgt     target.Target
	catalog *wrapper.Catalog
	workDir string
}

func New(sys *config.SystemConfig, tgt target.Target, catalog *wrapper.Catalog, workDir string) *Runner {
	return &Runner{sys: sys, tgt: tgt, catalog: catalog, workDir: workDir}
}

// RunPass runs the given tests once under one tuned profile. A wrapper
// failure is recorded but does not stop the remaining tests unless
// halt_on_failure is set; losing the target entirely stops the pass and
// returns ErrTargetLost.
func (r *Runner) RunPass(tests []string, profile string, iteration int) ([]*report.RunResult, error) {
	var results []*report.RunResult
	for _, name := range tests {
		res, err := r.runOne(name, profile, iteration)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
		if res != nil && !res.Pass && r.sys.Options.HaltOnFailure {
			slog.Warn("halting remaining tests after failure",
				slog.String("system", r.sys.Name),
				slog.String("test", name),
			)
			break
		}
	}
	return results, nil
}

func (r *Runner) runOne(name, profile string, iteration int) (*report.RunResult, error) {
	desc, err := r.catalog.Get(name)
	if err != nil {
		return &report.RunResult{Test: name, TunedProfile: profile, Iteration: iteration, Error: err.Error()}, nil
	}

	result := &report.RunResult{Test: name, TunedProfile: profile, Iteration: iteration}

	err = r.fetchWrapper(desc)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}

	if desc.RebootBefore() {
		err = r.tgt.Reboot()
		if err != nil {
			result.Error = fmt.Errorf("reboot before %s failed: %w", name, err).Error()
			return result, nil
		}
	}

	cmd := r.wrapperCommand(desc, profile, iteration)
	slog.Info("running test", slog.String("system", r.sys.Name), slog.String("test", name), slog.String("command", cmd))

	start := time.Now()
	out, err := r.tgt.RunCommand(cmd)
	result.DurationSec = time.Since(start).Seconds()

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			// wrapper reported failure; tests are independent units of work
			slog.Error("test wrapper failed",
				slog.String("system", r.sys.Name),
				slog.String("test", name),
				slog.Int("exitStatus", exitErr.ExitStatus()),
			)
			result.Error = fmt.Sprintf("wrapper exited with status %d", exitErr.ExitStatus())
		} else if isLocalExit(err) {
			result.Error = err.Error()
		} else {
			result.Error = err.Error()
			return result, fmt.Errorf("%w: %s", ErrTargetLost, err.Error())
		}
	}
	slog.Debug("test wrapper finished", slog.String("test", name), slog.String("output", tail(out)))

	if desc.RebootAfter() {
		err = r.tgt.Reboot()
		if err != nil {
			slog.Error("reboot after test failed", slog.String("test", name), slog.String("error", err.Error()))
		}
	}

	result.Pass = r.checkResultReport(name) && result.Error == ""

	if desc.ArchiveResults && r.sys.Options.ArchiveResults {
		path, err := r.fetchArchive(name)
		if err != nil {
			slog.Error("can't fetch result archive", slog.String("test", name), slog.String("error", err.Error()))
		} else {
			result.ArtifactPath = path
		}
	}
	return result, nil
}

// fetchWrapper downloads and unpacks the version-tagged wrapper source on
// the target.
func (r *Runner) fetchWrapper(desc *wrapper.Descriptor) error {
	url, err := desc.SourceURL()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(
		"mkdir -p %[1]s/%[2]s && curl -Lso %[1]s/%[2]s.tar.gz %[3]s && tar xzf %[1]s/%[2]s.tar.gz -C %[1]s/%[2]s --strip-components=1",
		remoteTestDir, desc.Name, shellescape.Quote(url),
	)
	out, err := r.tgt.RunCommand(cmd)
	if err != nil {
		return fmt.Errorf("can't fetch wrapper for %s: %w: %s", desc.Name, err, tail(out))
	}
	return nil
}

// wrapperCommand builds the driver invocation with the system/tuning/
// iteration context the wrappers expect.
func (r *Runner) wrapperCommand(desc *wrapper.Descriptor, profile string, iteration int) string {
	args := []string{
		fmt.Sprintf("./%s/%s/run_%s.sh", remoteTestDir, desc.Name, desc.Name),
		"--sut", r.tgt.Addr(),
		"--iteration", fmt.Sprint(iteration),
	}
	if profile != "" {
		args = append(args, "--tuned_profile", profile)
	}
	if desc.NeedsPbench && r.sys.Options.UsePbench {
		args = append(args, "--use_pbench")
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellescape.Quote(a)
	}
	return strings.Join(quoted, " ")
}

// checkResultReport decides pass/fail from the wrapper's
// test_results_report marker: missing means fail, content mentioning a
// failure means fail.
func (r *Runner) checkResultReport(name string) bool {
	out, err := r.tgt.RunCommand(fmt.Sprintf("cat %s/%s/test_results_report", remoteTestDir, name))
	if err != nil {
		return false
	}
	content := strings.ToLower(string(out))
	return !strings.Contains(content, "fail")
}

// fetchArchive copies results_<test>.zip back to the controller, with a
// progress bar when the target can report the remote size.
func (r *Runner) fetchArchive(name string) (string, error) {
	remote := fmt.Sprintf("%s/%s/results_%s.zip", remoteTestDir, name, name)
	local := filepath.Join(r.workDir, fmt.Sprintf("results_%s.zip", name))

	f, err := os.Create(local)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if st, ok := r.tgt.(*target.SSHTarget); ok {
		size, err := st.RemoteFileSize(remote)
		if err == nil {
			bar := progressbar.DefaultBytes(size, "Fetching "+filepath.Base(remote))
			err = st.CopyFileFrom(remote, progressWriter{f, bar})
			bar.Finish()
			return local, err
		}
	}
	err = r.tgt.CopyFileFrom(remote, f)
	if err != nil {
		return "", err
	}
	return local, nil
}

type progressWriter struct {
	f   *os.File
	bar *progressbar.ProgressBar
}

func (w progressWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.bar.Add(n)
	return n, err
}

// Packages returns the per-vendor prerequisite packages for the requested
// tests, for the install stage.
func Packages(catalog *wrapper.Catalog, tests []string, vendor string) []string {
	seen := map[string]bool{}
	var out []string
	for _, name := range tests {
		desc, err := catalog.Get(name)
		if err != nil {
			continue
		}
		for _, pkg := range desc.Packages[vendor] {
			if !seen[pkg] {
				seen[pkg] = true
				out = append(out, pkg)
			}
		}
	}
	return out
}

// local targets surface wrapper failure as *exec.ExitError
func isLocalExit(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
