package runner

import (
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/wrapper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	reportContent map[string]string // test name -> test_results_report content
	failCommand   string            // commands containing this substring error out
	failErr       error
	commands      []string
}

func (t *fakeTarget) RunCommand(cmd string) ([]byte, error) {
	t.commands = append(t.commands, cmd)
	if t.failCommand != "" && strings.Contains(cmd, t.failCommand) {
		return nil, t.failErr
	}
	if strings.Contains(cmd, "test_results_report") {
		for name, content := range t.reportContent {
			if strings.Contains(cmd, "/"+name+"/") {
				return []byte(content), nil
			}
		}
		return nil, errors.New("exit status 1")
	}
	return nil, nil
}

func (t *fakeTarget) CopyFileTo(local io.Reader, remote string) error   { return nil }
func (t *fakeTarget) CopyFileFrom(remote string, local io.Writer) error { return nil }
func (t *fakeTarget) Reboot() error                                     { return nil }
func (t *fakeTarget) Addr() string                                      { return "192.0.2.1" }

func newRunner(t *testing.T, tgt *fakeTarget, opts *config.Options) *Runner {
	t.Helper()
	catalog, err := wrapper.Load("")
	require.NoError(t, err)
	sys := &config.SystemConfig{Name: "system1", Options: opts}
	return New(sys, tgt, catalog, t.TempDir())
}

func TestRunPassRecordsPassFromReport(t *testing.T) {
	tgt := &fakeTarget{reportContent: map[string]string{"streams": "Ran 3 of 3 tests\n"}}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams"}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Pass)
	assert.Equal(t, "streams", results[0].Test)
}

func TestRunPassMissingReportIsFailure(t *testing.T) {
	tgt := &fakeTarget{}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams"}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Pass)
}

func TestRunPassFailureContentIsFailure(t *testing.T) {
	tgt := &fakeTarget{reportContent: map[string]string{"streams": "Copy: FAILED\n"}}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams"}, "", 1)
	require.NoError(t, err)
	assert.False(t, results[0].Pass)
}

func TestRunPassContinuesAfterTestFailure(t *testing.T) {
	tgt := &fakeTarget{reportContent: map[string]string{"coremark": "all good\n"}}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams", "coremark"}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Pass)
	assert.True(t, results[1].Pass)
}

func TestRunPassHaltOnFailure(t *testing.T) {
	tgt := &fakeTarget{reportContent: map[string]string{"coremark": "all good\n"}}
	r := newRunner(t, tgt, &config.Options{HaltOnFailure: true})

	results, err := r.RunPass([]string{"streams", "coremark"}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestRunPassLocalExitRecordedNotFatal(t *testing.T) {
	// a wrapper failing on a local target comes back as *exec.ExitError,
	// which is a recorded test failure, not a lost target
	exitErr := exec.Command("sh", "-c", "exit 3").Run()
	require.Error(t, exitErr)

	tgt := &fakeTarget{
		failCommand:   "run_streams.sh",
		failErr:       exitErr,
		reportContent: map[string]string{"coremark": "all good\n"},
	}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams", "coremark"}, "", 1)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Pass)
	assert.True(t, results[1].Pass)
}

func TestRunPassTargetLost(t *testing.T) {
	tgt := &fakeTarget{
		failCommand: "run_streams.sh",
		failErr:     errors.New("dial tcp 192.0.2.1:22: connect: connection refused"),
	}
	r := newRunner(t, tgt, &config.Options{})

	results, err := r.RunPass([]string{"streams", "coremark"}, "", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetLost)
	// only the interrupted test is recorded; coremark never started
	require.Len(t, results, 1)
}

func TestWrapperCommandIncludesContext(t *testing.T) {
	tgt := &fakeTarget{reportContent: map[string]string{"streams": "ok"}}
	r := newRunner(t, tgt, &config.Options{UsePbench: true})

	_, err := r.RunPass([]string{"streams"}, "throughput-performance", 2)
	require.NoError(t, err)

	var runCmd string
	for _, cmd := range tgt.commands {
		if strings.Contains(cmd, "run_streams.sh") {
			runCmd = cmd
		}
	}
	require.NotEmpty(t, runCmd)
	assert.Contains(t, runCmd, "--sut 192.0.2.1")
	assert.Contains(t, runCmd, "--tuned_profile throughput-performance")
	assert.Contains(t, runCmd, "--iteration 2")
}

func TestPackagesDeduplicated(t *testing.T) {
	catalog, err := wrapper.Load("")
	require.NoError(t, err)
	pkgs := Packages(catalog, []string{"streams", "coremark"}, "rhel")
	count := 0
	for _, p := range pkgs {
		if p == "gcc" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
