package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunResult is the outcome of one test execution on one system.
type RunResult struct {
	Test         string
	TunedProfile string  `json:",omitempty"`
	Iteration    int
	Pass         bool
	DurationSec  float64
	ArtifactPath string  `json:",omitempty"`
	Error        string  `json:",omitempty"` // non-empty iff the test failed to execute
}

// SystemReport collects everything that happened to one declared system.
type SystemReport struct {
	System        string
	SystemType    string
	InstanceType  string       `json:",omitempty"`
	Addr          string       `json:",omitempty"`
	ProvisionSec  float64
	TeardownSec   float64
	Attempts      int
	SpotDowngrade bool         `json:",omitempty"`
	Results       []*RunResult
	BundlePath    string       `json:",omitempty"`
	Error         string       `json:",omitempty"` // fatal pipeline error, if any
}

func (s *SystemReport) Failed() bool {
	if s.Error != "" {
		return true
	}
	for _, r := range s.Results {
		if !r.Pass {
			return true
		}
	}
	return false
}

// RunReport is the whole-run summary written to report.json.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Systems    []*SystemReport
}

func (r *RunReport) Failed() bool {
	for _, s := range r.Systems {
		if s.Failed() {
			return true
		}
	}
	return false
}

func (r *RunReport) Save(resultsDir string) error {
	err := os.MkdirAll(resultsDir, 0o755)
	if err != nil {
		return err
	}
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(resultsDir, "report.json"), buf, 0o644)
}

// AppendTiming tags the per-system cost/timing log with one stage duration.
func AppendTiming(workDir, system, stage string, d time.Duration) {
	f, err := os.OpenFile(filepath.Join(workDir, "timing.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %s %.1fs\n", time.Now().Format(time.RFC3339), system, stage, d.Seconds())
}
