package postprocess

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// fioProcessor parses fio's JSON output files, one per run, and
// aggregates bandwidth, IOPS, and latency across jobs.
type fioProcessor struct{}

func (p *fioProcessor) TestName() string { return "fio" }

type fioOutput struct {
	Jobs []struct {
		Jobname string   `json:"jobname"`
		Read    fioJobIO `json:"read"`
		Write   fioJobIO `json:"write"`
	} `json:"jobs"`
}

type fioJobIO struct {
	BW       float64 `json:"bw"`
	BWMin    float64 `json:"bw_min"`
	BWMax    float64 `json:"bw_max"`
	IOPS     float64 `json:"iops"`
	IOPSMin  float64 `json:"iops_min"`
	IOPSMax  float64 `json:"iops_max"`
	TotalIOs float64 `json:"total_ios"`
	LatNS    struct {
		Mean float64 `json:"mean"`
	} `json:"lat_ns"`
}

func (p *fioProcessor) ParseRuns(ex *Extracted) (map[string]*Run, error) {
	outputs, err := filepath.Glob(filepath.Join(ex.ResultDir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(outputs)

	runs := map[string]*Run{}
	runNumber := 0
	for _, path := range outputs {
		run, err := p.parseOutput(path)
		if err != nil {
			// fio drops non-result json in the bundle too, skip it
			continue
		}
		runNumber++
		run.RunNumber = runNumber
		runs[RunKey(runNumber)] = run
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no fio json output found in %s", ex.ResultDir)
	}
	return runs, nil
}

func (p *fioProcessor) parseOutput(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out fioOutput
	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Jobs) == 0 {
		return nil, fmt.Errorf("no fio jobs in %s", path)
	}

	run := &Run{Status: "pass", Metrics: map[string]float64{}}
	var totalBW, totalIOPS, latWeighted, totalIOs float64
	for _, job := range out.Jobs {
		for _, io := range []fioJobIO{job.Read, job.Write} {
			totalBW += io.BW
			totalIOPS += io.IOPS
			latWeighted += io.LatNS.Mean * io.TotalIOs
			totalIOs += io.TotalIOs
		}
	}
	run.Metrics["total_bandwidth_kbps"] = totalBW
	run.Metrics["total_iops"] = totalIOPS
	run.Metrics["num_jobs"] = float64(len(out.Jobs))
	if totalIOs > 0 {
		run.Metrics["mean_latency_ns"] = latWeighted / totalIOs
	}
	return run, nil
}
