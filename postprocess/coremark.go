package postprocess

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// coremarkProcessor parses runN_summary key/value files plus the
// results_coremark.csv time series (iteration:threads:IterationsPerSec,
// with one row per run for each iteration).
type coremarkProcessor struct{}

func (p *coremarkProcessor) TestName() string { return "coremark" }

var coremarkMetricKeys = map[string]string{
	"iterations_per_sec": "iterations_per_second",
	"iterations":         "total_iterations",
	"total_time_secs":    "total_time_seconds",
	"total_ticks":        "total_ticks",
	"coremark_size":      "coremark_size",
}

var coremarkConfigKeys = map[string]string{
	"compiler_version":  "compiler",
	"compiler_flags":    "compiler_flags",
	"parallel_pthreads": "threads",
}

func (p *coremarkProcessor) ParseRuns(ex *Extracted) (map[string]*Run, error) {
	summaries, err := filepath.Glob(filepath.Join(ex.ResultDir, "run*_summary"))
	if err != nil {
		return nil, err
	}
	sort.Strings(summaries)

	perRunSeries := p.groupSeriesByRun(ex.ReadFile("results_coremark.csv"))

	runs := map[string]*Run{}
	for i, summaryPath := range summaries {
		runNumber := i + 1
		run := &Run{RunNumber: runNumber, Status: "pass", Metrics: map[string]float64{}, Config: map[string]string{}}

		for key, value := range parseKeyValueText(ex.ReadFile(filepath.Base(summaryPath))) {
			if metric, ok := coremarkMetricKeys[key]; ok {
				n, err := strconv.ParseFloat(value, 64)
				if err == nil {
					run.Metrics[metric] = n
				}
			}
			if cfg, ok := coremarkConfigKeys[key]; ok {
				run.Config[cfg] = value
			}
		}

		if i < len(perRunSeries) {
			p.addSeriesMetrics(run, perRunSeries[i])
		}
		runs[RunKey(runNumber)] = run
	}

	// no summaries shipped: fall back to the time series alone
	if len(runs) == 0 {
		for i, series := range perRunSeries {
			run := &Run{RunNumber: i + 1, Status: "pass", Metrics: map[string]float64{}}
			p.addSeriesMetrics(run, series)
			runs[RunKey(i+1)] = run
		}
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no coremark runs found in %s", ex.ResultDir)
	}
	return runs, nil
}

// groupSeriesByRun splits the CSV into one value slice per run. Rows
// sharing an iteration number belong to distinct runs, in file order.
func (p *coremarkProcessor) groupSeriesByRun(csv string) [][]float64 {
	byIteration := map[int][]float64{}
	var iterOrder []int
	numRuns := 0

	for _, line := range strings.Split(csv, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ":")
		if len(fields) != 3 {
			continue
		}
		iter, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		if _, seen := byIteration[iter]; !seen {
			iterOrder = append(iterOrder, iter)
		}
		byIteration[iter] = append(byIteration[iter], value)
		if len(byIteration[iter]) > numRuns {
			numRuns = len(byIteration[iter])
		}
	}

	sort.Ints(iterOrder)
	series := make([][]float64, numRuns)
	for _, iter := range iterOrder {
		for runIdx, value := range byIteration[iter] {
			series[runIdx] = append(series[runIdx], value)
		}
	}
	return series
}

func (p *coremarkProcessor) addSeriesMetrics(run *Run, series []float64) {
	if len(series) == 0 {
		return
	}
	s := summarizeValues("iterations_per_second", series)
	if _, ok := run.Metrics["iterations_per_second"]; !ok {
		run.Metrics["iterations_per_second"] = s.Mean
	}
	run.Metrics["iterations_per_second_min"] = s.Min
	run.Metrics["iterations_per_second_max"] = s.Max
}

// parseKeyValueText parses "key: value" lines, ignoring comments and
// lines without a colon.
func parseKeyValueText(content string) map[string]string {
	out := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
