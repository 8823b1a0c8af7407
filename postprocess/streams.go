package postprocess

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// streamsProcessor parses the results_streams.csv summary: one block
// per optimization level, each with Copy/Scale/Add/Triad bandwidth
// columns per array size.
type streamsProcessor struct{}

var streamsOps = map[string]bool{"Copy": true, "Scale": true, "Add": true, "Triad": true}

var optLevelRe = regexp.MustCompile(`O(\d+)`)

func (p *streamsProcessor) TestName() string { return "streams" }

func (p *streamsProcessor) ParseRuns(ex *Extracted) (map[string]*Run, error) {
	csvPath := ex.File("results_streams.csv")
	if csvPath == "" {
		return nil, fmt.Errorf("results_streams.csv not found in %s", ex.ResultDir)
	}
	data, err := os.ReadFile(csvPath)
	if err != nil {
		return nil, err
	}

	runs := map[string]*Run{}
	runNumber := 0
	optLevel := ""
	var arraySizes []string
	var current *Run

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			current = nil
			continue
		}

		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, "Optimization level:") {
				m := optLevelRe.FindString(line)
				if m != "" {
					optLevel = m
				}
			}
			continue
		}

		fields := strings.Split(line, ":")
		if strings.HasPrefix(line, "Array sizes:") {
			arraySizes = trimAll(fields[1:])
			continue
		}
		if len(fields) < 2 || !streamsOps[strings.TrimSpace(fields[0])] {
			continue
		}

		if current == nil {
			runNumber++
			current = &Run{
				RunNumber: runNumber,
				Metrics:   map[string]float64{},
				Config:    map[string]string{"optimization_level": optLevel},
			}
			runs[RunKey(runNumber)] = current
		}

		op := strings.ToLower(strings.TrimSpace(fields[0]))
		for i, raw := range trimAll(fields[1:]) {
			if raw == "" {
				continue
			}
			value, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				slog.Warn("unparseable streams value",
					slog.String("operation", op), slog.String("value", raw))
				continue
			}
			size := fmt.Sprintf("size_%d", i)
			if i < len(arraySizes) {
				size = arraySizes[i]
			}
			current.Metrics[fmt.Sprintf("%s_%s_mb_per_sec", op, size)] = value
		}
	}

	if len(runs) == 0 {
		return nil, fmt.Errorf("no streams runs parsed from %s", csvPath)
	}
	return runs, nil
}

func trimAll(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.TrimSpace(f)
	}
	return out
}
