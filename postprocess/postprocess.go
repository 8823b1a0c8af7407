package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Input describes one post-processing pass over a directory of
// archived results.
type Input struct {
	// Dir is scanned recursively for results_<test>.zip bundles.
	Dir string

	// Metadata applied to every produced document.
	OSVendor      string
	CloudProvider string
	InstanceType  string
	ScenarioName  string
	Iteration     int

	// OutputJSONDir, when set, receives one <document_id>.json per
	// document.
	OutputJSONDir string

	// Exporter, when set, receives all documents in one bulk push.
	Exporter *Exporter
}

// Process parses every result archive under in.Dir and emits the
// documents. Archives without a registered processor are logged and
// skipped, not fatal.
func Process(ctx context.Context, in *Input) ([]*Document, error) {
	archives, err := findArchives(in.Dir)
	if err != nil {
		return nil, err
	}
	if len(archives) == 0 {
		return nil, fmt.Errorf("no results_<test>.zip archives found under %s", in.Dir)
	}

	hardware := loadHardware(in.Dir)

	var docs []*Document
	for _, zipPath := range archives {
		doc, err := processArchive(zipPath, in, hardware)
		if err != nil {
			slog.Warn("skipping archive",
				slog.String("archive", zipPath), slog.String("error", err.Error()))
			continue
		}
		docs = append(docs, doc)
		slog.Info("processed archive",
			slog.String("test", doc.Test.Name),
			slog.String("documentID", doc.Metadata.DocumentID),
			slog.Int("runs", len(doc.Runs)),
		)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no archives could be processed under %s", in.Dir)
	}

	if in.OutputJSONDir != "" {
		err = writeJSON(in.OutputJSONDir, docs)
		if err != nil {
			return docs, err
		}
	}
	if in.Exporter != nil {
		err = in.Exporter.Export(ctx, docs)
		if err != nil {
			return docs, fmt.Errorf("export failed: %w", err)
		}
	}
	return docs, nil
}

func processArchive(zipPath string, in *Input, hardware *HardwareInfo) (*Document, error) {
	ex, err := ExtractResultArchive(zipPath)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	proc, err := NewProcessor(ex.TestName)
	if err != nil {
		return nil, err
	}
	runs, err := proc.ParseRuns(ex)
	if err != nil {
		return nil, err
	}

	// the wrapper's own verdict overrides per-run status
	if report := ex.ReadFile("test_results_report"); report != "" {
		status := "pass"
		if strings.Contains(strings.ToLower(report), "fail") {
			status = "fail"
		}
		for _, run := range runs {
			run.Status = status
		}
	}

	doc := NewDocument(
		Metadata{
			TestTimestamp: timestampFromDir(ex.ResultDir, ex.TestName),
			OSVendor:      in.OSVendor,
			CloudProvider: in.CloudProvider,
			InstanceType:  in.InstanceType,
			Iteration:     in.Iteration,
			ScenarioName:  in.ScenarioName,
		},
		TestInfo{
			Name:         ex.TestName,
			Version:      strings.TrimSpace(ex.ReadFile("version")),
			TunedSetting: strings.TrimSpace(ex.ReadFile("tuned_setting")),
		},
		runs,
	)
	doc.Hardware = hardware
	return doc, nil
}

func findArchives(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if !d.IsDir() && strings.HasPrefix(name, "results_") && strings.HasSuffix(name, ".zip") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// loadHardware reads lscpu and meminfo captures when the run collected
// them. Missing captures just leave the hardware section empty.
func loadHardware(dir string) *HardwareInfo {
	hw := &HardwareInfo{}
	if data, err := os.ReadFile(filepath.Join(dir, "lscpu")); err == nil {
		hw.CPU = ParseLscpu(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(dir, "meminfo")); err == nil {
		hw.Memory = ParseMeminfo(string(data))
	}
	if hw.CPU == nil && hw.Memory == nil {
		return nil
	}
	return hw
}

// timestampFromDir recovers the wrapper's timestamp from the
// <test>_<timestamp> result directory name.
func timestampFromDir(resultDir, testName string) string {
	base := filepath.Base(resultDir)
	return strings.TrimPrefix(strings.TrimPrefix(base, testName), "_")
}

func writeJSON(dir string, docs []*Document) error {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(dir, doc.Metadata.DocumentID+".json")
		err = os.WriteFile(path, data, 0o644)
		if err != nil {
			return err
		}
	}
	return nil
}
