// Package postprocess turns archived benchmark bundles into flat JSON
// documents and exports them. Documents avoid nested arrays: runs,
// metrics, and hardware details are all keyed objects so search
// backends index them without mapping explosions.
package postprocess

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	documentType  = "zathras_test_result"
	schemaVersion = "1.0"
)

// Metadata identifies one processed result document.
type Metadata struct {
	DocumentID          string `json:"document_id"`
	DocumentType        string `json:"document_type"`
	SchemaVersion       string `json:"schema_version"`
	TestTimestamp       string `json:"test_timestamp,omitempty"`
	ProcessingTimestamp string `json:"processing_timestamp"`
	OSVendor            string `json:"os_vendor,omitempty"`
	CloudProvider       string `json:"cloud_provider,omitempty"`
	InstanceType        string `json:"instance_type,omitempty"`
	Iteration           int    `json:"iteration,omitempty"`
	ScenarioName        string `json:"scenario_name,omitempty"`
}

type TestInfo struct {
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	WrapperVersion string `json:"wrapper_version,omitempty"`
	TunedSetting   string `json:"tuned_setting,omitempty"`
}

// CPUInfo is parsed from the lscpu capture in sysconfig_info.
type CPUInfo struct {
	Vendor         string  `json:"vendor,omitempty"`
	Model          string  `json:"model,omitempty"`
	Architecture   string  `json:"architecture,omitempty"`
	Cores          int     `json:"cores,omitempty"`
	ThreadsPerCore int     `json:"threads_per_core,omitempty"`
	Sockets        int     `json:"sockets,omitempty"`
	NUMANodes      int     `json:"numa_nodes,omitempty"`
	FrequencyMHz   float64 `json:"frequency_mhz,omitempty"`
}

// MemoryInfo is parsed from the meminfo capture in sysconfig_info.
type MemoryInfo struct {
	TotalKB     int64 `json:"total_kb,omitempty"`
	AvailableKB int64 `json:"available_kb,omitempty"`
}

type HardwareInfo struct {
	CPU    *CPUInfo    `json:"cpu,omitempty"`
	Memory *MemoryInfo `json:"memory,omitempty"`
}

// Run is one benchmark run inside a result archive. Metrics are named
// values, never positional arrays.
type Run struct {
	RunNumber int                `json:"run_number"`
	Status    string             `json:"status,omitempty"`
	Metrics   map[string]float64 `json:"metrics"`
	Config    map[string]string  `json:"config,omitempty"`
}

// Summary holds the statistical rollup of one metric across runs.
type Summary struct {
	Metric string  `json:"metric"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Count  int     `json:"count"`
}

// Document is the exported result record for one test on one system.
type Document struct {
	Metadata Metadata            `json:"metadata"`
	Test     TestInfo            `json:"test"`
	Hardware *HardwareInfo       `json:"hardware,omitempty"`
	Runs     map[string]*Run     `json:"runs"`
	Summary  map[string]*Summary `json:"summary,omitempty"`
	Status   string              `json:"status"`
}

// RunKey returns the object key for run n, counting from 1.
func RunKey(n int) string {
	return fmt.Sprintf("run_%d", n)
}

// DocumentID derives a stable ID so re-processing the same archive
// produces the same document instead of a duplicate.
func DocumentID(testName, instanceType, testTimestamp string, iteration int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", testName, instanceType, testTimestamp, iteration)))
	return hex.EncodeToString(h[:16])
}

// NewDocument fills the boilerplate metadata around a parsed run set.
func NewDocument(meta Metadata, test TestInfo, runs map[string]*Run) *Document {
	meta.DocumentType = documentType
	meta.SchemaVersion = schemaVersion
	meta.ProcessingTimestamp = time.Now().UTC().Format(time.RFC3339)
	if meta.DocumentID == "" {
		meta.DocumentID = DocumentID(test.Name, meta.InstanceType, meta.TestTimestamp, meta.Iteration)
	}

	doc := &Document{
		Metadata: meta,
		Test:     test,
		Runs:     runs,
		Summary:  Summarize(runs),
		Status:   "pass",
	}
	for _, run := range runs {
		if strings.EqualFold(run.Status, "fail") {
			doc.Status = "fail"
		}
	}
	return doc
}

// Summarize rolls each metric present in more than one run up into
// min/max/mean/stddev.
func Summarize(runs map[string]*Run) map[string]*Summary {
	byMetric := map[string][]float64{}
	for _, run := range runs {
		for name, value := range run.Metrics {
			byMetric[name] = append(byMetric[name], value)
		}
	}

	out := map[string]*Summary{}
	for name, values := range byMetric {
		if len(values) < 2 {
			continue
		}
		out[name] = summarizeValues(name, values)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func summarizeValues(name string, values []float64) *Summary {
	s := &Summary{Metric: name, Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))

	if len(values) > 1 {
		var sq float64
		for _, v := range values {
			sq += (v - s.Mean) * (v - s.Mean)
		}
		s.StdDev = math.Sqrt(sq / float64(len(values)-1))
	}
	return s
}

// ParseLscpu extracts the CPU fields the schema carries from a raw
// lscpu capture.
func ParseLscpu(content string) *CPUInfo {
	info := &CPUInfo{}
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Vendor ID":
			info.Vendor = value
		case "Model name":
			info.Model = value
		case "Architecture":
			info.Architecture = value
		case "CPU(s)":
			info.Cores, _ = strconv.Atoi(value)
		case "Thread(s) per core":
			info.ThreadsPerCore, _ = strconv.Atoi(value)
		case "Socket(s)":
			info.Sockets, _ = strconv.Atoi(value)
		case "NUMA node(s)":
			info.NUMANodes, _ = strconv.Atoi(value)
		case "CPU MHz", "CPU max MHz":
			info.FrequencyMHz, _ = strconv.ParseFloat(value, 64)
		}
	}
	return info
}

// ParseMeminfo extracts totals from a /proc/meminfo capture. Values
// are in kB.
func ParseMeminfo(content string) *MemoryInfo {
	info := &MemoryInfo{}
	for _, line := range strings.Split(content, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "MemTotal":
			info.TotalKB = n
		case "MemAvailable":
			info.AvailableKB = n
		}
	}
	return info
}
