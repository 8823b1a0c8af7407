package postprocess

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeResultArchive builds a results_<test>.zip bundle the way the
// wrappers do: a tar of <test>_<timestamp>/<files> wrapped in a zip.
func writeResultArchive(t *testing.T, dir, test string, files map[string]string) string {
	t.Helper()

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	resultDir := test + "_2026.01.15-10.30.00"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: resultDir + "/", Typeflag: tar.TypeDir, Mode: 0o755,
	}))
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: resultDir + "/" + name, Typeflag: tar.TypeReg,
			Mode: 0o644, Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	zipPath := filepath.Join(dir, "results_"+test+".zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	entry, err := zw.Create("results_" + test + "_.tar")
	require.NoError(t, err)
	_, err = entry.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return zipPath
}

const streamsCSV = `# STREAMS results
# Optimization level: O2
Array sizes:266240k:532480k
Copy:10000.1:10500.2
Scale:9000.3:9500.4
Add:8000.5:8500.6
Triad:8100.7:8600.8

# Optimization level: O3
Array sizes:266240k:532480k
Copy:12000.1:12500.2
Scale:11000.3:11500.4
Add:10000.5:10500.6
Triad:10100.7:10600.8
`

func TestExtractResultArchive(t *testing.T) {
	zipPath := writeResultArchive(t, t.TempDir(), "streams", map[string]string{
		"results_streams.csv": streamsCSV,
		"version":             "1.2",
	})

	ex, err := ExtractResultArchive(zipPath)
	require.NoError(t, err)

	assert.Equal(t, "streams", ex.TestName)
	assert.Equal(t, "1.2", ex.ReadFile("version"))
	assert.Empty(t, ex.File("does_not_exist"))

	require.NoError(t, ex.Close())
	_, err = os.Stat(ex.TempDir)
	assert.True(t, os.IsNotExist(err))
}

func TestExtractRejectsWrongName(t *testing.T) {
	_, err := ExtractResultArchive("/tmp/whatever.zip")
	assert.Error(t, err)
}

func TestStreamsProcessor(t *testing.T) {
	zipPath := writeResultArchive(t, t.TempDir(), "streams", map[string]string{
		"results_streams.csv": streamsCSV,
	})
	ex, err := ExtractResultArchive(zipPath)
	require.NoError(t, err)
	defer ex.Close()

	runs, err := (&streamsProcessor{}).ParseRuns(ex)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	run1 := runs[RunKey(1)]
	assert.Equal(t, "O2", run1.Config["optimization_level"])
	assert.InDelta(t, 10000.1, run1.Metrics["copy_266240k_mb_per_sec"], 0.001)
	assert.InDelta(t, 8600.8, run1.Metrics["triad_532480k_mb_per_sec"], 0.001)

	run2 := runs[RunKey(2)]
	assert.Equal(t, "O3", run2.Config["optimization_level"])
	assert.InDelta(t, 12000.1, run2.Metrics["copy_266240k_mb_per_sec"], 0.001)
}

func TestCoremarkProcessor(t *testing.T) {
	// two runs interleaved: rows sharing an iteration number belong to
	// distinct runs
	zipPath := writeResultArchive(t, t.TempDir(), "coremark", map[string]string{
		"results_coremark.csv": "1:4:193245.2\n1:4:195999.0\n2:4:190905.1\n2:4:191537.3\n",
		"run1_summary":         "iterations_per_sec: 192075.15\niterations: 4000000\nparallel_pthreads: 4\n",
		"run2_summary":         "iterations_per_sec: 193768.15\niterations: 4000000\nparallel_pthreads: 4\n",
	})
	ex, err := ExtractResultArchive(zipPath)
	require.NoError(t, err)
	defer ex.Close()

	runs, err := (&coremarkProcessor{}).ParseRuns(ex)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	run1 := runs[RunKey(1)]
	assert.InDelta(t, 192075.15, run1.Metrics["iterations_per_second"], 0.001)
	assert.InDelta(t, 190905.1, run1.Metrics["iterations_per_second_min"], 0.001)
	assert.InDelta(t, 193245.2, run1.Metrics["iterations_per_second_max"], 0.001)
	assert.Equal(t, "4", run1.Config["threads"])

	run2 := runs[RunKey(2)]
	assert.InDelta(t, 191537.3, run2.Metrics["iterations_per_second_min"], 0.001)
	assert.InDelta(t, 195999.0, run2.Metrics["iterations_per_second_max"], 0.001)
}

func TestFioProcessor(t *testing.T) {
	fioJSON := `{
  "jobs": [
    {"jobname": "randread",
     "read": {"bw": 5000, "iops": 1250, "total_ios": 100, "lat_ns": {"mean": 2000}},
     "write": {"bw": 0, "iops": 0, "total_ios": 0, "lat_ns": {"mean": 0}}},
    {"jobname": "randwrite",
     "read": {"bw": 0, "iops": 0, "total_ios": 0, "lat_ns": {"mean": 0}},
     "write": {"bw": 3000, "iops": 750, "total_ios": 100, "lat_ns": {"mean": 4000}}}
  ]
}`
	zipPath := writeResultArchive(t, t.TempDir(), "fio", map[string]string{
		"fio_run1.json": fioJSON,
	})
	ex, err := ExtractResultArchive(zipPath)
	require.NoError(t, err)
	defer ex.Close()

	runs, err := (&fioProcessor{}).ParseRuns(ex)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[RunKey(1)]
	assert.InDelta(t, 8000, run.Metrics["total_bandwidth_kbps"], 0.001)
	assert.InDelta(t, 2000, run.Metrics["total_iops"], 0.001)
	assert.InDelta(t, 3000, run.Metrics["mean_latency_ns"], 0.001)
}

func TestUnknownProcessor(t *testing.T) {
	_, err := NewProcessor("specrate")
	assert.ErrorContains(t, err, "no processor registered")
}

func TestSummarize(t *testing.T) {
	runs := map[string]*Run{
		RunKey(1): {Metrics: map[string]float64{"score": 10, "once": 1}},
		RunKey(2): {Metrics: map[string]float64{"score": 20}},
	}
	summary := Summarize(runs)
	require.Contains(t, summary, "score")
	assert.NotContains(t, summary, "once", "single-run metrics have no rollup")

	s := summary["score"]
	assert.Equal(t, 10.0, s.Min)
	assert.Equal(t, 20.0, s.Max)
	assert.Equal(t, 15.0, s.Mean)
	assert.InDelta(t, 7.071, s.StdDev, 0.001)
}

func TestDocumentIDStable(t *testing.T) {
	a := DocumentID("streams", "m5.xlarge", "2026.01.15-10.30.00", 1)
	b := DocumentID("streams", "m5.xlarge", "2026.01.15-10.30.00", 1)
	c := DocumentID("streams", "m5.xlarge", "2026.01.15-10.30.00", 2)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestProcessWritesJSONAndFlagsFailures(t *testing.T) {
	dir := t.TempDir()
	writeResultArchive(t, dir, "streams", map[string]string{
		"results_streams.csv": streamsCSV,
		"test_results_report": "Ran 2 tests: FAILED\n",
	})

	outDir := filepath.Join(dir, "json")
	docs, err := Process(context.Background(), &Input{
		Dir:           dir,
		OSVendor:      "rhel",
		CloudProvider: "aws",
		InstanceType:  "m5.xlarge",
		Iteration:     1,
		OutputJSONDir: outDir,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, "fail", doc.Status)
	assert.Equal(t, "2026.01.15-10.30.00", doc.Metadata.TestTimestamp)
	assert.Equal(t, "aws", doc.Metadata.CloudProvider)

	matches, err := filepath.Glob(filepath.Join(outDir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestProcessSkipsUnknownTests(t *testing.T) {
	dir := t.TempDir()
	writeResultArchive(t, dir, "streams", map[string]string{
		"results_streams.csv": streamsCSV,
	})
	writeResultArchive(t, dir, "specrate", map[string]string{
		"whatever": "data",
	})

	docs, err := Process(context.Background(), &Input{Dir: dir})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestParseLscpuAndMeminfo(t *testing.T) {
	cpu := ParseLscpu("Architecture: x86_64\nCPU(s): 8\nThread(s) per core: 2\nSocket(s): 1\nModel name: Intel Xeon\nNUMA node(s): 1\n")
	assert.Equal(t, 8, cpu.Cores)
	assert.Equal(t, 2, cpu.ThreadsPerCore)
	assert.Equal(t, "Intel Xeon", cpu.Model)

	mem := ParseMeminfo("MemTotal: 32617728 kB\nMemAvailable: 30000000 kB\n")
	assert.Equal(t, int64(32617728), mem.TotalKB)
	assert.Equal(t, int64(30000000), mem.AvailableKB)
}

func TestExporterBulkRequest(t *testing.T) {
	exportRetryDelay = time.Millisecond

	var gotAuth string
	var gotBody []byte
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// first attempt fails, the exporter must retry
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"errors": false, "items": []}`))
	}))
	defer srv.Close()

	ex := NewExporter(srv.URL, "")
	ex.Username = "perf"
	ex.Password = "secret"

	doc := NewDocument(
		Metadata{InstanceType: "m5.xlarge"},
		TestInfo{Name: "streams"},
		map[string]*Run{RunKey(1): {RunNumber: 1, Metrics: map[string]float64{"score": 1}}},
	)
	require.NoError(t, ex.Export(context.Background(), []*Document{doc}))

	assert.Equal(t, 2, calls)
	assert.Contains(t, gotAuth, "Basic ")
	assert.Contains(t, string(gotBody), `"_index":"zathras-results"`)
	assert.Contains(t, string(gotBody), doc.Metadata.DocumentID)
}

func TestExporterReportsDocumentFailures(t *testing.T) {
	exportRetryDelay = time.Millisecond

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors": true, "items": [{"index": {"_id": "abc", "status": 400}}]}`))
	}))
	defer srv.Close()

	ex := NewExporter(srv.URL, "results")
	doc := NewDocument(Metadata{}, TestInfo{Name: "streams"}, map[string]*Run{})
	err := ex.Export(context.Background(), []*Document{doc})
	assert.ErrorContains(t, err, "per-document failures")
}
