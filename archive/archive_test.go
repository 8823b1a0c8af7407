package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleCollectsArtifacts(t *testing.T) {
	workDir := t.TempDir()
	resultsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "progress.log"), []byte("state: Provisioned\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "results_streams.zip"), []byte("zipdata"), 0o644))

	bundlePath, err := Bundle(workDir, resultsDir, "system1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(resultsDir, "system1.tar.gz"), bundlePath)

	f, err := os.Open(bundlePath)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	assert.True(t, names["system1/progress.log"])
	assert.True(t, names["system1/results_streams.zip"])
}
