package terraform

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/hostspec"
	"github.com/redhat-performance/zathras/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderedVars(t *testing.T, name string, host *hostspec.HostDescriptor) map[string]any {
	t.Helper()
	templateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "main.tf"), []byte("# template\n"), 0o644))

	p := &tfProvider{name: name, opts: &config.Options{}, templateDir: templateDir}
	stateDir := filepath.Join(t.TempDir(), StateDirName)
	req := &provider.Request{SystemName: "system1", Host: host}
	require.NoError(t, p.renderStateDir(req, stateDir))

	buf, err := os.ReadFile(filepath.Join(stateDir, "terraform.tfvars.json"))
	require.NoError(t, err)
	vars := map[string]any{}
	require.NoError(t, json.Unmarshal(buf, &vars))
	return vars
}

func TestRenderStateDirDefaultsDiskTypePerProvider(t *testing.T) {
	host := &hostspec.HostDescriptor{
		InstanceType: "Standard_D4s_v5",
		Disks:        []hostspec.DiskSpec{{Count: 2, SizeGB: 100}},
	}

	vars := renderedVars(t, config.SystemTypeAzure, host)
	assert.Equal(t, "Premium_LRS", vars["disk_type"])
	assert.Equal(t, float64(2), vars["disk_count"])

	vars = renderedVars(t, config.SystemTypeGCP, host)
	assert.Equal(t, "pd-ssd", vars["disk_type"])
}

func TestRenderStateDirKeepsRequestedDiskType(t *testing.T) {
	host := &hostspec.HostDescriptor{
		InstanceType: "Standard_D4s_v5",
		Disks:        []hostspec.DiskSpec{{Count: 1, SizeGB: 100, Type: "StandardSSD_LRS"}},
	}
	vars := renderedVars(t, config.SystemTypeAzure, host)
	assert.Equal(t, "StandardSSD_LRS", vars["disk_type"])
}

func TestRenderStateDirCopiesTemplates(t *testing.T) {
	host := &hostspec.HostDescriptor{InstanceType: "bx2-4x16"}
	templateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "main.tf"), []byte("# template\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "notes.txt"), []byte("ignored\n"), 0o644))

	p := &tfProvider{name: config.SystemTypeIBM, opts: &config.Options{}, templateDir: templateDir}
	stateDir := filepath.Join(t.TempDir(), StateDirName)
	req := &provider.Request{SystemName: "system1", Host: host}
	require.NoError(t, p.renderStateDir(req, stateDir))

	_, err := os.Stat(filepath.Join(stateDir, "main.tf"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(stateDir, "notes.txt"))
	assert.True(t, os.IsNotExist(err), "non-.tf files are not copied")
}
