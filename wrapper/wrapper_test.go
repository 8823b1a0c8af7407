package wrapper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuiltinCatalog(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	d, err := c.Get("streams")
	require.NoError(t, err)
	assert.Equal(t, "streams", d.Name)
	assert.True(t, d.ArchiveResults)
	assert.Contains(t, d.Packages["rhel"], "gcc")
}

func TestUnknownTest(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	_, err = c.Get("nope")
	require.Error(t, err)
}

func TestUserCatalogOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	err := os.WriteFile(path, []byte(`
streams:
  repo: https://example.com/my-streams
  version: v9.9
mytest:
  repo: https://example.com/mytest
  version: v0.1
  reboot: after
`), 0o644)
	require.NoError(t, err)

	c, err := Load(path)
	require.NoError(t, err)

	d, err := c.Get("streams")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/my-streams", d.Repo)
	assert.Equal(t, "v9.9", d.Version)

	d, err = c.Get("mytest")
	require.NoError(t, err)
	assert.True(t, d.RebootAfter())
	assert.False(t, d.RebootBefore())
}

func TestResolveVersionLatestPicksHighest(t *testing.T) {
	d := &Descriptor{Name: "fio", Version: "latest", Versions: []string{"v1.0", "v1.3", "v1.2"}}
	ver, err := d.ResolveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.3", ver)
}

func TestResolveVersionPinned(t *testing.T) {
	d := &Descriptor{Name: "uperf", Version: "v1.0"}
	ver, err := d.ResolveVersion()
	require.NoError(t, err)
	assert.Equal(t, "v1.0", ver)
}

func TestSourceURL(t *testing.T) {
	d := &Descriptor{Name: "streams", Repo: "https://example.com/streams-wrapper", Version: "v1.2"}
	url, err := d.SourceURL()
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/streams-wrapper/archive/refs/tags/v1.2.tar.gz", url)
}

func TestRebootSemantics(t *testing.T) {
	both := &Descriptor{Reboot: "both"}
	assert.True(t, both.RebootBefore())
	assert.True(t, both.RebootAfter())

	no := &Descriptor{Reboot: "no"}
	assert.False(t, no.RebootBefore())
	assert.False(t, no.RebootAfter())
}
