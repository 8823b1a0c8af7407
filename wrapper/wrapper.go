// Package wrapper holds the test catalog: one descriptor per known test
// wrapper, loaded from the embedded default catalog plus an optional user
// catalog file.
package wrapper

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-version"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yml
var builtinCatalog []byte

// Descriptor describes one test wrapper. Loaded from static config and
// read-only during a run.
type Descriptor struct {
	Name           string              `mapstructure:"name"`
	Repo           string              `mapstructure:"repo"`
	Version        string              `mapstructure:"version"` // tag or "latest"
	Versions       []string            `mapstructure:"versions"`
	Packages       map[string][]string `mapstructure:"packages"` // per os vendor
	NeedsPbench    bool                `mapstructure:"needs_pbench"`
	Reboot         string              `mapstructure:"reboot"` // before, after, both, no
	ArchiveResults bool                `mapstructure:"archive_results"`
}

type Catalog struct {
	tests map[string]*Descriptor
}

// Load builds the catalog from the embedded defaults, overlaid with the
// user catalog file when one is given.
func Load(userPath string) (*Catalog, error) {
	c := &Catalog{tests: map[string]*Descriptor{}}
	err := c.merge(builtinCatalog)
	if err != nil {
		return nil, fmt.Errorf("bad builtin catalog: %w", err)
	}
	if userPath != "" {
		buf, err := os.ReadFile(userPath)
		if err != nil {
			return nil, fmt.Errorf("can't read test catalog: %w", err)
		}
		err = c.merge(buf)
		if err != nil {
			return nil, fmt.Errorf("bad test catalog %s: %w", userPath, err)
		}
	}
	return c, nil
}

func (c *Catalog) merge(buf []byte) error {
	raw := map[string]map[string]any{}
	err := yaml.Unmarshal(buf, &raw)
	if err != nil {
		return err
	}
	for name, entry := range raw {
		d := &Descriptor{}
		err := mapstructure.Decode(entry, d)
		if err != nil {
			return fmt.Errorf("can't decode test %s: %w", name, err)
		}
		d.Name = name
		if d.Reboot == "" {
			d.Reboot = "no"
		}
		c.tests[name] = d
	}
	return nil
}

func (c *Catalog) Get(name string) (*Descriptor, error) {
	d, ok := c.tests[name]
	if !ok {
		return nil, fmt.Errorf("unknown test: %s (known: %v)", name, c.Names())
	}
	return d, nil
}

func (c *Catalog) Names() []string {
	var names []string
	for name := range c.tests {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveVersion returns the tag to fetch. "latest" picks the highest
// semantic version from the known tag list.
func (d *Descriptor) ResolveVersion() (string, error) {
	if d.Version != "latest" && d.Version != "" {
		return d.Version, nil
	}
	if len(d.Versions) == 0 {
		return "", fmt.Errorf("test %s requests latest but has no known versions", d.Name)
	}

	var best *version.Version
	bestRaw := ""
	for _, raw := range d.Versions {
		v, err := version.NewVersion(raw)
		if err != nil {
			return "", fmt.Errorf("test %s has bad version tag %q: %w", d.Name, raw, err)
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	return bestRaw, nil
}

// SourceURL is the version-tagged archive URL for the wrapper.
func (d *Descriptor) SourceURL() (string, error) {
	ver, err := d.ResolveVersion()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/archive/refs/tags/%s.tar.gz", d.Repo, ver), nil
}

// RebootBefore/RebootAfter decode the descriptor's reboot semantics.
func (d *Descriptor) RebootBefore() bool { return d.Reboot == "before" || d.Reboot == "both" }
func (d *Descriptor) RebootAfter() bool  { return d.Reboot == "after" || d.Reboot == "both" }
