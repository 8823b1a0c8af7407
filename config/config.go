// Package config resolves the effective per-system run configuration from
// CLI flags, an optional scenario-vars file, and an optional scenario file.
// Precedence for any option present in more than one source:
// CLI > scenario-vars > scenario system entry > scenario global entry.
package config

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// SysBarrier is the special host_config value that fences the system list:
// no system declared after it starts until every system declared before it
// has reached a terminal state.
const SysBarrier = "SYS_BARRIER"

const (
	SystemTypeLocal = "local"
	SystemTypeAWS   = "aws"
	SystemTypeAzure = "azure"
	SystemTypeGCP   = "gcp"
	SystemTypeIBM   = "ibm"
)

// Options holds every run option for one system under test. Built once by
// Resolve and read-only thereafter.
type Options struct {
	SystemType string `mapstructure:"system_type"`
	HostConfig string `mapstructure:"host_config"`
	Tests      string `mapstructure:"tests"` // comma separated test names
	OSVendor   string `mapstructure:"os_vendor"`

	SSHKeyFile string `mapstructure:"ssh_key_file"`
	SSHUser    string `mapstructure:"ssh_user"`
	Image      string `mapstructure:"image"`

	CPUType        string `mapstructure:"cpu_type"`
	SpotRange      string `mapstructure:"spot_range"` // comma separated price tiers, lowest first
	SpotRecovery   bool   `mapstructure:"spot_recovery"`
	CreateAttempts int    `mapstructure:"create_attempts"`
	ResourceGroup  string `mapstructure:"resource_group"`

	UsePbench       bool   `mapstructure:"use_pbench"`
	SELinuxState    string `mapstructure:"selinux_state"`
	TunedProfiles   string `mapstructure:"tuned_profiles"` // comma separated, one pass per profile
	ErrorRepoErrors bool   `mapstructure:"error_repo_errors"`
	ExtraFiles      string `mapstructure:"upload_files"` // comma separated local paths

	HaltOnFailure  bool   `mapstructure:"halt_on_failure"`
	ArchiveResults bool   `mapstructure:"archive_results"`
	ArchiveBucket  string `mapstructure:"archive_bucket"`
	TermSystem     bool   `mapstructure:"term_system"`

	MaxSystems     int    `mapstructure:"max_systems"`
	ResultsDir     string `mapstructure:"results_dir"`
	LocalConfigDir string `mapstructure:"local_config_dir"`
	TestCatalog    string `mapstructure:"test_catalog"`
	Iterations     int    `mapstructure:"iterations"`
}

func defaults() map[string]any {
	return map[string]any{
		"create_attempts":  5,
		"ssh_user":         "ec2-user",
		"results_dir":      "results",
		"local_config_dir": "config",
		"term_system":      true,
		"archive_results":  true,
		"iterations":       1,
	}
}

// merge builds one option map from the sources, lowest precedence first.
func merge(sources ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out
}

func decodeOptions(m map[string]any) (*Options, error) {
	opts := &Options{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           opts,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	err = dec.Decode(m)
	if err != nil {
		return nil, fmt.Errorf("can't decode options: %w", err)
	}
	return opts, nil
}

// TestNames returns the requested tests in declaration order.
func (o *Options) TestNames() []string {
	return splitCSV(o.Tests)
}

// SpotTiers returns the requested spot price tiers, lowest first. Empty
// means on-demand only.
func (o *Options) SpotTiers() []string {
	return splitCSV(o.SpotRange)
}

// TunedPasses returns the tuned profile for each sequential pass over the
// system. At least one pass is always run.
func (o *Options) TunedPasses() []string {
	passes := splitCSV(o.TunedProfiles)
	if len(passes) == 0 {
		return []string{""}
	}
	return passes
}

func (o *Options) UploadFiles() []string {
	return splitCSV(o.ExtraFiles)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
