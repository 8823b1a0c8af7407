package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redhat-performance/zathras/hostspec"
	"gopkg.in/yaml.v3"
)

// SystemConfig is the fully resolved configuration for one declared system.
type SystemConfig struct {
	Name    string
	Options *Options
	// Host is the parsed host descriptor. Nil for local systems and
	// barriers; local systems name a <hostname>.config file instead.
	Host    *hostspec.HostDescriptor
	Barrier bool
}

// RunConfiguration is the immutable result of config resolution.
type RunConfiguration struct {
	RunID   string
	Systems []*SystemConfig // declaration order, barriers included
	// Stages is Systems split at the barriers. Stage n+1 must not start
	// until every system of stage n has reached a terminal state.
	Stages [][]*SystemConfig
}

// ResolveInput carries the three option sources. CLIOverrides must contain
// only flags the user actually set.
type ResolveInput struct {
	ScenarioPath     string
	ScenarioVarsPath string
	CLIOverrides     map[string]any
}

type scenarioFile struct {
	Global  map[string]any `yaml:"global"`
	Systems yaml.Node      `yaml:"systems"`
}

// Resolve merges the sources into one RunConfiguration. It fails before any
// provisioning on a missing required option or a malformed host descriptor.
func Resolve(in *ResolveInput) (*RunConfiguration, error) {
	var scenario scenarioFile
	if in.ScenarioPath != "" {
		buf, err := os.ReadFile(in.ScenarioPath)
		if err != nil {
			return nil, fmt.Errorf("can't read scenario file: %w", err)
		}
		err = yaml.Unmarshal(buf, &scenario)
		if err != nil {
			return nil, fmt.Errorf("can't parse scenario file %s: %w", in.ScenarioPath, err)
		}
	}

	vars := map[string]any{}
	if in.ScenarioVarsPath != "" {
		buf, err := os.ReadFile(in.ScenarioVarsPath)
		if err != nil {
			return nil, fmt.Errorf("can't read scenario-vars file: %w", err)
		}
		err = yaml.Unmarshal(buf, &vars)
		if err != nil {
			return nil, fmt.Errorf("can't parse scenario-vars file %s: %w", in.ScenarioVarsPath, err)
		}
	}

	systems, err := scenarioSystems(&scenario)
	if err != nil {
		return nil, err
	}
	if len(systems) == 0 {
		// no scenario: a single system built from CLI flags alone
		systems = []scenarioSystem{{name: "system1", options: map[string]any{}}}
	}

	rc := &RunConfiguration{RunID: uuid.NewString()}
	for _, sys := range systems {
		m := merge(defaults(), scenario.Global, sys.options, vars, in.CLIOverrides)
		opts, err := decodeOptions(m)
		if err != nil {
			return nil, fmt.Errorf("system %s: %w", sys.name, err)
		}

		sc := &SystemConfig{Name: sys.name, Options: opts}
		if opts.HostConfig == SysBarrier {
			sc.Barrier = true
			rc.Systems = append(rc.Systems, sc)
			continue
		}

		err = validate(sys.name, opts)
		if err != nil {
			return nil, err
		}

		if opts.SystemType != SystemTypeLocal {
			sc.Host, err = hostspec.Parse(opts.HostConfig)
			if err != nil {
				return nil, fmt.Errorf("system %s: %w", sys.name, err)
			}
		}
		rc.Systems = append(rc.Systems, sc)
	}

	rc.Stages = splitStages(rc.Systems)
	return rc, nil
}

type scenarioSystem struct {
	name    string
	options map[string]any
}

// scenarioSystems decodes the systems mapping while preserving declaration
// order, which a plain map would lose. Barrier semantics depend on order.
func scenarioSystems(scenario *scenarioFile) ([]scenarioSystem, error) {
	node := scenario.Systems
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("scenario systems key must be a mapping")
	}
	var out []scenarioSystem
	for i := 0; i < len(node.Content); i += 2 {
		name := node.Content[i].Value
		opts := map[string]any{}
		err := node.Content[i+1].Decode(&opts)
		if err != nil {
			return nil, fmt.Errorf("can't decode system %s: %w", name, err)
		}
		out = append(out, scenarioSystem{name: name, options: opts})
	}
	return out, nil
}

func validate(name string, opts *Options) error {
	if opts.SystemType == "" {
		return fmt.Errorf("system %s: required option system_type is not set", name)
	}
	switch opts.SystemType {
	case SystemTypeLocal, SystemTypeAWS, SystemTypeAzure, SystemTypeGCP, SystemTypeIBM:
	default:
		return fmt.Errorf("system %s: unknown system_type %q", name, opts.SystemType)
	}
	if opts.HostConfig == "" {
		return fmt.Errorf("system %s: required option host_config is not set", name)
	}
	if opts.Tests == "" {
		return fmt.Errorf("system %s: required option tests is not set", name)
	}
	return nil
}

func splitStages(systems []*SystemConfig) [][]*SystemConfig {
	var stages [][]*SystemConfig
	var current []*SystemConfig
	for _, sc := range systems {
		if sc.Barrier {
			if len(current) > 0 {
				stages = append(stages, current)
				current = nil
			}
			continue
		}
		current = append(current, sc)
	}
	if len(current) > 0 {
		stages = append(stages, current)
	}
	return stages
}
