// Package localhost serves system_type local: the host is already there, so
// provisioning just reads its <hostname>.config description and teardown is
// a no-op.
package localhost

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/provider"
)

func init() {
	provider.Register(config.SystemTypeLocal, func(opts *config.Options) (provider.Provider, error) {
		return &localProvider{opts: opts}, nil
	})
}

type localProvider struct {
	opts *config.Options
}

// HostConfig is the parsed <hostname>.config file: "key: value" lines with
// storage devices and server/client IP lists for multi-host tests.
type HostConfig struct {
	Hostname  string
	Storage   string
	ServerIPs []string
	ClientIPs []string
	Extra     map[string]string
}

func (p *localProvider) Name() string { return config.SystemTypeLocal }

func (p *localProvider) Provision(ctx context.Context, req *provider.Request) (*provider.Resource, error) {
	hc, err := LoadHostConfig(p.opts.LocalConfigDir, req.Options.HostConfig)
	if err != nil {
		return nil, err
	}

	res := &provider.Resource{
		Provider:   p.Name(),
		PrivateIPs: hc.ServerIPs,
		Extra: map[string]string{
			"hostname": hc.Hostname,
			"storage":  hc.Storage,
		},
	}
	if len(hc.ClientIPs) > 0 {
		res.Extra["client_ips"] = strings.Join(hc.ClientIPs, ",")
	}
	return res, nil
}

// Destroy is a no-op: local systems are not owned by the run.
func (p *localProvider) Destroy(ctx context.Context, res *provider.Resource) error {
	return nil
}

// LoadHostConfig reads <dir>/<hostname>.config.
func LoadHostConfig(dir, hostname string) (*HostConfig, error) {
	path := filepath.Join(dir, hostname+".config")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("can't read local host config: %w", err)
	}
	defer f.Close()

	hc := &HostConfig{Hostname: hostname, Extra: map[string]string{}}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed line in %s: %q", path, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "storage":
			hc.Storage = value
		case "server_ips":
			hc.ServerIPs = splitIPs(value)
		case "client_ips":
			hc.ClientIPs = splitIPs(value)
		default:
			hc.Extra[key] = value
		}
	}
	return hc, scanner.Err()
}

func splitIPs(s string) []string {
	var out []string
	for _, ip := range strings.Split(s, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			out = append(out, ip)
		}
	}
	return out
}
