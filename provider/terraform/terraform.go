// Package terraform drives the template-based providers (azure, gcp, ibm).
// It renders a tfvars file into a per-system state directory, shells out to
// the terraform binary, and reads created-resource identifiers back from
// terraform output.
package terraform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/provider"
)

// Destroy has been observed to hang on the azure apply step; kill it after
// this long and report the resources as possibly orphaned.
const destroyTimeout = 20 * time.Minute

// StateDirName is the name of the terraform state directory inside a
// system's working directory. The cleanup utility scans for these.
const StateDirName = "tf-state"

// Disk type used when the host descriptor does not name one.
var defaultDiskTypes = map[string]string{
	config.SystemTypeAzure: "Premium_LRS",
	config.SystemTypeGCP:   "pd-ssd",
	config.SystemTypeIBM:   "general-purpose",
}

func init() {
	for _, name := range []string{config.SystemTypeAzure, config.SystemTypeGCP, config.SystemTypeIBM} {
		name := name
		provider.Register(name, func(opts *config.Options) (provider.Provider, error) {
			return &tfProvider{name: name, opts: opts, templateDir: filepath.Join("templates", name)}, nil
		})
	}
}

type tfProvider struct {
	name        string
	opts        *config.Options
	templateDir string
}

type tfVars struct {
	SystemName     string   `json:"system_name"`
	InstanceType   string   `json:"instance_type"`
	Region         string   `json:"region,omitempty"`
	Zone           string   `json:"zone,omitempty"`
	Image          string   `json:"image,omitempty"`
	ResourceGroup  string   `json:"resource_group,omitempty"`
	SpotMaxPrice   string   `json:"spot_max_price,omitempty"`
	SSHPublicKey   string   `json:"ssh_public_key,omitempty"`
	DiskCount      int      `json:"disk_count"`
	DiskSizeGB     int      `json:"disk_size_gb,omitempty"`
	DiskType       string   `json:"disk_type,omitempty"`
	NetworkCount   int      `json:"network_count"`
	SysctlProfiles []string `json:"sysctl_profiles,omitempty"`
}

func (p *tfProvider) Name() string { return p.name }

func (p *tfProvider) Provision(ctx context.Context, req *provider.Request) (*provider.Resource, error) {
	stateDir := filepath.Join(req.WorkDir, StateDirName)
	res := &provider.Resource{
		Provider:      p.name,
		SSHUser:       p.opts.SSHUser,
		StateDir:      stateDir,
		ResourceGroup: req.ResourceGroup,
	}

	err := p.renderStateDir(req, stateDir)
	if err != nil {
		return res, err
	}

	out, err := p.run(ctx, stateDir, "init", "-input=false", "-no-color")
	if err != nil {
		return res, fmt.Errorf("terraform init failed: %w: %s", err, lastLines(out))
	}

	out, err = p.run(ctx, stateDir, "apply", "-auto-approve", "-input=false", "-no-color")
	if err != nil {
		if isResourceGroupCollision(out) {
			return res, fmt.Errorf("%w: %s", provider.ErrResourceGroupCollision, lastLines(out))
		}
		if req.SpotMaxPrice != "" && isSpotFailure(out) {
			return res, fmt.Errorf("%w: %s", provider.ErrSpotUnavailable, lastLines(out))
		}
		return res, fmt.Errorf("terraform apply failed: %w: %s", err, lastLines(out))
	}

	err = p.readOutputs(ctx, stateDir, res)
	if err != nil {
		return res, err
	}
	slog.Debug("terraform apply finished",
		slog.String("provider", p.name),
		slog.String("system", req.SystemName),
		slog.String("addr", res.Addr()),
	)
	return res, nil
}

func (p *tfProvider) Destroy(ctx context.Context, res *provider.Resource) error {
	if res.StateDir == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	var errs *multierror.Error
	out, err := p.run(ctx, res.StateDir, "destroy", "-auto-approve", "-input=false", "-no-color")
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("terraform destroy killed after %s, resources may be orphaned: %w", destroyTimeout, err)
		} else {
			err = fmt.Errorf("terraform destroy failed: %w: %s", err, lastLines(out))
		}
		slog.Error("destroy failed", slog.String("provider", p.name), slog.String("error", err.Error()))
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// DestroyStateDir force-destroys whatever an orphaned state directory
// still tracks. Used by the cleanup command after an interrupted run.
func DestroyStateDir(ctx context.Context, stateDir string) error {
	p := &tfProvider{name: "cleanup"}
	return p.Destroy(ctx, &provider.Resource{StateDir: stateDir})
}

// renderStateDir copies the provider template files and writes the tfvars
// for this attempt.
func (p *tfProvider) renderStateDir(req *provider.Request, stateDir string) error {
	err := os.MkdirAll(stateDir, 0o755)
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(p.templateDir)
	if err != nil {
		return fmt.Errorf("can't read template dir for %s: %w", p.name, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tf") {
			continue
		}
		buf, err := os.ReadFile(filepath.Join(p.templateDir, e.Name()))
		if err != nil {
			return err
		}
		err = os.WriteFile(filepath.Join(stateDir, e.Name()), buf, 0o644)
		if err != nil {
			return err
		}
	}

	vars := tfVars{
		SystemName:    req.SystemName,
		InstanceType:  req.Host.InstanceType,
		Region:        req.Host.Region,
		Zone:          req.Host.Zone,
		Image:         p.opts.Image,
		ResourceGroup: req.ResourceGroup,
		SpotMaxPrice:  req.SpotMaxPrice,
		NetworkCount:  1,
	}
	for _, d := range req.Host.Disks {
		vars.DiskCount += d.Count
		vars.DiskSizeGB = d.SizeGB
		vars.DiskType = d.Type
	}
	if vars.DiskCount > 0 && vars.DiskType == "" {
		vars.DiskType = defaultDiskTypes[p.name]
	}
	for _, n := range req.Host.Networks {
		vars.NetworkCount += n.Count
	}
	for _, s := range req.Host.Sysctl {
		vars.SysctlProfiles = append(vars.SysctlProfiles, s.Profiles...)
	}
	if p.opts.SSHKeyFile != "" {
		pub, err := os.ReadFile(p.opts.SSHKeyFile + ".pub")
		if err == nil {
			vars.SSHPublicKey = strings.TrimSpace(string(pub))
		}
	}

	buf, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "terraform.tfvars.json"), buf, 0o644)
}

func (p *tfProvider) readOutputs(ctx context.Context, stateDir string, res *provider.Resource) error {
	out, err := p.run(ctx, stateDir, "output", "-json", "-no-color")
	if err != nil {
		return fmt.Errorf("terraform output failed: %w", err)
	}

	var outputs map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	err = json.Unmarshal(out, &outputs)
	if err != nil {
		return fmt.Errorf("can't parse terraform output: %w", err)
	}

	res.PublicIPs = stringList(outputs, "public_ips")
	res.PrivateIPs = stringList(outputs, "private_ips")
	res.InstanceIDs = stringList(outputs, "instance_ids")
	if len(res.PublicIPs) == 0 && len(res.PrivateIPs) == 0 {
		return fmt.Errorf("terraform reported no addresses for the created system")
	}
	return nil
}

func (p *tfProvider) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "terraform", args...)
	cmd.Dir = dir
	cmd.Env = os.Environ() // cloud credential env vars (e.g. IC_API_KEY) pass through
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

func stringList(outputs map[string]struct {
	Value json.RawMessage `json:"value"`
}, key string) []string {
	raw, ok := outputs[key]
	if !ok {
		return nil
	}
	var list []string
	if json.Unmarshal(raw.Value, &list) == nil {
		return list
	}
	var single string
	if json.Unmarshal(raw.Value, &single) == nil && single != "" {
		return []string{single}
	}
	return nil
}

func isResourceGroupCollision(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "ResourceGroupBeingDeleted") ||
		(strings.Contains(s, "resource group") && strings.Contains(s, "already exists"))
}

func isSpotFailure(out []byte) bool {
	s := string(out)
	return strings.Contains(s, "SpotMaxPriceTooLow") ||
		strings.Contains(s, "OverconstrainedAllocationRequest") ||
		strings.Contains(s, "capacity")
}

func lastLines(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, " / ")
}
