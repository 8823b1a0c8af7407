// Package provider abstracts resource creation per cloud. Each provider
// registers itself at module load time so the pipeline can create one from
// the resolved system_type.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/hostspec"
)

// Classification errors. Providers wrap their underlying failures with
// these so the retry controller can pick a policy without knowing the cloud.
var (
	// ErrSpotUnavailable: spot capacity or price failure at the requested tier.
	ErrSpotUnavailable = errors.New("spot instance unavailable at requested price")
	// ErrResourceGroupCollision: account-level name collision on the target
	// resource group.
	ErrResourceGroupCollision = errors.New("resource group name collision")
)

// Request describes one provisioning attempt for one system.
type Request struct {
	SystemName string
	WorkDir    string
	Host       *hostspec.HostDescriptor
	Options    *config.Options

	// SpotMaxPrice is the spot tier for this attempt. Empty means on-demand.
	SpotMaxPrice string
	// ResourceGroup carries any collision suffix applied by the retry
	// controller. Empty means the provider default.
	ResourceGroup string
}

// Resource is the cloud-specific handle for created infrastructure. Owned
// by the run that created it; destroyed by teardown.
type Resource struct {
	Provider        string
	InstanceIDs     []string
	PublicIPs       []string
	PrivateIPs      []string
	SecurityGroupID string
	KeyName         string
	Zone            string
	ResourceGroup   string
	// SSHUser/SSHKeyMaterial let the pipeline open a session without
	// re-reading provider state.
	SSHUser        string
	SSHKeyMaterial []byte
	// StateDir is the infra-tool state directory, when the provider keeps one.
	StateDir string
	Extra    map[string]string
}

// Addr returns the routable address of the first instance, or "" when the
// provider has not reported one yet.
func (r *Resource) Addr() string {
	if len(r.PublicIPs) > 0 {
		return r.PublicIPs[0]
	}
	if len(r.PrivateIPs) > 0 {
		return r.PrivateIPs[0]
	}
	return ""
}

type Provider interface {
	// The system_type this provider serves.
	Name() string

	// Create resources for the request and return their handles.
	Provision(ctx context.Context, req *Request) (*Resource, error)

	// Destroy the resources. Must be safe to call on a partially created
	// resource.
	Destroy(ctx context.Context, res *Resource) error
}

type Factory func(*config.Options) (Provider, error)

var providers map[string]Factory

// All providers must register themselves at module load time.
func Register(name string, f Factory) {
	if providers == nil {
		providers = map[string]Factory{}
	}
	providers[name] = f
}

func New(name string, opts *config.Options) (Provider, error) {
	f, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return f(opts)
}
