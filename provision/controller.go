package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/provider"
	"github.com/redhat-performance/zathras/target"
)

// AttemptState tracks retry progress for one system. It is reset between
// systems, never between attempts of the same system.
type AttemptState struct {
	Attempt       int
	SpotTier      int
	GroupSuffix   int
	CPURejections int
	// SpotExhausted is set once every requested tier has failed. From then
	// on the system is provisioned on demand and spot is never re-entered.
	SpotExhausted bool
}

// Controller wraps the driver with the bounded attempt loop and the
// fallback policies: spot-price tier escalation with a single on-demand
// downgrade, resource-group suffixing on collision, and wrong-CPU
// destroy-and-retry.
type Controller struct {
	sys     *config.SystemConfig
	prov    provider.Provider
	driver  provisioner
	workDir string
	state   AttemptState
}

type provisioner interface {
	Provision(ctx context.Context, req *provider.Request) (*provider.Resource, target.Target, error)
}

func NewController(sys *config.SystemConfig, prov provider.Provider, workDir string) *Controller {
	return &Controller{
		sys:     sys,
		prov:    prov,
		driver:  NewDriver(sys, prov, workDir),
		workDir: workDir,
	}
}

func (c *Controller) AttemptState() AttemptState { return c.state }

// DisableSpot strips spot settings for the rest of this system's lifetime.
// Used by spot mid-run eviction recovery.
func (c *Controller) DisableSpot() {
	c.state.SpotExhausted = true
}

func (c *Controller) request() *provider.Request {
	req := &provider.Request{
		SystemName: c.sys.Name,
		WorkDir:    c.workDir,
		Host:       c.sys.Host,
		Options:    c.sys.Options,
	}

	tiers := c.sys.Options.SpotTiers()
	if !c.state.SpotExhausted && c.state.SpotTier < len(tiers) {
		req.SpotMaxPrice = tiers[c.state.SpotTier]
	}

	if c.sys.Options.ResourceGroup != "" {
		req.ResourceGroup = c.sys.Options.ResourceGroup
		if c.state.GroupSuffix > 0 {
			req.ResourceGroup = fmt.Sprintf("%s%d", c.sys.Options.ResourceGroup, c.state.GroupSuffix)
		}
	}
	return req
}

// Provision attempts to provision until it succeeds or every retry avenue
// is exhausted. Partially created resources of failed attempts are torn
// down best-effort before the next attempt.
func (c *Controller) Provision(ctx context.Context) (*provider.Resource, target.Target, error) {
	maxAttempts := c.sys.Options.CreateAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var lastErr error
	for c.state.Attempt < maxAttempts {
		c.state.Attempt++
		req := c.request()

		res, tgt, err := c.driver.Provision(ctx, req)
		if err == nil {
			return res, tgt, nil
		}
		lastErr = err

		// dispose of anything the failed attempt left behind
		if res != nil {
			destroyErr := c.prov.Destroy(ctx, res)
			if destroyErr != nil {
				slog.Error("failed to clean up partial resources",
					slog.String("system", c.sys.Name),
					slog.String("error", destroyErr.Error()),
				)
			}
		}

		switch {
		case errors.Is(err, provider.ErrSpotUnavailable):
			c.state.SpotTier++
			if c.state.SpotTier >= len(c.sys.Options.SpotTiers()) && !c.state.SpotExhausted {
				c.state.SpotExhausted = true
				slog.Info("all spot price tiers failed, downgrading to on-demand",
					slog.String("system", c.sys.Name),
					slog.Int("tiersTried", c.state.SpotTier),
				)
			}
		case errors.Is(err, provider.ErrResourceGroupCollision):
			c.state.GroupSuffix++
			slog.Info("resource group collision, retrying with suffix",
				slog.String("system", c.sys.Name),
				slog.Int("suffix", c.state.GroupSuffix),
			)
		case errors.Is(err, ErrCPUMismatch):
			c.state.CPURejections++
			slog.Info("requested CPU type not obtained, retrying",
				slog.String("system", c.sys.Name),
				slog.Int("rejections", c.state.CPURejections),
			)
		default:
			slog.Error("provisioning attempt failed",
				slog.String("system", c.sys.Name),
				slog.Int("attempt", c.state.Attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	if errors.Is(lastErr, ErrCPUMismatch) {
		return nil, nil, fmt.Errorf("could not obtain requested CPU type %q after %d attempts", c.sys.Options.CPUType, maxAttempts)
	}
	return nil, nil, fmt.Errorf("provisioning %s failed after %d attempts: %w", c.sys.Name, maxAttempts, lastErr)
}
