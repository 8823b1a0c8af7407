// Package pipeline drives a whole run: each declared system flows through
// provision → install → test passes → teardown as one sequential pipeline,
// and pipelines of the same stage run concurrently up to max_systems.
// SYS_BARRIER entries split the system list into stages; a stage starts
// only after every pipeline of the previous stage reached a terminal state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/redhat-performance/zathras/archive"
	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/install"
	"github.com/redhat-performance/zathras/provider"
	"github.com/redhat-performance/zathras/provision"
	"github.com/redhat-performance/zathras/report"
	"github.com/redhat-performance/zathras/runner"
	"github.com/redhat-performance/zathras/target"
	"github.com/redhat-performance/zathras/wrapper"
)

type Orchestrator struct {
	rc         *config.RunConfiguration
	catalog    *wrapper.Catalog
	resultsDir string

	// newProvider and runSystemFn are swappable for tests.
	newProvider func(name string, opts *config.Options) (provider.Provider, error)
	runSystemFn func(ctx context.Context, sys *config.SystemConfig) *report.SystemReport
}

func New(rc *config.RunConfiguration, catalog *wrapper.Catalog, resultsDir string) *Orchestrator {
	o := &Orchestrator{
		rc:          rc,
		catalog:     catalog,
		resultsDir:  resultsDir,
		newProvider: provider.New,
	}
	o.runSystemFn = o.runSystem
	return o
}

// Run executes every stage in order and writes report.json. A fatal
// failure in one system's pipeline does not cancel its siblings.
func (o *Orchestrator) Run(ctx context.Context) (*report.RunReport, error) {
	err := os.MkdirAll(o.resultsDir, 0o755)
	if err != nil {
		return nil, err
	}
	install.SetLogPath(filepath.Join(o.resultsDir, "install.log"))

	rep := &report.RunReport{RunID: o.rc.RunID, StartedAt: time.Now()}
	reports := map[string]*report.SystemReport{}
	var mu sync.Mutex

	for i, stage := range o.rc.Stages {
		slog.Info("starting stage", slog.Int("stage", i+1), slog.Int("systems", len(stage)))
		o.runStage(ctx, stage, func(sr *report.SystemReport) {
			mu.Lock()
			reports[sr.System] = sr
			mu.Unlock()
		})
	}

	// report in declaration order
	for _, sys := range o.rc.Systems {
		if sys.Barrier {
			continue
		}
		rep.Systems = append(rep.Systems, reports[sys.Name])
	}
	rep.FinishedAt = time.Now()

	err = rep.Save(o.resultsDir)
	if err != nil {
		return rep, fmt.Errorf("can't save run report: %w", err)
	}
	return rep, nil
}

// runStage drains one barrier-delimited group of systems, bounded by
// max_systems (0 = unlimited).
func (o *Orchestrator) runStage(ctx context.Context, stage []*config.SystemConfig, record func(*report.SystemReport)) {
	concurrency := 0
	if len(stage) > 0 {
		concurrency = stage[0].Options.MaxSystems
	}

	if concurrency == 0 {
		wg := &sync.WaitGroup{}
		for _, sys := range stage {
			sys := sys
			wg.Add(1)
			go func() {
				defer wg.Done()
				record(o.runSystemFn(ctx, sys))
			}()
		}
		wg.Wait()
	} else {
		pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
		for _, sys := range stage {
			sys := sys
			pool.Submit(func() {
				record(o.runSystemFn(ctx, sys))
			})
		}
		pool.StopAndWait()
	}
}

// runSystem is one system's full pipeline. It always returns a report;
// teardown is attempted even on failure.
func (o *Orchestrator) runSystem(ctx context.Context, sys *config.SystemConfig) *report.SystemReport {
	sr := &report.SystemReport{System: sys.Name, SystemType: sys.Options.SystemType}
	if sys.Host != nil {
		sr.InstanceType = sys.Host.InstanceType
	}

	workDir := filepath.Join(o.resultsDir, sys.Name)
	err := os.MkdirAll(workDir, 0o755)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}

	prov, err := o.newProvider(sys.Options.SystemType, sys.Options)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	ctrl := provision.NewController(sys, prov, workDir)

	start := time.Now()
	res, tgt, err := ctrl.Provision(ctx)
	sr.ProvisionSec = time.Since(start).Seconds()
	sr.Attempts = ctrl.AttemptState().Attempt
	report.AppendTiming(workDir, sys.Name, "provision", time.Since(start))
	if err != nil {
		sr.Error = err.Error()
		o.bundle(ctx, sys, sr, workDir)
		return sr
	}
	sr.Addr = res.Addr()
	sr.SpotDowngrade = ctrl.AttemptState().SpotExhausted

	defer func() {
		o.teardown(ctx, sys, sr, prov, res, workDir)
		o.bundle(ctx, sys, sr, workDir)
	}()

	tests := sys.Options.TestNames()
	packages := runner.Packages(o.catalog, tests, sys.Options.OSVendor)
	err = install.New(sys, tgt, workDir).Run(packages)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}

	res, tgt, err = o.runPasses(ctx, sys, sr, ctrl, prov, res, tgt, workDir)
	if err != nil {
		sr.Error = err.Error()
	}
	return sr
}

// runPasses runs the configured tuned passes and iterations over the
// provisioned system, recovering from a spot eviction when enabled. The
// system is only torn down after the final pass (term_system).
func (o *Orchestrator) runPasses(
	ctx context.Context,
	sys *config.SystemConfig,
	sr *report.SystemReport,
	ctrl *provision.Controller,
	prov provider.Provider,
	res *provider.Resource,
	tgt target.Target,
	workDir string,
) (*provider.Resource, target.Target, error) {
	r := runner.New(sys, tgt, o.catalog, workDir)
	passes := sys.Options.TunedPasses()
	tests := sys.Options.TestNames()

	for passIdx, profile := range passes {
		if passIdx > 0 {
			err := install.ApplyTuned(tgt, profile)
			if err != nil {
				return res, tgt, err
			}
		}

		for iter := 1; iter <= max(sys.Options.Iterations, 1); iter++ {
			remaining := tests
			for len(remaining) > 0 {
				results, err := r.RunPass(remaining, profile, iter)
				sr.Results = append(sr.Results, results...)
				if err == nil {
					break
				}

				if !o.spotEvicted(ctx, sys, prov, res) {
					return res, tgt, err
				}

				// Strip the completed tests from the remaining work list so
				// they are not re-run on the replacement system.
				remaining = stripCompleted(remaining, results)
				slog.Info("recovering from spot eviction on demand",
					slog.String("system", sys.Name),
					slog.Int("remainingTests", len(remaining)),
				)

				ctrl.DisableSpot()
				_ = prov.Destroy(ctx, res)

				var rerr error
				res, tgt, rerr = ctrl.Provision(ctx)
				if rerr != nil {
					return res, tgt, fmt.Errorf("spot recovery failed: %w", rerr)
				}
				sr.Addr = res.Addr()
				sr.SpotDowngrade = true

				packages := runner.Packages(o.catalog, remaining, sys.Options.OSVendor)
				rerr = install.New(sys, tgt, workDir).Run(packages)
				if rerr != nil {
					return res, tgt, fmt.Errorf("spot recovery install failed: %w", rerr)
				}
				r = runner.New(sys, tgt, o.catalog, workDir)
			}
		}
	}
	return res, tgt, nil
}

// spotEvicted reports whether the pass failure was a reclaimed spot
// instance we are allowed to recover from.
func (o *Orchestrator) spotEvicted(ctx context.Context, sys *config.SystemConfig, prov provider.Provider, res *provider.Resource) bool {
	if !sys.Options.SpotRecovery || len(sys.Options.SpotTiers()) == 0 {
		return false
	}
	type goneChecker interface {
		InstanceGone(ctx context.Context, res *provider.Resource) bool
	}
	gc, ok := prov.(goneChecker)
	if !ok {
		return false
	}
	return gc.InstanceGone(ctx, res)
}

func stripCompleted(remaining []string, results []*report.RunResult) []string {
	completed := map[string]bool{}
	for i, r := range results {
		if i == len(results)-1 {
			// the interrupted test itself is re-run on the replacement system
			break
		}
		completed[r.Test] = true
	}
	var out []string
	for _, name := range remaining {
		if !completed[name] {
			out = append(out, name)
		}
	}
	return out
}

func (o *Orchestrator) teardown(ctx context.Context, sys *config.SystemConfig, sr *report.SystemReport, prov provider.Provider, res *provider.Resource, workDir string) {
	if sys.Options.SystemType == config.SystemTypeLocal {
		return
	}
	if !sys.Options.TermSystem {
		slog.Warn("term_system is off, leaving resources up", slog.String("system", sys.Name))
		return
	}

	start := time.Now()
	err := prov.Destroy(ctx, res)
	sr.TeardownSec = time.Since(start).Seconds()
	report.AppendTiming(workDir, sys.Name, "teardown", time.Since(start))
	if err != nil {
		// best effort: logged, never blocks run completion reporting
		slog.Error("teardown failed", slog.String("system", sys.Name), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) bundle(ctx context.Context, sys *config.SystemConfig, sr *report.SystemReport, workDir string) {
	if !sys.Options.ArchiveResults {
		return
	}
	bundlePath, err := archive.Bundle(workDir, o.resultsDir, sys.Name)
	if err != nil {
		slog.Error("bundling failed", slog.String("system", sys.Name), slog.String("error", err.Error()))
		return
	}
	sr.BundlePath = bundlePath

	if sys.Options.ArchiveBucket != "" {
		err = archive.UploadToS3(ctx, bundlePath, sys.Options.ArchiveBucket, o.rc.RunID)
		if err != nil {
			slog.Error("bundle upload failed", slog.String("system", sys.Name), slog.String("error", err.Error()))
		}
	}
}
