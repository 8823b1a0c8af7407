// Command zathras provisions systems, runs benchmark wrappers on them,
// and post-processes the archived results.
package main

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redhat-performance/zathras/config"
	"github.com/redhat-performance/zathras/pipeline"
	"github.com/redhat-performance/zathras/postprocess"
	"github.com/redhat-performance/zathras/provider/terraform"
	"github.com/redhat-performance/zathras/wrapper"
	"github.com/urfave/cli/v2"

	_ "github.com/redhat-performance/zathras/provider/awsec2"
	_ "github.com/redhat-performance/zathras/provider/localhost"
)

// override flags exposed on `run`; each maps 1:1 onto a scenario option
// and wins over both scenario and scenario-vars values.
var (
	runStringFlags = []string{
		"system_type", "host_config", "tests", "os_vendor", "ssh_key_file",
		"ssh_user", "image", "cpu_type", "spot_range", "resource_group",
		"selinux_state", "tuned_profiles", "upload_files", "archive_bucket",
		"results_dir", "local_config_dir", "test_catalog",
	}
	runIntFlags  = []string{"create_attempts", "max_systems", "iterations"}
	runBoolFlags = []string{
		"term_system", "archive_results", "halt_on_failure", "use_pbench",
		"spot_recovery", "error_repo_errors",
	}
)

func main() {
	app := &cli.App{
		Name:  "zathras",
		Usage: "automated benchmark runs across cloud and local systems",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
		},
		Before: func(c *cli.Context) error {
			level := slog.LevelInfo
			if c.Bool("verbose") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			postprocessCommand(),
			cleanupCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		slog.Error("zathras failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "Scenario YAML describing the systems to run; omitted, the override flags alone describe a single system",
		},
		&cli.StringFlag{
			Name:  "scenario_vars",
			Usage: "Scenario-vars YAML overriding scenario options",
		},
	}
	for _, name := range runStringFlags {
		flags = append(flags, &cli.StringFlag{Name: name})
	}
	for _, name := range runIntFlags {
		flags = append(flags, &cli.IntFlag{Name: name})
	}
	for _, name := range runBoolFlags {
		flags = append(flags, &cli.BoolFlag{Name: name})
	}

	return &cli.Command{
		Name:   "run",
		Usage:  "Provision the scenario's systems and run their tests",
		Flags:  flags,
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	overrides := map[string]any{}
	for _, name := range runStringFlags {
		if c.IsSet(name) {
			overrides[name] = c.String(name)
		}
	}
	for _, name := range runIntFlags {
		if c.IsSet(name) {
			overrides[name] = c.Int(name)
		}
	}
	for _, name := range runBoolFlags {
		if c.IsSet(name) {
			overrides[name] = c.Bool(name)
		}
	}

	rc, err := config.Resolve(&config.ResolveInput{
		ScenarioPath:     c.String("scenario"),
		ScenarioVarsPath: c.String("scenario_vars"),
		CLIOverrides:     overrides,
	})
	if err != nil {
		return err
	}

	opts := rc.Systems[0].Options
	catalog, err := wrapper.Load(opts.TestCatalog)
	if err != nil {
		return err
	}

	rep, err := pipeline.New(rc, catalog, opts.ResultsDir).Run(c.Context)
	if err != nil {
		return err
	}
	if rep.Failed() {
		return cli.Exit("one or more systems failed, see report.json", 1)
	}
	return nil
}

func postprocessCommand() *cli.Command {
	return &cli.Command{
		Name:  "postprocess",
		Usage: "Parse archived results and export them as JSON documents",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "directory",
				Aliases:  []string{"d"},
				Usage:    "Directory scanned for results_<test>.zip archives",
				Required: true,
			},
			&cli.StringFlag{Name: "os_vendor"},
			&cli.StringFlag{Name: "cloud_provider"},
			&cli.StringFlag{Name: "instance_type"},
			&cli.StringFlag{Name: "scenario_name"},
			&cli.IntFlag{Name: "iteration", Value: 1},
			&cli.StringFlag{
				Name:  "output-json",
				Usage: "Write one <document_id>.json per document into this directory",
			},
			&cli.StringFlag{Name: "opensearch_url"},
			&cli.StringFlag{Name: "opensearch_index"},
			&cli.StringFlag{Name: "opensearch_user"},
			&cli.StringFlag{Name: "opensearch_password"},
			&cli.StringFlag{Name: "opensearch_token"},
		},
		Action: postprocessAction,
	}
}

func postprocessAction(c *cli.Context) error {
	in := &postprocess.Input{
		Dir:           c.String("directory"),
		OSVendor:      c.String("os_vendor"),
		CloudProvider: c.String("cloud_provider"),
		InstanceType:  c.String("instance_type"),
		ScenarioName:  c.String("scenario_name"),
		Iteration:     c.Int("iteration"),
		OutputJSONDir: c.String("output-json"),
	}
	if url := c.String("opensearch_url"); url != "" {
		ex := postprocess.NewExporter(url, c.String("opensearch_index"))
		ex.Username = c.String("opensearch_user")
		ex.Password = c.String("opensearch_password")
		ex.Token = c.String("opensearch_token")
		in.Exporter = ex
	}
	if in.OutputJSONDir == "" && in.Exporter == nil {
		return fmt.Errorf("nothing to do: set --output-json and/or --opensearch_url")
	}

	docs, err := postprocess.Process(c.Context, in)
	if err != nil {
		return err
	}
	slog.Info("postprocessing finished", slog.Int("documents", len(docs)))
	return nil
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Destroy cloud resources left behind by interrupted runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "results_dir",
				Usage: "Results directory scanned for orphaned state",
				Value: "results",
			},
		},
		Action: cleanupAction,
	}
}

// cleanupAction walks the results tree for terraform state dirs that an
// interrupted run never destroyed and force-destroys them.
func cleanupAction(c *cli.Context) error {
	root := c.String("results_dir")
	var stateDirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == terraform.StateDirName {
			stateDirs = append(stateDirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(stateDirs) == 0 {
		slog.Info("no orphaned state found", slog.String("resultsDir", root))
		return nil
	}

	failed := 0
	for _, dir := range stateDirs {
		slog.Info("destroying orphaned resources", slog.String("stateDir", dir))
		err := terraform.DestroyStateDir(c.Context, dir)
		if err != nil {
			failed++
			slog.Error("cleanup failed", slog.String("stateDir", dir), slog.String("error", err.Error()))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d state directories could not be destroyed", failed, len(stateDirs))
	}
	return nil
}
