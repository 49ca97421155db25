package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/rancher/wrangler/v3/pkg/signals"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/tumido/insights-smokerun/pkg/config"
)

var (
	Version   = "v0.0.0-dev"
	GitCommit = "HEAD"
)

func main() {
	logrus.SetOutput(colorable.NewColorableStdout())

	rawLevel := os.Getenv("SMOKERUN_LOGLEVEL")

	if rawLevel != "" {
		if lvl, err := logrus.ParseLevel(rawLevel); err != nil {
			logrus.Fatal(err)
		} else {
			logrus.SetLevel(lvl)
		}
	}

	app := &cli.App{
		Name:    "insights-smokerun",
		Usage:   "run one smoke-test cycle against a reserved cluster project",
		Version: fmt.Sprintf("%s (%s)", Version, GitCommit),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "reserve a project, deploy the change under test and run the smoke tests",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "path to the job configuration file",
						EnvVars:  []string{"SMOKERUN_CONFIG"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "change-id",
						Usage:    "pull request number whose merge ref is under test",
						EnvVars:  []string{"CHANGE_ID"},
						Required: true,
					},
				},
				Action: runSmoke,
			},
			{
				Name:      "validate-config",
				Usage:     "parse and validate a job configuration file",
				ArgsUsage: "<config-file>",
				Action:    validateConfig,
			},
			{
				Name:      "wipe",
				Usage:     "remove every smoke-test labeled resource from a project",
				ArgsUsage: "<project>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "path to the job configuration file",
						EnvVars:  []string{"SMOKERUN_CONFIG"},
						Required: true,
					},
				},
				Action: wipeProject,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func runSmoke(cliCtx *cli.Context) error {
	ctx := signals.SetupSignalContext()

	logrus.Infof("insights-smokerun version %s is starting", Version)

	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}

	orch, cleanup, err := buildOrchestrator(ctx, cfg, cliCtx.String("change-id"))
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := orch.Run(ctx)
	for _, diag := range result.Diagnostics {
		logrus.Warnf("[smoke] diagnostic: %s", diag)
	}
	return err
}

func validateConfig(cliCtx *cli.Context) error {
	configFile := cliCtx.Args().First()
	if configFile == "" {
		return fmt.Errorf("configuration file not specified")
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", configFile)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logrus.Infof("configuration %s is valid: pool %s with %d projects", configFile, cfg.Pool.Name, len(cfg.Pool.Projects))
	return nil
}

// wipeProject runs the label-scoped wipe on its own, for recovering a project
// a crashed run left deployed.
func wipeProject(cliCtx *cli.Context) error {
	ctx := signals.SetupSignalContext()

	project := cliCtx.Args().First()
	if project == "" {
		return fmt.Errorf("project name not specified")
	}

	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		return err
	}

	cl, err := buildClients(cfg)
	if err != nil {
		return err
	}
	workers, err := buildWorkers(cfg, cl)
	if err != nil {
		return err
	}

	w, err := workers.Acquire(ctx, project)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(context.WithoutCancel(ctx)); err != nil {
			logrus.Errorf("error closing worker: %v", err)
		}
	}()

	driver := buildDeployer(cfg)
	if err := driver.InstallTooling(ctx, w); err != nil {
		return err
	}
	return driver.Wipe(ctx, w, project)
}
