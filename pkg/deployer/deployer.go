// Package deployer drives ocdeployer: environment wipes, the builder
// deployment pinned to the change's refspec, and the full component deploy.
package deployer

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/tumido/insights-smokerun/pkg/types"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

// overrideFile is the one parameter override file name. The writer and every
// deploy command reference this constant, so they cannot drift apart.
const overrideFile = "env.yml"

const scaleFactor = "0.75"

const (
	builderRefParam     = "SOURCE_REPOSITORY_REF"
	imageNamespaceParam = "IMAGE_NAMESPACE"
)

// Options carries the tool selection knobs that do not change per run.
type Options struct {
	Package            string
	PipIndexURL        string
	BuilderTemplateDir string
	SecretsSrcProject  string
	Label              string
	Timeout            time.Duration
}

// Driver issues ocdeployer commands through a worker. It keeps no state
// between calls; everything it needs is in the run parameters and options.
type Driver struct {
	params types.RunParameters
	opts   Options
}

func New(params types.RunParameters, opts Options) *Driver {
	return &Driver{params: params, opts: opts}
}

// InstallTooling installs or refreshes the deploy tool inside the worker.
func (d *Driver) InstallTooling(ctx context.Context, w worker.Worker) error {
	ctx, cancel := d.execCtx(ctx)
	defer cancel()

	args := []string{"pip", "install", "--upgrade", d.opts.Package}
	if d.opts.PipIndexURL != "" {
		args = append(args, "--index-url", d.opts.PipIndexURL)
	}
	if _, err := w.Exec(ctx, worker.Command{Name: "install-ocdeployer", Args: args}); err != nil {
		return fmt.Errorf("error installing %s: %w", d.opts.Package, err)
	}
	return nil
}

// Wipe removes every labeled resource from the project. It succeeds on an
// already clean project.
func (d *Driver) Wipe(ctx context.Context, w worker.Worker, project string) error {
	ctx, cancel := d.execCtx(ctx)
	defer cancel()

	logrus.Infof("[deploy] wiping resources labeled %s from project %s", d.opts.Label, project)
	_, err := w.Exec(ctx, worker.Command{
		Name: "wipe",
		Args: []string{d.opts.Package, "wipe", "--label", d.opts.Label, project},
	})
	if err != nil {
		return fmt.Errorf("error wiping project %s: %w", project, err)
	}
	return nil
}

// DeployBuilder deploys only the build configuration, with the source ref
// parameter overridden to the change's refspec so the builder builds the
// code under test instead of the default branch.
func (d *Driver) DeployBuilder(ctx context.Context, w worker.Worker, project, refspec string) error {
	ctx, cancel := d.execCtx(ctx)
	defer cancel()

	overridePath, err := d.writeOverride(ctx, w, d.params.OCDeployerBuilderPath, builderRefParam, refspec)
	if err != nil {
		return err
	}

	logrus.Infof("[deploy] deploying builder %s into project %s at %s", d.params.OCDeployerBuilderPath, project, refspec)
	_, err = w.Exec(ctx, worker.Command{
		Name: "deploy-builder",
		Args: []string{
			d.opts.Package, "deploy", "-f",
			"--pick", d.params.OCDeployerBuilderPath,
			"--template-dir", d.opts.BuilderTemplateDir,
			"-e", overridePath,
			"--secrets-src-project", d.opts.SecretsSrcProject,
			"--label", d.opts.Label,
			project,
		},
	})
	if err != nil {
		return fmt.Errorf("error deploying builder into %s: %w", project, err)
	}
	return nil
}

// DeployComponents deploys the service sets, pointing the image namespace
// parameter at the reserved project so components consume the image the
// builder just produced there.
func (d *Driver) DeployComponents(ctx context.Context, w worker.Worker, project string) error {
	ctx, cancel := d.execCtx(ctx)
	defer cancel()

	overridePath, err := d.writeOverride(ctx, w, d.params.OCDeployerComponentPath, imageNamespaceParam, project)
	if err != nil {
		return err
	}

	logrus.Infof("[deploy] deploying service sets %s into project %s", d.params.OCDeployerServiceSets, project)
	_, err = w.Exec(ctx, worker.Command{
		Name: "deploy-components",
		Args: []string{
			d.opts.Package, "deploy", "-f",
			"--sets", d.params.OCDeployerServiceSets,
			"-e", overridePath,
			"--scale-resources", scaleFactor,
			"--secrets-src-project", d.opts.SecretsSrcProject,
			"--label", d.opts.Label,
			project,
		},
	})
	if err != nil {
		return fmt.Errorf("error deploying components into %s: %w", project, err)
	}
	return nil
}

// writeOverride renders the two-level parameter override ocdeployer consumes
// and places it in the worker's workdir.
func (d *Driver) writeOverride(ctx context.Context, w worker.Worker, deployPath, param, value string) (string, error) {
	doc := map[string]map[string]map[string]string{
		deployPath: {"parameters": {param: value}},
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("error rendering override for %s: %w", deployPath, err)
	}

	overridePath := path.Join(w.Workdir(), overrideFile)
	if err := w.WriteFile(ctx, overridePath, data, 0600); err != nil {
		return "", fmt.Errorf("error writing override file %s: %w", overridePath, err)
	}
	return overridePath, nil
}

func (d *Driver) execCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.opts.Timeout)
}
