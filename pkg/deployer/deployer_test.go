package deployer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"sigs.k8s.io/yaml"

	"github.com/tumido/insights-smokerun/pkg/types"
	"github.com/tumido/insights-smokerun/pkg/worker"
)

func testDriver() *Driver {
	return New(types.RunParameters{
		OCDeployerBuilderPath:   "buildfactory/puptoo",
		OCDeployerComponentPath: "puptoo",
		OCDeployerServiceSets:   "puptoo,platform",
		PytestMarker:            "puptoo_smoke",
	}, Options{
		Package:            "ocdeployer",
		BuilderTemplateDir: "buildfactory",
		SecretsSrcProject:  "secrets",
		Label:              "smoke-test=true",
	})
}

func TestInstallTooling(t *testing.T) {
	w := worker.NewFake()
	d := testDriver()

	assert.NoError(t, d.InstallTooling(context.Background(), w))
	assert.Equal(t, []string{"pip install --upgrade ocdeployer"}, w.CommandLines())
}

func TestInstallToolingCustomIndex(t *testing.T) {
	w := worker.NewFake()
	d := New(types.RunParameters{}, Options{Package: "ocdeployer", PipIndexURL: "https://pypi.internal/simple"})

	assert.NoError(t, d.InstallTooling(context.Background(), w))
	assert.Equal(t, []string{
		"pip install --upgrade ocdeployer --index-url https://pypi.internal/simple",
	}, w.CommandLines())
}

func TestWipe(t *testing.T) {
	w := worker.NewFake()
	d := testDriver()

	assert.NoError(t, d.Wipe(context.Background(), w, "puptoo-smoke-1"))
	assert.Equal(t, []string{"ocdeployer wipe --label smoke-test=true puptoo-smoke-1"}, w.CommandLines())
}

func TestWipeCleanProjectSucceeds(t *testing.T) {
	// ocdeployer wipe exits zero when nothing matches the label; the driver
	// must treat that as success
	w := worker.NewFake()
	w.Responses["wipe"] = worker.FakeResponse{Stdout: "no resources found\n"}
	d := testDriver()

	assert.NoError(t, d.Wipe(context.Background(), w, "puptoo-smoke-1"))
}

func TestWipeFailure(t *testing.T) {
	w := worker.NewFake()
	w.Responses["wipe"] = worker.FakeResponse{ExitCode: 1, Stderr: "forbidden"}
	d := testDriver()

	err := d.Wipe(context.Background(), w, "puptoo-smoke-1")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "error wiping project puptoo-smoke-1")
	}
}

func TestDeployBuilder(t *testing.T) {
	w := worker.NewFake()
	d := testDriver()

	err := d.DeployBuilder(context.Background(), w, "puptoo-smoke-1", "refs/pull/482/merge")
	assert.NoError(t, err)

	if assert.Len(t, w.Commands, 1) {
		assert.Equal(t, []string{
			"ocdeployer", "deploy", "-f",
			"--pick", "buildfactory/puptoo",
			"--template-dir", "buildfactory",
			"-e", "/tmp/smokerun/env.yml",
			"--secrets-src-project", "secrets",
			"--label", "smoke-test=true",
			"puptoo-smoke-1",
		}, w.Commands[0].Args)
	}

	var doc map[string]map[string]map[string]string
	assert.NoError(t, yaml.Unmarshal(w.Files["/tmp/smokerun/env.yml"], &doc))
	assert.Equal(t, "refs/pull/482/merge", doc["buildfactory/puptoo"]["parameters"]["SOURCE_REPOSITORY_REF"])
}

func TestDeployComponents(t *testing.T) {
	w := worker.NewFake()
	d := testDriver()

	err := d.DeployComponents(context.Background(), w, "puptoo-smoke-1")
	assert.NoError(t, err)

	if assert.Len(t, w.Commands, 1) {
		assert.Equal(t, []string{
			"ocdeployer", "deploy", "-f",
			"--sets", "puptoo,platform",
			"-e", "/tmp/smokerun/env.yml",
			"--scale-resources", "0.75",
			"--secrets-src-project", "secrets",
			"--label", "smoke-test=true",
			"puptoo-smoke-1",
		}, w.Commands[0].Args)
	}

	var doc map[string]map[string]map[string]string
	assert.NoError(t, yaml.Unmarshal(w.Files["/tmp/smokerun/env.yml"], &doc))
	assert.Equal(t, "puptoo-smoke-1", doc["puptoo"]["parameters"]["IMAGE_NAMESPACE"])
}

// The override is written to the exact path the deploy command reads. This
// used to be two hardcoded names in two places and they drifted.
func TestOverridePathMatchesDeployArgument(t *testing.T) {
	w := worker.NewFake()
	d := testDriver()

	assert.NoError(t, d.DeployBuilder(context.Background(), w, "puptoo-smoke-1", "refs/pull/482/merge"))

	var written string
	for p := range w.Files {
		written = p
	}
	assert.NotEmpty(t, written)
	assert.Contains(t, w.Commands[0].Args, written)
}

func TestDeployBuilderFailure(t *testing.T) {
	w := worker.NewFake()
	w.Responses["deploy-builder"] = worker.FakeResponse{ExitCode: 1, Stderr: "quota exceeded"}
	d := testDriver()

	err := d.DeployBuilder(context.Background(), w, "puptoo-smoke-1", "refs/pull/482/merge")
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "error deploying builder")
	}
}
