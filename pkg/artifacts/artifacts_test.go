package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tumido/insights-smokerun/pkg/types"
)

func TestStoreSave(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "artifacts"))
	assert.NoError(t, err)

	p, err := store.Save("pytest-stdout.log", []byte("1 passed\n"))
	assert.NoError(t, err)
	assert.Equal(t, store.Path("pytest-stdout.log"), p)

	data, err := os.ReadFile(p)
	assert.NoError(t, err)
	assert.Equal(t, "1 passed\n", string(data))
}

func TestStoreSaveNested(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.NoError(t, err)

	p, err := store.Save(filepath.Join("cluster-logs", "puptoo.log"), []byte("crash"))
	assert.NoError(t, err)

	data, err := os.ReadFile(p)
	assert.NoError(t, err)
	assert.Equal(t, "crash", string(data))
}

func TestStoreSaveResult(t *testing.T) {
	store, err := NewStore(t.TempDir())
	assert.NoError(t, err)

	result := types.NewRunResult("f7b8e8bc")
	result.Project = "puptoo-smoke-1"
	result.AddArtifact("junit.xml", store.Path("junit.xml"))
	assert.NoError(t, result.Finalize())

	p, err := store.SaveResult(result)
	assert.NoError(t, err)

	data, err := os.ReadFile(p)
	assert.NoError(t, err)

	var restored types.RunResult
	assert.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, "f7b8e8bc", restored.ID)
	assert.Equal(t, types.StatusSuccess, restored.Status)
	assert.Equal(t, "puptoo-smoke-1", restored.Project)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/xml", contentType("junit.xml"))
	assert.Equal(t, "application/json", contentType("run.json"))
	assert.Equal(t, "text/plain", contentType("iqe.log"))
	assert.Equal(t, "application/octet-stream", contentType("core.dump"))
}
