// Package artifacts is the local store for everything a run produces: test
// output, structured reports, collected cluster logs, and the final run
// record.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tumido/insights-smokerun/pkg/types"
)

const runRecordFile = "run.json"

type Store struct {
	dir string
}

// NewStore roots a store at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("error creating artifact directory %s: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute location for a named artifact without creating
// anything.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Save writes data under the store and returns its absolute path.
func (s *Store) Save(name string, data []byte) (string, error) {
	target := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("error creating directory for artifact %s: %w", name, err)
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return "", fmt.Errorf("error writing artifact %s: %w", name, err)
	}
	logrus.Debugf("[artifacts] stored %s (%d bytes)", target, len(data))
	return target, nil
}

// SaveResult serializes the run record next to the artifacts it references.
func (s *Store) SaveResult(result *types.RunResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error serializing run record: %w", err)
	}
	return s.Save(runRecordFile, data)
}
