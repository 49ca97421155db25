package worker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// FakeResponse is the canned outcome a Fake returns for a command name.
type FakeResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// Fake is an in-memory Worker for tests. Exec calls are matched to canned
// responses by Command.Name and everything the caller did is recorded for
// assertions.
type Fake struct {
	mu sync.Mutex

	Dir       string
	Responses map[string]FakeResponse
	Commands  []Command
	Files     map[string][]byte
	WriteErr  error
	CloseErr  error
	Closed    bool
}

func NewFake() *Fake {
	return &Fake{
		Dir:       "/tmp/smokerun",
		Responses: map[string]FakeResponse{},
		Files:     map[string][]byte{},
	}
}

func (f *Fake) Exec(_ context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)

	resp, ok := f.Responses[cmd.Name]
	if !ok {
		return &Result{}, nil
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	result := &Result{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr), ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		return result, &ExitError{Cmd: cmd.Name, Code: resp.ExitCode}
	}
	return result, nil
}

func (f *Fake) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.Files[path] = append([]byte(nil), data...)
	return nil
}

func (f *Fake) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[path]
	if !ok {
		return nil, fmt.Errorf("file %s not found", path)
	}
	return data, nil
}

func (f *Fake) Workdir() string {
	return f.Dir
}

func (f *Fake) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return f.CloseErr
}

// CommandLines renders every recorded Exec as a single space-joined line, in
// call order.
func (f *Fake) CommandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.Commands))
	for _, cmd := range f.Commands {
		lines = append(lines, strings.Join(cmd.Args, " "))
	}
	return lines
}

// FakeProvider hands out a fixed worker and records the projects it was
// asked to bind.
type FakeProvider struct {
	Worker   *Fake
	Err      error
	Projects []string
}

func (p *FakeProvider) Acquire(_ context.Context, project string) (Worker, error) {
	p.Projects = append(p.Projects, project)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.Worker, nil
}
