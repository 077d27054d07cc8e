package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mithem/compolvo/pkg/debug"
)

// PlaybookRunner fetches and executes the playbook for one command. The name
// is the version to install, or "uninstall".
type PlaybookRunner interface {
	Run(ctx context.Context, service, name string) error
}

// AnsibleRunner fetches playbooks from the server and runs them with
// ansible-playbook.
type AnsibleRunner struct {
	baseURL string
	workDir string
	client  *http.Client
}

// NewAnsibleRunner creates a runner fetching from the given server base URL.
// Playbook files are written to workDir for the duration of the run.
func NewAnsibleRunner(baseURL, workDir string) *AnsibleRunner {
	return &AnsibleRunner{
		baseURL: baseURL,
		workDir: workDir,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *AnsibleRunner) Run(ctx context.Context, service, name string) error {
	url := fmt.Sprintf("%s/ansible/playbooks/%s/%s.yml", r.baseURL, service, name)
	debug.Info("Fetching playbook from %s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch playbook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("playbook fetch returned %d: %s", resp.StatusCode, string(body))
	}

	path := filepath.Join(r.workDir, service+".yml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to write playbook: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write playbook: %w", err)
	}
	f.Close()
	defer os.Remove(path)

	debug.Info("Running ansible-playbook %s", path)
	cmd := exec.CommandContext(ctx, "ansible-playbook", path)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ansible-playbook failed: %w", err)
	}
	return nil
}

// MockRunner simulates playbook execution for testing without Ansible.
type MockRunner struct {
	mu    sync.Mutex
	runs  []MockRun
	fail  bool
	delay time.Duration
}

// MockRun records one simulated invocation.
type MockRun struct {
	Service string
	Name    string
}

// NewMockRunner creates a mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{}
}

// SetFail makes subsequent runs return an error.
func (m *MockRunner) SetFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

// SetDelay makes runs block for the given duration before returning.
func (m *MockRunner) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

func (m *MockRunner) Run(ctx context.Context, service, name string) error {
	m.mu.Lock()
	m.runs = append(m.runs, MockRun{Service: service, Name: name})
	fail := m.fail
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return fmt.Errorf("mock playbook failure for %s/%s", service, name)
	}
	return nil
}

// Runs returns the recorded invocations.
func (m *MockRunner) Runs() []MockRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	runs := make([]MockRun, len(m.runs))
	copy(runs, m.runs)
	return runs
}
