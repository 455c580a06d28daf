package hosts

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// FakeTransformer applies change requests by annotating the file content.
// Fail lists paths whose transformation should error; FailOnce lists paths
// that fail exactly once and then succeed, for retry tests.
type FakeTransformer struct {
	mu       sync.Mutex
	Fail     map[string]error
	FailOnce map[string]error
	Calls    []string
	failed   map[string]bool
}

// Transform implements Transformer.
func (f *FakeTransformer) Transform(ctx context.Context, filePath, currentContent string, requestedChanges []string) (*Transformation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, filePath)

	if err, ok := f.Fail[filePath]; ok {
		return nil, err
	}
	if err, ok := f.FailOnce[filePath]; ok {
		if f.failed == nil {
			f.failed = make(map[string]bool)
		}
		if !f.failed[filePath] {
			f.failed[filePath] = true
			return nil, err
		}
	}

	return &Transformation{
		Success:     true,
		NewContent:  currentContent + "\n// applied: " + strings.Join(requestedChanges, "; "),
		Explanation: fmt.Sprintf("applied %d change(s) to %s", len(requestedChanges), filePath),
	}, nil
}

// FakeSourceHost is an in-memory source-control host. Branches maps branch
// name to its file tree.
type FakeSourceHost struct {
	mu       sync.Mutex
	Branches map[string]map[string]string
	Commits  []string
	PRs      map[string]string // id → "head→base"
	Merged   []string
	// Err, when set, is returned by every operation (outage simulation).
	Err error

	prSeq int
}

// NewFakeSourceHost creates a host with one base branch holding files.
func NewFakeSourceHost(base string, files map[string]string) *FakeSourceHost {
	tree := make(map[string]string, len(files))
	for k, v := range files {
		tree[k] = v
	}
	return &FakeSourceHost{
		Branches: map[string]map[string]string{base: tree},
		PRs:      make(map[string]string),
	}
}

// BranchExists implements SourceHost.
func (f *FakeSourceHost) BranchExists(ctx context.Context, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	_, ok := f.Branches[branch]
	return ok, nil
}

// CreateBranch implements SourceHost.
func (f *FakeSourceHost) CreateBranch(ctx context.Context, name, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.Branches[name]; ok {
		return ErrAlreadyExists
	}
	baseTree, ok := f.Branches[base]
	if !ok {
		return fmt.Errorf("branch not found: %s", base)
	}
	tree := make(map[string]string, len(baseTree))
	for k, v := range baseTree {
		tree[k] = v
	}
	f.Branches[name] = tree
	return nil
}

// CommitFiles implements SourceHost.
func (f *FakeSourceHost) CommitFiles(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	tree, ok := f.Branches[branch]
	if !ok {
		return "", fmt.Errorf("branch not found: %s", branch)
	}
	for k, v := range files {
		tree[k] = v
	}
	id := fmt.Sprintf("commit-%d", len(f.Commits)+1)
	f.Commits = append(f.Commits, id)
	return id, nil
}

// CreatePullRequest implements SourceHost.
func (f *FakeSourceHost) CreatePullRequest(ctx context.Context, title, body, head, base string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	route := head + "→" + base
	for id, existing := range f.PRs {
		if existing == route {
			return id, ErrAlreadyExists
		}
	}
	f.prSeq++
	id := fmt.Sprintf("pr-%d", f.prSeq)
	f.PRs[id] = route
	return id, nil
}

// MergePullRequest implements SourceHost.
func (f *FakeSourceHost) MergePullRequest(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	if _, ok := f.PRs[id]; !ok {
		return fmt.Errorf("pull request not found: %s", id)
	}
	f.Merged = append(f.Merged, id)
	return nil
}

// GetFile implements SourceHost.
func (f *FakeSourceHost) GetFile(ctx context.Context, ref, path string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", false, f.Err
	}
	tree, ok := f.Branches[ref]
	if !ok {
		return "", false, fmt.Errorf("branch not found: %s", ref)
	}
	content, ok := tree[path]
	return content, ok, nil
}

// FakeDeployHost walks through a scripted sequence of deployment states,
// repeating the last one once exhausted.
type FakeDeployHost struct {
	mu     sync.Mutex
	States []Deployment
	Err    error
	calls  int
}

// Deployment implements DeployHost.
func (f *FakeDeployHost) Deployment(ctx context.Context, ref string) (*Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.States) == 0 {
		return &Deployment{State: DeployReady, URL: "https://" + ref + ".example.app"}, nil
	}
	i := f.calls
	if i >= len(f.States) {
		i = len(f.States) - 1
	}
	f.calls++
	state := f.States[i]
	return &state, nil
}

// FakeProvisioner records provisioning calls.
type FakeProvisioner struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

// Provision implements Provisioner.
func (f *FakeProvisioner) Provision(ctx context.Context, name string) (*ProvisionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, name)
	if f.Err != nil {
		return nil, f.Err
	}
	return &ProvisionInfo{
		Name:           name,
		ConnectionInfo: "postgres://geenius@db.example/" + name,
	}, nil
}
