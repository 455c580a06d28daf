package hosts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalSourceHost adapts a plain directory to the SourceHost interface.
// The workspace directory itself is the base branch; working branches are
// file-tree copies under <workspace>/.geenius/branches/. It exists so the
// engine can run end to end without a remote source provider.
type LocalSourceHost struct {
	workspace string
	base      string
}

// NewLocalSourceHost creates a host rooted at workspace, whose current
// content acts as the base branch.
func NewLocalSourceHost(workspace, baseBranch string) (*LocalSourceHost, error) {
	info, err := os.Stat(workspace)
	if err != nil {
		return nil, fmt.Errorf("repository not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a valid repository: %s", workspace)
	}
	return &LocalSourceHost{workspace: workspace, base: baseBranch}, nil
}

func (l *LocalSourceHost) stateDir() string {
	return filepath.Join(l.workspace, ".geenius")
}

func (l *LocalSourceHost) branchDir(branch string) string {
	safe := strings.ReplaceAll(branch, "/", "__")
	return filepath.Join(l.stateDir(), "branches", safe)
}

// BranchExists implements SourceHost.
func (l *LocalSourceHost) BranchExists(ctx context.Context, branch string) (bool, error) {
	if branch == l.base {
		return true, nil
	}
	info, err := os.Stat(l.branchDir(branch))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// CreateBranch implements SourceHost. Branches start empty and overlay the
// base: reads fall through to the workspace for files never committed to
// the branch.
func (l *LocalSourceHost) CreateBranch(ctx context.Context, name, base string) error {
	if base != l.base {
		if ok, err := l.BranchExists(ctx, base); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("branch not found: %s", base)
		}
	}
	dir := l.branchDir(name)
	if _, err := os.Stat(dir); err == nil {
		return ErrAlreadyExists
	}
	return os.MkdirAll(dir, 0o755)
}

// CommitFiles implements SourceHost.
func (l *LocalSourceHost) CommitFiles(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	dir := l.branchDir(branch)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("branch not found: %s", branch)
	}
	for path, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("commit %s: %w", path, err)
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("commit %s: %w", path, err)
		}
	}

	id := fmt.Sprintf("local-%d", time.Now().UnixNano())
	record := fmt.Sprintf("%s %s %q %d files\n", id, branch, message, len(files))
	logPath := filepath.Join(l.stateDir(), "commits.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("record commit: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(record); err != nil {
		return "", fmt.Errorf("record commit: %w", err)
	}
	return id, nil
}

type localPullRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

// CreatePullRequest implements SourceHost. Pull requests are JSON
// descriptors under the state directory; one per head/base route.
func (l *LocalSourceHost) CreatePullRequest(ctx context.Context, title, body, head, base string) (string, error) {
	prDir := filepath.Join(l.stateDir(), "prs")
	if err := os.MkdirAll(prDir, 0o755); err != nil {
		return "", err
	}

	safe := strings.ReplaceAll(head+"--"+base, "/", "__")
	path := filepath.Join(prDir, safe+".json")
	if _, err := os.Stat(path); err == nil {
		return "", ErrAlreadyExists
	}

	pr := localPullRequest{
		ID:    safe,
		Title: title,
		Body:  body,
		Head:  head,
		Base:  base,
	}
	data, err := json.MarshalIndent(pr, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write pull request: %w", err)
	}
	return pr.ID, nil
}

// MergePullRequest implements SourceHost: the head branch's committed files
// are copied back into the workspace.
func (l *LocalSourceHost) MergePullRequest(ctx context.Context, id string) error {
	path := filepath.Join(l.stateDir(), "prs", id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pull request not found: %s", id)
	}
	var pr localPullRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		return fmt.Errorf("read pull request %s: %w", id, err)
	}

	dir := l.branchDir(pr.Head)
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		target := filepath.Join(l.workspace, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}

// GetFile implements SourceHost. Branch reads overlay the workspace.
func (l *LocalSourceHost) GetFile(ctx context.Context, ref, path string) (string, bool, error) {
	if ref != l.base {
		if ok, err := l.BranchExists(ctx, ref); err != nil {
			return "", false, err
		} else if !ok {
			return "", false, fmt.Errorf("branch not found: %s", ref)
		}
		data, err := os.ReadFile(filepath.Join(l.branchDir(ref), filepath.FromSlash(path)))
		if err == nil {
			return string(data), true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", false, err
		}
	}

	data, err := os.ReadFile(filepath.Join(l.workspace, filepath.FromSlash(path)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// transformRequest is the JSON written to a transformer command's stdin.
type transformRequest struct {
	FilePath string   `json:"file_path"`
	Content  string   `json:"content"`
	Changes  []string `json:"changes"`
}

// transformResponse is the JSON expected on the command's stdout.
type transformResponse struct {
	Success     bool   `json:"success"`
	NewContent  string `json:"new_content"`
	Explanation string `json:"explanation,omitempty"`
}

// CommandTransformer produces transformations by invoking an external
// command per file, typically a wrapper around an LLM CLI. The request is
// written to stdin as JSON and the result read from stdout.
type CommandTransformer struct {
	Command []string
	Timeout time.Duration
}

// Transform implements Transformer.
func (c *CommandTransformer) Transform(ctx context.Context, filePath, currentContent string, requestedChanges []string) (*Transformation, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("transformer command not configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(transformRequest{
		FilePath: filePath,
		Content:  currentContent,
		Changes:  requestedChanges,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("transformer command: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("transformer command: %w", err)
	}

	var resp transformResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse transformer output: %w", err)
	}
	return &Transformation{
		Success:     resp.Success,
		NewContent:  resp.NewContent,
		Explanation: resp.Explanation,
	}, nil
}

// AnnotateTransformer records requested changes as comments appended to the
// file instead of applying them. It is the dry-run fallback when no
// transformer command is configured.
type AnnotateTransformer struct{}

// Transform implements Transformer.
func (AnnotateTransformer) Transform(ctx context.Context, filePath, currentContent string, requestedChanges []string) (*Transformation, error) {
	var b strings.Builder
	b.WriteString(currentContent)
	for _, change := range requestedChanges {
		b.WriteString("\n// TODO(geenius): " + change)
	}
	return &Transformation{
		Success:     true,
		NewContent:  b.String(),
		Explanation: fmt.Sprintf("annotated %s with %d requested change(s)", filePath, len(requestedChanges)),
	}, nil
}

// StaticDeployHost reports deployments as immediately ready with a URL
// built from the branch name. Used when no deployment provider is wired.
type StaticDeployHost struct {
	// URLTemplate must contain one %s verb for the ref.
	URLTemplate string
}

// Deployment implements DeployHost.
func (s *StaticDeployHost) Deployment(ctx context.Context, ref string) (*Deployment, error) {
	safe := strings.ReplaceAll(ref, "/", "-")
	return &Deployment{
		State: DeployReady,
		URL:   fmt.Sprintf(s.URLTemplate, safe),
	}, nil
}
