// Package hosts defines the capability contracts for the external
// collaborators the workflow pipeline drives: the code transformer, the
// source-control host, the deployment host, and the provisioning host.
// The pipeline receives implementations by constructor injection and never
// looks them up from ambient state.
//
// In-memory fakes suitable for tests and dry runs live in fake.go.
package hosts

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned by source-control operations when the target
// resource already exists. Pipelines treat it as success so a retried run
// never duplicates branches, commits, or pull requests.
var ErrAlreadyExists = errors.New("already exists")

// Transformation is the outcome of one code transformation call.
type Transformation struct {
	Success     bool
	NewContent  string
	Explanation string
}

// Transformer applies natural-language change requests to one file. Calls
// are independent per file; errors are treated as task failures by the
// scheduler.
type Transformer interface {
	Transform(ctx context.Context, filePath, currentContent string, requestedChanges []string) (*Transformation, error)
}

// SourceHost is the source-control collaborator (branches, commits, pull
// requests). Operations that create resources must report an existing
// target as ErrAlreadyExists, a distinguishable non-fatal condition.
type SourceHost interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	CreateBranch(ctx context.Context, name, base string) error
	// CommitFiles writes the given path→content set to branch in one commit
	// and returns the commit id.
	CommitFiles(ctx context.Context, branch string, files map[string]string, message string) (string, error)
	CreatePullRequest(ctx context.Context, title, body, head, base string) (string, error)
	MergePullRequest(ctx context.Context, id string) error
	// GetFile reads a file at ref. The second return is false when the
	// path does not exist.
	GetFile(ctx context.Context, ref, path string) (string, bool, error)
}

// DeploymentState is the observed state of a deployment.
type DeploymentState string

const (
	DeployBuilding DeploymentState = "building"
	DeployReady    DeploymentState = "ready"
	DeployError    DeploymentState = "error"
)

// Deployment reports one deployment observation.
type Deployment struct {
	State DeploymentState
	URL   string
}

// DeployHost observes the deployment triggered by pushing a ref. The
// pipeline polls it on an interval with a hard timeout.
type DeployHost interface {
	Deployment(ctx context.Context, ref string) (*Deployment, error)
}

// ProvisionInfo describes a provisioned resource.
type ProvisionInfo struct {
	Name           string
	ConnectionInfo string
}

// Provisioner creates a managed backing resource (e.g. a database). It is
// invoked at most once per session and is best-effort: failure degrades the
// workflow, it does not abort it.
type Provisioner interface {
	Provision(ctx context.Context, name string) (*ProvisionInfo, error)
}
