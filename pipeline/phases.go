// Package pipeline drives a workflow session through its ordered phases,
// persisting progress in the session store and wrapping each run in bounded
// retry with exponential backoff. A single session's run is a sequential
// state machine; parallelism exists only inside the implement phase, where
// the task scheduler fans transformation work out across workers.
package pipeline

import "github.com/mxn2020/geenius-sub000/session"

// Phase names. Not every workflow kind visits every phase.
const (
	// PhaseValidate checks that the batch's repository and base branch
	// exist before any work starts. Failures here are fatal.
	PhaseValidate = "validate"

	// PhaseAnalyze runs dependency resolution over the affected files and
	// records the processing order and risk tiers.
	PhaseAnalyze = "analyze"

	// PhaseBranch creates (or reuses) the session's working branch.
	PhaseBranch = "branch"

	// PhaseProvision creates the session's backing database. Best-effort.
	PhaseProvision = "provision"

	// PhaseImplement fans transformation tasks out through the scheduler.
	PhaseImplement = "implement"

	// PhaseCommit writes the transformed files to the working branch.
	// Cancellation is rejected from this phase on.
	PhaseCommit = "commit"

	// PhasePublish opens the pull request for the working branch.
	PhasePublish = "publish"

	// PhaseDeploy observes the preview deployment until ready or timeout.
	PhaseDeploy = "deploy"

	// PhaseVerify re-checks the deployment and summarizes file outcomes.
	PhaseVerify = "verify"
)

// phase binds a phase name to its session status, the progress level
// reached when the phase starts, and its implementation.
type phase struct {
	name     string
	status   session.Status
	progress int
	fn       func(*runContext) error
}

// phasesFor returns the ordered phase sequence for a workflow kind.
func (e *Engine) phasesFor(kind session.Kind) []phase {
	switch kind {
	case session.KindInitialization:
		return []phase{
			{PhaseValidate, session.StatusValidating, 10, e.phaseValidate},
			{PhaseBranch, session.StatusProcessing, 25, e.phaseBranch},
			{PhaseProvision, session.StatusProcessing, 40, e.phaseProvision},
			{PhaseCommit, session.StatusProcessing, 55, e.phaseCommitScaffold},
			{PhasePublish, session.StatusPublishing, 70, e.phasePublish},
			{PhaseDeploy, session.StatusDeploying, 85, e.phaseDeploy},
		}
	default: // session.KindChangeRequest
		return []phase{
			{PhaseValidate, session.StatusValidating, 5, e.phaseValidate},
			{PhaseAnalyze, session.StatusAnalyzing, 15, e.phaseAnalyze},
			{PhaseBranch, session.StatusProcessing, 25, e.phaseBranch},
			{PhaseImplement, session.StatusProcessing, 30, e.phaseImplement},
			{PhaseCommit, session.StatusProcessing, 65, e.phaseCommit},
			{PhasePublish, session.StatusPublishing, 75, e.phasePublish},
			{PhaseDeploy, session.StatusDeploying, 85, e.phaseDeploy},
			{PhaseVerify, session.StatusTesting, 95, e.phaseVerify},
		}
	}
}

// Result keys persisted on the session. Generated identifiers are computed
// once and stored here so a retried run reuses them instead of creating
// duplicate resources.
const (
	resultBranch        = "branch"
	resultPullRequest   = "pull_request"
	resultDeploymentURL = "deployment_url"
	resultCommits       = "commits"
	resultDatabase      = "database"
	resultCommitStarted = "commit_started"
)
