package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mxn2020/geenius-sub000/pipeline/hosts"
	"github.com/mxn2020/geenius-sub000/session"
)

// phaseProvision creates the project's backing database. Provisioning is
// at most once per session and best-effort: a provisioning failure is
// logged, not fatal, and never retried once any attempt has been made.
func (e *Engine) phaseProvision(rc *runContext) error {
	if e.provision == nil {
		e.log(rc.ctx, rc.sessionID, session.LogInfo, "no provisioner configured, skipping", nil)
		return nil
	}
	if existing, err := rc.result(resultDatabase); err != nil {
		return err
	} else if existing != "" {
		e.log(rc.ctx, rc.sessionID, session.LogInfo, "database already provisioned", nil)
		return nil
	}

	info, err := e.provision.Provision(rc.ctx, slugify(rc.batch.ProjectName))
	if err != nil {
		e.log(rc.ctx, rc.sessionID, session.LogWarn,
			"database provisioning failed: "+err.Error(), nil)
		// Record the attempt so a retried run does not provision twice.
		return e.store.SetResult(rc.ctx, rc.sessionID, resultDatabase, "failed")
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultDatabase, info.ConnectionInfo); err != nil {
		return err
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo, "provisioned database "+info.Name, nil)
	return nil
}

// phaseCommitScaffold writes the initial project skeleton to the working
// branch. Like phaseCommit, cancellation is rejected once this starts.
func (e *Engine) phaseCommitScaffold(rc *runContext) error {
	branch, err := rc.result(resultBranch)
	if err != nil {
		return err
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultCommitStarted,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	files := scaffoldFiles(rc.batch.ProjectName)
	for path, content := range files {
		rc.transformed[path] = content
	}

	commitID, err := e.source.CommitFiles(rc.ctx, branch, files, commitMessage(rc.batch, len(files)))
	if err != nil {
		if errors.Is(err, hosts.ErrAlreadyExists) {
			e.log(rc.ctx, rc.sessionID, session.LogInfo, "scaffold already committed, skipping", nil)
			return nil
		}
		return fmt.Errorf("commit scaffold: %w", err)
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultCommits, commitID); err != nil {
		return err
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo,
		fmt.Sprintf("committed %d scaffold files to %s", len(files), branch), nil)
	return nil
}

// scaffoldFiles builds the initial file set for a new project.
func scaffoldFiles(projectName string) map[string]string {
	slug := slugify(projectName)
	var readme strings.Builder
	fmt.Fprintf(&readme, "# %s\n\nGenerated by geenius.\n", projectName)

	return map[string]string{
		"README.md":    readme.String(),
		"package.json": fmt.Sprintf("{\n  \"name\": %q,\n  \"version\": \"0.1.0\",\n  \"private\": true\n}\n", slug),
		"src/index.ts": "export {};\n",
	}
}
