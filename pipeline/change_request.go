package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mxn2020/geenius-sub000/pipeline/hosts"
	"github.com/mxn2020/geenius-sub000/resolver"
	"github.com/mxn2020/geenius-sub000/scheduler"
	"github.com/mxn2020/geenius-sub000/session"
)

// phaseValidate checks the base branch before any work starts. A missing
// branch cannot be fixed by retrying, so it fails fatally.
func (e *Engine) phaseValidate(rc *runContext) error {
	exists, err := e.source.BranchExists(rc.ctx, rc.batch.BaseBranch)
	if err != nil {
		return fmt.Errorf("check base branch: %w", err)
	}
	if !exists {
		return fatalf("branch not found: %s", rc.batch.BaseBranch)
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo,
		"validated base branch "+rc.batch.BaseBranch, nil)
	return nil
}

// phaseAnalyze resolves the dependency graph over the affected files and
// records processing order, risk tiers, and per-file work units.
func (e *Engine) phaseAnalyze(rc *runContext) error {
	grouped, order := rc.batch.changesByFile()

	files := make(map[string]string, len(order))
	for _, path := range order {
		content, err := rc.fileContent(path, rc.batch.BaseBranch)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files[path] = content
	}

	// Related files outside the batch are pulled from the base branch so
	// the resolver can see their imports too.
	fetched := make(map[string]string)
	lookup := func(path string) (string, bool) {
		if content, ok := rc.batch.Files[path]; ok {
			return content, true
		}
		if content, ok := fetched[path]; ok {
			return content, true
		}
		content, ok, err := e.source.GetFile(rc.ctx, rc.batch.BaseBranch, path)
		if err != nil || !ok {
			return "", false
		}
		fetched[path] = content
		return content, true
	}

	result, err := resolver.Resolve(rc.ctx, files, lookup, resolver.Options{
		MaxDepth:        e.cfg.Resolver.MaxDepth,
		SharedPathGlobs: e.cfg.Resolver.SharedPathGlobs,
	})
	if err != nil {
		return fmt.Errorf("resolve dependencies: %w", err)
	}
	rc.analysis = result

	for _, cycle := range result.Cycles {
		e.log(rc.ctx, rc.sessionID, session.LogWarn,
			"dependency cycle broken: "+strings.Join(cycle, " -> "), nil)
	}

	pending := session.FileUnitPending
	for _, path := range order {
		count := len(grouped[path])
		if err := e.store.UpdateFileUnit(rc.ctx, rc.sessionID, path, session.FileUnitPatch{
			Status:      &pending,
			ChangeCount: &count,
		}); err != nil {
			return err
		}
		if risk := result.Risk[path]; risk != resolver.RiskLow {
			e.log(rc.ctx, rc.sessionID, session.LogWarn,
				fmt.Sprintf("%s classified %s risk", path, risk), nil)
		}
	}

	e.log(rc.ctx, rc.sessionID, session.LogInfo,
		fmt.Sprintf("analyzed %d files (%d related)", len(order), len(result.Order)-len(order)),
		map[string]string{"order": strings.Join(result.Order, ",")})
	return nil
}

// phaseBranch creates the session's working branch. The name is computed
// once and persisted so a retried attempt reuses the same branch.
func (e *Engine) phaseBranch(rc *runContext) error {
	branch, err := rc.result(resultBranch)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = branchName(rc.batch.ProjectName, rc.sessionID)
		if err := e.store.SetResult(rc.ctx, rc.sessionID, resultBranch, branch); err != nil {
			return err
		}
	}

	err = e.source.CreateBranch(rc.ctx, branch, rc.batch.BaseBranch)
	if err != nil && !errors.Is(err, hosts.ErrAlreadyExists) {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	if errors.Is(err, hosts.ErrAlreadyExists) {
		e.log(rc.ctx, rc.sessionID, session.LogInfo, "reusing branch "+branch, nil)
	} else {
		e.log(rc.ctx, rc.sessionID, session.LogInfo, "created branch "+branch, nil)
	}
	return nil
}

// phaseImplement fans per-file transformation tasks out through the
// scheduler, respecting the resolved dependency order. The phase fails only
// when no file could be transformed; partial failures are recorded on the
// file units and the rest of the pipeline proceeds.
func (e *Engine) phaseImplement(rc *runContext) error {
	grouped, _ := rc.batch.changesByFile()
	if rc.analysis == nil {
		return errors.New("implement phase reached without analysis")
	}

	// Tasks are declared in resolved order; dependency edges are kept only
	// between files that are both part of the batch.
	taskIDs := make(map[string]string, len(grouped))
	var tasks []scheduler.Task
	for _, path := range rc.analysis.Order {
		if _, ok := grouped[path]; !ok {
			continue
		}
		var deps []string
		for _, dep := range rc.analysis.Graph[path] {
			if id, ok := taskIDs[dep]; ok {
				deps = append(deps, id)
			}
		}
		task := scheduler.NewTask(scheduler.TypeImplement, scheduler.RoleDeveloper, path, deps...)
		taskIDs[path] = task.ID
		tasks = append(tasks, task)
	}

	total := len(tasks)
	var finished int

	execute := func(ctx context.Context, task *scheduler.Task) (any, error) {
		path := task.Input.(string)
		processing := session.FileUnitProcessing
		_ = e.store.UpdateFileUnit(ctx, rc.sessionID, path, session.FileUnitPatch{Status: &processing})

		content, err := rc.fileContent(path, rc.batch.BaseBranch)
		if err != nil {
			return nil, err
		}
		transformation, err := e.transformer.Transform(ctx, path, content, grouped[path])
		if err != nil {
			return nil, err
		}
		if !transformation.Success {
			return nil, fmt.Errorf("transformation rejected: %s", transformation.Explanation)
		}
		return transformation, nil
	}

	recoverHook := func(ctx context.Context, task *scheduler.Task, err error) bool {
		e.log(ctx, rc.sessionID, session.LogWarn,
			fmt.Sprintf("transform %s attempt %d failed: %v", task.Input, task.RetryCount+1, err), nil)
		return true
	}

	results, err := scheduler.Run(rc.ctx, tasks, execute, recoverHook, scheduler.Options{
		MaxConcurrent: e.cfg.Scheduler.MaxConcurrent,
		MaxRetries:    e.cfg.Scheduler.MaxRetries,
		Logger:        e.logger,
		Observer:      e.metrics,
	})
	if err != nil && !errors.Is(err, scheduler.ErrTasksFailed) {
		return err
	}

	pathByID := make(map[string]string, len(taskIDs))
	for path, id := range taskIDs {
		pathByID[id] = path
	}

	rc.skipped = nil
	for _, res := range results {
		path := pathByID[res.TaskID]
		elapsed := res.CompletedAt.Sub(res.StartedAt).Milliseconds()
		finished++
		if res.Failed() {
			failed := session.FileUnitFailed
			msg := res.Err.Error()
			_ = e.store.UpdateFileUnit(rc.ctx, rc.sessionID, path, session.FileUnitPatch{
				Status: &failed,
				Error:  &msg,
			})
			rc.skipped = append(rc.skipped, path)
			continue
		}
		transformation := res.Output.(*hosts.Transformation)
		rc.transformed[path] = transformation.NewContent
		completed := session.FileUnitCompleted
		_ = e.store.UpdateFileUnit(rc.ctx, rc.sessionID, path, session.FileUnitPatch{
			Status:           &completed,
			ProcessingTimeMs: &elapsed,
		})
		progress := 30 + (30*finished)/total
		_ = e.store.UpdateStatus(rc.ctx, rc.sessionID, session.StatusProcessing, progress, PhaseImplement)
	}
	sort.Strings(rc.skipped)

	if len(rc.transformed) == 0 {
		return fmt.Errorf("no file transformations succeeded (%d failed)", len(rc.skipped))
	}
	if len(rc.skipped) > 0 {
		e.log(rc.ctx, rc.sessionID, session.LogWarn,
			fmt.Sprintf("%d of %d files skipped after failed transformation: %s",
				len(rc.skipped), total, strings.Join(rc.skipped, ", ")), nil)
	}
	return nil
}

// phaseCommit writes the transformed files to the working branch. Once the
// commit is underway the session can no longer be cancelled, so the marker
// is persisted before the first external write.
func (e *Engine) phaseCommit(rc *runContext) error {
	branch, err := rc.result(resultBranch)
	if err != nil {
		return err
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultCommitStarted,
		time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	message := commitMessage(rc.batch, len(rc.transformed))
	commitID, err := e.source.CommitFiles(rc.ctx, branch, rc.transformed, message)
	if err != nil {
		if errors.Is(err, hosts.ErrAlreadyExists) {
			e.log(rc.ctx, rc.sessionID, session.LogInfo, "files already committed, skipping", nil)
			return nil
		}
		return fmt.Errorf("commit files: %w", err)
	}

	commits, err := rc.result(resultCommits)
	if err != nil {
		return err
	}
	if commits != "" {
		commits += ","
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultCommits, commits+commitID); err != nil {
		return err
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo,
		fmt.Sprintf("committed %d files to %s", len(rc.transformed), branch),
		map[string]string{"commit": commitID})
	return nil
}

// phasePublish opens the session's pull request, reusing an id persisted by
// an earlier attempt.
func (e *Engine) phasePublish(rc *runContext) error {
	if existing, err := rc.result(resultPullRequest); err != nil {
		return err
	} else if existing != "" {
		e.log(rc.ctx, rc.sessionID, session.LogInfo, "reusing pull request "+existing, nil)
		return nil
	}

	branch, err := rc.result(resultBranch)
	if err != nil {
		return err
	}
	title := pullRequestTitle(rc.batch)
	body := rc.pullRequestBody()
	id, err := e.source.CreatePullRequest(rc.ctx, title, body, branch, rc.batch.BaseBranch)
	if err != nil {
		if errors.Is(err, hosts.ErrAlreadyExists) {
			e.log(rc.ctx, rc.sessionID, session.LogInfo, "pull request already open for "+branch, nil)
			return nil
		}
		return fmt.Errorf("create pull request: %w", err)
	}
	if err := e.store.SetResult(rc.ctx, rc.sessionID, resultPullRequest, id); err != nil {
		return err
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo, "opened pull request "+id, nil)
	return nil
}

// phaseDeploy polls the preview deployment for the working branch. The
// deployment is informational: a timeout or failed build degrades to a
// warning instead of failing the session.
func (e *Engine) phaseDeploy(rc *runContext) error {
	branch, err := rc.result(resultBranch)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(e.cfg.Deploy.PollTimeout)
	for {
		deployment, err := e.deploy.Deployment(rc.ctx, branch)
		if err != nil {
			e.log(rc.ctx, rc.sessionID, session.LogWarn,
				"deployment status unavailable: "+err.Error(), nil)
			return nil
		}
		switch deployment.State {
		case hosts.DeployReady:
			if err := e.store.SetResult(rc.ctx, rc.sessionID, resultDeploymentURL, deployment.URL); err != nil {
				return err
			}
			e.log(rc.ctx, rc.sessionID, session.LogInfo, "deployment ready at "+deployment.URL, nil)
			return nil
		case hosts.DeployError:
			e.log(rc.ctx, rc.sessionID, session.LogWarn, "deployment failed to build", nil)
			return nil
		}

		if time.Now().After(deadline) {
			e.log(rc.ctx, rc.sessionID, session.LogWarn,
				fmt.Sprintf("deployment not ready after %s", e.cfg.Deploy.PollTimeout), nil)
			return nil
		}
		select {
		case <-rc.ctx.Done():
			return rc.ctx.Err()
		case <-time.After(e.cfg.Deploy.PollInterval):
		}
	}
}

// phaseVerify summarizes the run: file counts and final deployment state.
func (e *Engine) phaseVerify(rc *runContext) error {
	summary := fmt.Sprintf("%d files changed", len(rc.transformed))
	if len(rc.skipped) > 0 {
		summary += fmt.Sprintf(", %d skipped", len(rc.skipped))
	}
	if url, err := rc.result(resultDeploymentURL); err != nil {
		return err
	} else if url != "" {
		summary += ", preview at " + url
	}
	e.log(rc.ctx, rc.sessionID, session.LogInfo, summary, nil)
	return nil
}

// fileContent returns the working content of a file, preferring batch-
// supplied content over the source host.
func (rc *runContext) fileContent(path, ref string) (string, error) {
	if content, ok := rc.batch.Files[path]; ok {
		return content, nil
	}
	content, ok, err := rc.engine.source.GetFile(rc.ctx, ref, path)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("file not found on %s: %s", ref, path)
	}
	return content, nil
}

// result reads a persisted result value for the session.
func (rc *runContext) result(key string) (string, error) {
	sess, ok := rc.engine.store.Get(rc.ctx, rc.sessionID)
	if !ok {
		return "", ErrNotFound
	}
	return sess.Results[key], nil
}

func commitMessage(batch Batch, fileCount int) string {
	if batch.Kind == session.KindInitialization {
		return "Scaffold " + batch.ProjectName
	}
	return fmt.Sprintf("Apply %d requested changes across %d files", len(batch.Changes), fileCount)
}

func pullRequestTitle(batch Batch) string {
	if batch.Kind == session.KindInitialization {
		return "Initialize " + batch.ProjectName
	}
	if len(batch.Changes) == 1 {
		return batch.Changes[0].Description
	}
	return fmt.Sprintf("Apply %d changes", len(batch.Changes))
}

func (rc *runContext) pullRequestBody() string {
	var b strings.Builder
	if rc.batch.Kind == session.KindInitialization {
		fmt.Fprintf(&b, "Scaffolded project %s.\n", rc.batch.ProjectName)
		return b.String()
	}
	b.WriteString("Requested changes:\n")
	for _, change := range rc.batch.Changes {
		fmt.Fprintf(&b, "- %s: %s\n", change.FilePath, change.Description)
	}
	if len(rc.skipped) > 0 {
		fmt.Fprintf(&b, "\nSkipped (transformation failed): %s\n", strings.Join(rc.skipped, ", "))
	}
	return b.String()
}
