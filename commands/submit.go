package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mxn2020/geenius-sub000/metrics"
	"github.com/mxn2020/geenius-sub000/pipeline"
	"github.com/mxn2020/geenius-sub000/pipeline/hosts"
)

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var (
		workspace string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "submit <batch.yaml>",
		Short: "Submit a batch of change requests",
		Long: `Submit reads a batch file and runs its workflow. The batch file is YAML:

    kind: change-request
    base_branch: main
    changes:
      - file_path: src/App.tsx
        description: add a dark mode toggle to the header

For kind initialization, project_name replaces changes. With --wait (the
default) the command follows the session until it reaches a terminal state
and prints the final summary as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), flags, args[0], workspace, wait)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", ".", "Workspace directory the batch applies to")
	cmd.Flags().BoolVar(&wait, "wait", true, "Follow the session until it finishes")
	return cmd
}

func runSubmit(ctx context.Context, flags *rootFlags, batchPath, workspace string, wait bool) error {
	data, err := os.ReadFile(batchPath)
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}
	var batch pipeline.Batch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}

	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	source, err := hosts.NewLocalSourceHost(workspace, batch.BaseBranch)
	if err != nil {
		return err
	}

	var transformer hosts.Transformer = &hosts.CommandTransformer{
		Command: a.cfg.Transformer.Command,
		Timeout: a.cfg.Transformer.Timeout,
	}
	if len(a.cfg.Transformer.Command) == 0 {
		a.logger.Warn("No transformer command configured, changes will be annotated only")
		transformer = hosts.AnnotateTransformer{}
	}

	engine, err := pipeline.New(pipeline.Deps{
		Store:       a.store,
		Transformer: transformer,
		Source:      source,
		Deploy:      &hosts.StaticDeployHost{URLTemplate: a.cfg.Deploy.URLTemplate},
		Config:      a.cfg,
		Logger:      a.logger,
		Metrics:     metrics.New(prometheus.NewRegistry()),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	id, err := engine.Submit(ctx, batch)
	if err != nil {
		return err
	}
	fmt.Println(id)

	if !wait {
		return nil
	}

	// SIGINT requests cancellation; a second signal kills the process.
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastStep := ""
	interrupted := sigCtx.Done()
	for {
		select {
		case <-interrupted:
			// Only act on the first signal; a nil channel never fires.
			interrupted = nil
			stop()
			a.logger.Info("Cancelling session", "session_id", id)
			if err := engine.Cancel(context.Background(), id); err != nil {
				a.logger.Warn("Cancel rejected, waiting for session to finish", "error", err)
			}
		case <-ticker.C:
		}

		summary, err := engine.Status(ctx, id)
		if err != nil {
			return err
		}
		if summary.CurrentStep != lastStep {
			lastStep = summary.CurrentStep
			a.logger.Info("Session progress",
				"step", summary.CurrentStep,
				"status", string(summary.Status),
				"progress", summary.Progress)
		}
		if summary.Status.Terminal() {
			out, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
	}
}
