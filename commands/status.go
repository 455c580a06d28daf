package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxn2020/geenius-sub000/pipeline"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var showLogs bool

	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Show session status",
		Long: `Status prints the summary for one session as JSON, or lists every
live session when no id is given. Requires the NATS session bucket the
sessions were submitted against.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			return runStatus(cmd.Context(), flags, id, showLogs)
		},
	}

	cmd.Flags().BoolVar(&showLogs, "logs", false, "Include the full audit log")
	return cmd
}

func runStatus(ctx context.Context, flags *rootFlags, id string, showLogs bool) error {
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if id == "" {
		sessions := a.store.List(ctx)
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, sess := range sessions {
			fmt.Printf("%s  %-14s  %3d%%  %s\n", sess.ID, sess.Status, sess.Progress, sess.Kind)
		}
		return nil
	}

	summary, ok := a.store.Summary(ctx, id)
	if !ok {
		return pipeline.ErrNotFound
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if showLogs {
		for _, entry := range a.store.AuditLog(ctx, id) {
			fmt.Printf("%s [%s] %s\n",
				entry.Timestamp.Format("15:04:05.000"), entry.Level, entry.Message)
		}
	}
	return nil
}
