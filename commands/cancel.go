package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mxn2020/geenius-sub000/pipeline"
)

func newCancelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a running session",
		Long: `Cancel marks a session cancelled if its state still allows it: sessions
that are deploying, already committing, or finished cannot be cancelled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd.Context(), flags, args[0])
		},
	}
}

func runCancel(ctx context.Context, flags *rootFlags, id string) error {
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close()

	if _, err := pipeline.CancelSession(ctx, a.store, id); err != nil {
		return err
	}
	fmt.Printf("session %s cancelled\n", id)
	return nil
}
