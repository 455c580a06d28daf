package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mxn2020/geenius-sub000/resolver"
)

func newResolveCmd(flags *rootFlags) *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "resolve <file>...",
		Short: "Show the dependency order and risk for a set of files",
		Long: `Resolve runs dependency analysis standalone: it reads the named files,
follows their imports through the surrounding directory tree, and prints
the processing order, risk tier and any broken dependency cycles without
submitting a workflow.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd.Context(), flags, root, args)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "Directory import paths are resolved against")
	return cmd
}

func runResolve(ctx context.Context, flags *rootFlags, root string, paths []string) error {
	cfg, err := loadConfig(flags, nil)
	if err != nil {
		return err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	files := make(map[string]string, len(paths))
	for _, path := range paths {
		rel, err := workspaceRel(absRoot, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(filepath.Join(absRoot, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files[rel] = string(data)
	}

	lookup := func(path string) (string, bool) {
		data, err := os.ReadFile(filepath.Join(absRoot, filepath.FromSlash(path)))
		if err != nil {
			return "", false
		}
		return string(data), true
	}

	result, err := resolver.Resolve(ctx, files, lookup, resolver.Options{
		MaxDepth:        cfg.Resolver.MaxDepth,
		SharedPathGlobs: cfg.Resolver.SharedPathGlobs,
	})
	if err != nil {
		return err
	}

	for i, path := range result.Order {
		fmt.Printf("%2d. %-50s %s\n", i+1, path, result.Risk[path])
	}
	for _, cycle := range result.Cycles {
		fmt.Printf("cycle broken: %s\n", strings.Join(cycle, " -> "))
	}
	return nil
}

// workspaceRel normalizes a file argument to a slash-separated path
// relative to the resolution root, rejecting paths that escape it.
func workspaceRel(absRoot, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside %s", path, absRoot)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
