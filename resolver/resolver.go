// Package resolver turns a flat set of affected source files into a safe
// processing order and a per-file risk classification. It extracts static
// references (imports, requires, re-exports) with tree-sitter, builds a
// dependency graph bounded to the submitted files plus a depth-limited set
// of related files, and orders the graph with a cycle-tolerant depth-first
// topological sort.
//
// Resolve is a pure function of its inputs and holds no state, so a single
// resolver configuration may serve concurrent sessions.
package resolver

import (
	"context"
	"path"
	"sort"
	"strings"
)

// RiskLevel classifies how widely a change to a file can ripple.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// LookupFunc fetches the content of a file outside the submitted set.
// It returns false when the path does not exist. Callers are responsible
// for any caching.
type LookupFunc func(path string) (string, bool)

// Options tunes dependency analysis.
type Options struct {
	// MaxDepth bounds how many hops of related files are pulled in and
	// analyzed beyond the submitted set.
	MaxDepth int
	// SharedPathGlobs escalate a file's risk one tier when its path matches.
	SharedPathGlobs []string
}

// DefaultOptions returns the analysis defaults.
func DefaultOptions() Options {
	return Options{
		MaxDepth: 3,
		SharedPathGlobs: []string{
			"**/shared/**",
			"**/common/**",
			"**/lib/**",
			"**/utils/**",
			"**/components/ui/**",
		},
	}
}

// Result is the output of one analysis.
type Result struct {
	// Order lists every analyzed file, dependencies before dependents.
	Order []string
	// Risk classifies each analyzed file.
	Risk map[string]RiskLevel
	// Cycles lists each dependency cycle found in the raw graph. Cycles
	// never appear in Order; the back edge is simply not followed.
	Cycles [][]string
	// Graph maps each file to the files its content references.
	Graph map[string][]string
}

// candidateSuffixes are tried when a reference omits the extension.
var candidateSuffixes = []string{
	"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
	"/index.ts", "/index.tsx", "/index.js", "/index.jsx",
}

// Resolve analyzes the given files and returns their safe processing order,
// risk classification, and any dependency cycles. Malformed source never
// fails the analysis: unparseable references are skipped and the file still
// appears in the order.
func Resolve(ctx context.Context, files map[string]string, lookup LookupFunc, opts Options) (*Result, error) {
	if opts.MaxDepth < 0 {
		opts.MaxDepth = 0
	}

	// analyzed holds every file pulled into the graph, submitted or related.
	analyzed := make(map[string]*fileRefs)

	// Seed with the submitted set in deterministic order.
	frontier := make([]string, 0, len(files))
	for p := range files {
		frontier = append(frontier, canonical(p))
	}
	sort.Strings(frontier)

	inputOrder := append([]string(nil), frontier...)

	for _, p := range frontier {
		analyzed[p] = extractRefs(ctx, p, files[originalKey(files, p)])
	}

	// Pull in related files breadth-first, bounded by depth.
	current := frontier
	for depth := 0; depth < opts.MaxDepth && len(current) > 0; depth++ {
		var next []string
		for _, p := range current {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			for _, target := range resolveTargets(p, analyzed[p].specifiers, analyzed, files, lookup) {
				if _, ok := analyzed[target.path]; ok {
					continue
				}
				analyzed[target.path] = extractRefs(ctx, target.path, target.content)
				next = append(next, target.path)
			}
		}
		sort.Strings(next)
		inputOrder = append(inputOrder, next...)
		current = next
	}

	// Build edges restricted to the analyzed set, self-edges dropped.
	graph := make(map[string][]string, len(analyzed))
	for _, p := range inputOrder {
		var edges []string
		seen := make(map[string]bool)
		for _, spec := range analyzed[p].specifiers {
			target, ok := resolveSpecifier(p, spec, analyzed)
			if !ok || target == p || seen[target] {
				continue
			}
			seen[target] = true
			edges = append(edges, target)
		}
		sort.Strings(edges)
		graph[p] = edges
	}

	order, cycles := topoSort(inputOrder, graph)

	risk := classifyRisk(graph, analyzed, opts.SharedPathGlobs)

	return &Result{
		Order:  order,
		Risk:   risk,
		Cycles: cycles,
		Graph:  graph,
	}, nil
}

// relatedTarget is a file discovered through a reference.
type relatedTarget struct {
	path    string
	content string
}

// resolveTargets returns files referenced by p that are not yet analyzed but
// can be fetched through lookup.
func resolveTargets(p string, specifiers []string, analyzed map[string]*fileRefs, files map[string]string, lookup LookupFunc) []relatedTarget {
	var out []relatedTarget
	for _, spec := range specifiers {
		base, ok := canonicalSpecifier(p, spec)
		if !ok {
			continue
		}
		if _, done := resolveCandidates(base, analyzed); done {
			continue
		}
		if lookup == nil {
			continue
		}
		for _, suffix := range candidateSuffixes {
			candidate := base + suffix
			if _, ok := analyzed[candidate]; ok {
				break
			}
			if content, ok := lookup(candidate); ok {
				out = append(out, relatedTarget{path: candidate, content: content})
				break
			}
			// The submitted set may hold the file under a different spelling.
			if content, ok := files[candidate]; ok {
				out = append(out, relatedTarget{path: candidate, content: content})
				break
			}
		}
	}
	return out
}

// resolveSpecifier maps an import specifier from file p to an analyzed path.
func resolveSpecifier(p, spec string, analyzed map[string]*fileRefs) (string, bool) {
	base, ok := canonicalSpecifier(p, spec)
	if !ok {
		return "", false
	}
	return resolveCandidates(base, analyzed)
}

func resolveCandidates(base string, analyzed map[string]*fileRefs) (string, bool) {
	for _, suffix := range candidateSuffixes {
		if _, ok := analyzed[base+suffix]; ok {
			return base + suffix, true
		}
	}
	return "", false
}

// canonicalSpecifier collapses a relative specifier against the importing
// file's directory. Bare (package) specifiers are external and ignored.
func canonicalSpecifier(from, spec string) (string, bool) {
	if spec == "" {
		return "", false
	}
	if strings.HasPrefix(spec, ".") {
		return canonical(path.Join(path.Dir(from), spec)), true
	}
	// Root-relative aliases ("/src/x", "@/x") resolve from the repo root.
	if strings.HasPrefix(spec, "/") {
		return canonical(spec), true
	}
	if strings.HasPrefix(spec, "@/") {
		return canonical("src/" + strings.TrimPrefix(spec, "@/")), true
	}
	return "", false
}

// Canonical normalizes a submitted path the way analysis results are keyed.
// Callers that index into Result maps with their own paths must normalize
// them the same way.
func Canonical(p string) string {
	return canonical(p)
}

// canonical normalizes a path to forward slashes with no leading "./" or "/".
func canonical(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	return p
}

// originalKey finds the submitted-map key matching a canonical path.
func originalKey(files map[string]string, canon string) string {
	if _, ok := files[canon]; ok {
		return canon
	}
	for k := range files {
		if canonical(k) == canon {
			return k
		}
	}
	return canon
}
