package resolver

import (
	"context"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// fileRefs holds the static references extracted from one file.
type fileRefs struct {
	// specifiers are raw import/require/re-export targets in source order.
	specifiers []string
	// exports counts symbols the file exports.
	exports int
}

// extractRefs parses a file's content and collects its references and export
// count. Extraction is best-effort: parse failures yield an empty reference
// set, never an error.
func extractRefs(ctx context.Context, filePath, content string) *fileRefs {
	lang := languageFor(filePath)
	if lang == nil {
		return extractRefsFallback(content)
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil || tree == nil {
		return extractRefsFallback(content)
	}
	defer tree.Close()

	refs := &fileRefs{}
	source := []byte(content)
	seen := make(map[string]bool)

	cursor := sitter.NewTreeCursor(tree.RootNode())
	defer cursor.Close()
	walkRefs(cursor, source, refs, seen)

	return refs
}

// languageFor returns the tree-sitter grammar for a file, or nil when the
// extension is not a JS/TS dialect.
func languageFor(filePath string) *sitter.Language {
	ext := strings.ToLower(filePath)
	switch {
	case strings.HasSuffix(ext, ".tsx"):
		return tsx.GetLanguage()
	case strings.HasSuffix(ext, ".ts"), strings.HasSuffix(ext, ".mts"), strings.HasSuffix(ext, ".cts"):
		return typescript.GetLanguage()
	case strings.HasSuffix(ext, ".js"), strings.HasSuffix(ext, ".jsx"),
		strings.HasSuffix(ext, ".mjs"), strings.HasSuffix(ext, ".cjs"):
		return javascript.GetLanguage()
	}
	return nil
}

// walkRefs walks the AST collecting import statements, require() calls,
// re-exports, and export counts.
func walkRefs(cursor *sitter.TreeCursor, source []byte, refs *fileRefs, seen map[string]bool) {
	node := cursor.CurrentNode()

	switch node.Type() {
	case "import_statement":
		if sourceNode := node.ChildByFieldName("source"); sourceNode != nil {
			addSpecifier(refs, seen, nodeText(sourceNode, source))
		}

	case "export_statement":
		refs.exports += countExported(node, source)
		// export ... from "x" re-exports are dependency edges too.
		if sourceNode := node.ChildByFieldName("source"); sourceNode != nil {
			addSpecifier(refs, seen, nodeText(sourceNode, source))
		}

	case "call_expression":
		functionNode := node.ChildByFieldName("function")
		if functionNode != nil && nodeText(functionNode, source) == "require" {
			argsNode := node.ChildByFieldName("arguments")
			if argsNode != nil {
				for i := 0; i < int(argsNode.ChildCount()); i++ {
					child := argsNode.Child(i)
					if child.Type() == "string" {
						addSpecifier(refs, seen, nodeText(child, source))
					}
				}
			}
		}
	}

	if cursor.GoToFirstChild() {
		for {
			walkRefs(cursor, source, refs, seen)
			if !cursor.GoToNextSibling() {
				break
			}
		}
		cursor.GoToParent()
	}
}

// countExported counts how many symbols one export statement exposes.
func countExported(node *sitter.Node, source []byte) int {
	if decl := node.ChildByFieldName("declaration"); decl != nil {
		switch decl.Type() {
		case "lexical_declaration", "variable_declaration":
			count := 0
			for i := 0; i < int(decl.ChildCount()); i++ {
				if decl.Child(i).Type() == "variable_declarator" {
					count++
				}
			}
			if count > 0 {
				return count
			}
			return 1
		default:
			return 1
		}
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "export_clause" {
			count := 0
			for j := 0; j < int(child.ChildCount()); j++ {
				if child.Child(j).Type() == "export_specifier" {
					count++
				}
			}
			return count
		}
	}
	// export default expr, export * from "x"
	return 1
}

func addSpecifier(refs *fileRefs, seen map[string]bool, raw string) {
	spec := strings.Trim(raw, `'"`)
	if spec == "" || seen[spec] {
		return
	}
	seen[spec] = true
	refs.specifiers = append(refs.specifiers, spec)
}

func nodeText(node *sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}

var (
	fallbackImportRe  = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w${},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	fallbackRequireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	fallbackExportRe  = regexp.MustCompile(`(?m)^\s*export\s+`)
)

// extractRefsFallback scans content with regular expressions for files whose
// extension has no grammar. Best-effort only.
func extractRefsFallback(content string) *fileRefs {
	refs := &fileRefs{}
	seen := make(map[string]bool)
	for _, m := range fallbackImportRe.FindAllStringSubmatch(content, -1) {
		addSpecifier(refs, seen, m[1])
	}
	for _, m := range fallbackRequireRe.FindAllStringSubmatch(content, -1) {
		addSpecifier(refs, seen, m[1])
	}
	refs.exports = len(fallbackExportRe.FindAllString(content, -1))
	return refs
}
