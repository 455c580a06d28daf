package pipeline

import (
	"strings"

	"github.com/mxn2020/geenius-sub000/resolver"
	"github.com/mxn2020/geenius-sub000/session"
)

// ChangeRequest is one natural-language change tied to a source file.
type ChangeRequest struct {
	FilePath    string `json:"file_path" yaml:"file_path"`
	Description string `json:"description" yaml:"description"`
}

// Batch is one workflow submission.
type Batch struct {
	Kind        session.Kind    `json:"kind" yaml:"kind"`
	ProjectName string          `json:"project_name" yaml:"project_name"`
	BaseBranch  string          `json:"base_branch" yaml:"base_branch"`
	Changes     []ChangeRequest `json:"changes" yaml:"changes"`
	// Files holds the current content of the affected files, keyed by
	// path. Files referenced but not present here are fetched from the
	// source host during analysis.
	Files map[string]string `json:"files" yaml:"files"`
}

// Validate checks that the batch is well formed for its kind.
func (b *Batch) Validate() error {
	if b.Kind == "" {
		return &session.ValidationError{Field: "kind", Message: "kind is required"}
	}
	if b.Kind != session.KindChangeRequest && b.Kind != session.KindInitialization {
		return &session.ValidationError{Field: "kind", Message: "unknown workflow kind: " + string(b.Kind)}
	}
	if b.BaseBranch == "" {
		return &session.ValidationError{Field: "base_branch", Message: "base_branch is required"}
	}
	if b.Kind == session.KindChangeRequest {
		if len(b.Changes) == 0 {
			return &session.ValidationError{Field: "changes", Message: "at least one change is required"}
		}
		for i, change := range b.Changes {
			if strings.TrimSpace(change.FilePath) == "" {
				return &session.ValidationError{Field: "changes", Message: "change has no file path"}
			}
			if strings.TrimSpace(change.Description) == "" {
				return &session.ValidationError{Field: "changes", Message: "change for " + b.Changes[i].FilePath + " has no description"}
			}
		}
	}
	if b.Kind == session.KindInitialization && strings.TrimSpace(b.ProjectName) == "" {
		return &session.ValidationError{Field: "project_name", Message: "project_name is required for initialization"}
	}
	return nil
}

// normalized returns a copy of the batch with every file path in canonical
// form, so batch paths line up with the keys the resolver reports.
func (b Batch) normalized() Batch {
	out := b
	out.Changes = make([]ChangeRequest, len(b.Changes))
	for i, change := range b.Changes {
		change.FilePath = resolver.Canonical(change.FilePath)
		out.Changes[i] = change
	}
	if len(b.Files) > 0 {
		out.Files = make(map[string]string, len(b.Files))
		for p, content := range b.Files {
			out.Files[resolver.Canonical(p)] = content
		}
	}
	return out
}

// changesByFile groups change descriptions by target file, preserving the
// order changes were submitted in.
func (b *Batch) changesByFile() (map[string][]string, []string) {
	grouped := make(map[string][]string)
	var order []string
	for _, change := range b.Changes {
		if _, ok := grouped[change.FilePath]; !ok {
			order = append(order, change.FilePath)
		}
		grouped[change.FilePath] = append(grouped[change.FilePath], change.Description)
	}
	return grouped, order
}
