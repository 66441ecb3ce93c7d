// Package prompt builds the outgoing message parts for an exchange: the
// prompt text plus any contextual files, editor selections, diagnostics, and
// image attachments.
package prompt

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opencode-ai/opencode-client/pkg/types"
)

// Selection is a region of a file the user wants included verbatim.
type Selection struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Text      string `json:"text"`
}

// Diagnostic is a compiler/linter finding attached as context.
type Diagnostic struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Severity string `json:"severity"` // "error" | "warning" | "info" | "hint"
	Message  string `json:"message"`
}

// Input is everything that goes into one prompt.
type Input struct {
	Text        string
	Files       []string // literal paths or doublestar globs, relative to Dir
	Selections  []Selection
	Diagnostics []Diagnostic
	Images      []string // paths to image files, attached inline
}

// Builder turns an Input into wire message parts. Dir anchors relative paths
// and glob expansion.
type Builder struct {
	dir string
}

func NewBuilder(dir string) *Builder {
	return &Builder{dir: dir}
}

// Build assembles the parts in a fixed order: prompt text, file references,
// selections, diagnostics, images. File globs that match nothing are an
// error; a prompt that references a file the server cannot see is worse than
// failing early.
func (b *Builder) Build(in Input) ([]types.PromptPart, error) {
	var parts []types.PromptPart

	if text := strings.TrimSpace(in.Text); text != "" {
		parts = append(parts, types.PromptPart{Type: "text", Text: text})
	}

	files, err := b.expandFiles(in.Files)
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		parts = append(parts, types.PromptPart{
			Type:      "file",
			Filename:  filepath.Base(path),
			MediaType: mediaTypeFor(path),
			URL:       "file://" + path,
		})
	}

	for _, sel := range in.Selections {
		parts = append(parts, types.PromptPart{Type: "text", Text: formatSelection(sel)})
	}

	if len(in.Diagnostics) > 0 {
		parts = append(parts, types.PromptPart{Type: "text", Text: formatDiagnostics(in.Diagnostics)})
	}

	for _, path := range in.Images {
		part, err := b.imagePart(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	return parts, nil
}

// expandFiles resolves globs against the builder directory and returns
// absolute paths in deterministic order.
func (b *Builder) expandFiles(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, pattern := range patterns {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(b.dir, pattern)
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() {
				continue
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Builder) imagePart(path string) (types.PromptPart, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.dir, path)
	}
	mt := mediaTypeFor(path)
	if !strings.HasPrefix(mt, "image/") {
		return types.PromptPart{}, fmt.Errorf("%s is not an image (%s)", path, mt)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.PromptPart{}, fmt.Errorf("read image: %w", err)
	}
	return types.PromptPart{
		Type:      "file",
		Filename:  filepath.Base(path),
		MediaType: mt,
		URL:       "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data),
	}, nil
}

func mediaTypeFor(path string) string {
	mt := mime.TypeByExtension(filepath.Ext(path))
	if mt == "" {
		return "application/octet-stream"
	}
	// Strip charset parameters; the server wants the bare type.
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func formatSelection(sel Selection) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Selection from %s", sel.Path)
	if sel.StartLine > 0 {
		fmt.Fprintf(&sb, " (lines %d-%d)", sel.StartLine, sel.EndLine)
	}
	sb.WriteString(":\n```\n")
	sb.WriteString(sel.Text)
	if !strings.HasSuffix(sel.Text, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```")
	return sb.String()
}

func formatDiagnostics(diags []Diagnostic) string {
	var sb strings.Builder
	sb.WriteString("Diagnostics:\n")
	for _, d := range diags {
		severity := d.Severity
		if severity == "" {
			severity = "info"
		}
		fmt.Fprintf(&sb, "- %s:%d [%s] %s\n", d.Path, d.Line, severity, d.Message)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
