// Package templates holds the agent response templates. Templates are markdown
// with {{key}} placeholders and render to HTML for the ticket reply editor.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed content/*.md
var embedded embed.FS

var ErrTemplateNotFound = errors.New("template not found")

type Template struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// Placeholders returns the distinct placeholder keys in the template body.
func (t Template) Placeholders() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(t.Markdown, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

type Library struct {
	byID map[string]Template
	ids  []string
}

// Default loads the templates compiled into the binary.
func Default() (*Library, error) {
	sub, err := fs.Sub(embedded, "content")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// LoadDir loads the embedded templates and then overlays any *.md files in
// dir, so a deployment can replace or add templates without a rebuild.
func LoadDir(dir string) (*Library, error) {
	lib, err := Default()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return lib, nil
	}
	extra, err := Load(os.DirFS(dir))
	if err != nil {
		return nil, fmt.Errorf("templates dir %s: %w", dir, err)
	}
	for _, id := range extra.ids {
		if _, ok := lib.byID[id]; !ok {
			lib.ids = append(lib.ids, id)
		}
		lib.byID[id] = extra.byID[id]
	}
	sort.Strings(lib.ids)
	return lib, nil
}

// Load reads every top-level *.md file in fsys. The file name without the
// extension is the template id; the first "# " heading is the title.
func Load(fsys fs.FS) (*Library, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading templates: %w", err)
	}
	lib := &Library{byID: map[string]Template{}}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".md" {
			continue
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading template %s: %w", e.Name(), err)
		}
		id := strings.TrimSuffix(e.Name(), ".md")
		lib.byID[id] = parseTemplate(id, string(data))
		lib.ids = append(lib.ids, id)
	}
	sort.Strings(lib.ids)
	return lib, nil
}

func parseTemplate(id, src string) Template {
	t := Template{ID: id, Title: id, Markdown: src}
	first, rest, _ := strings.Cut(src, "\n")
	if title, ok := strings.CutPrefix(strings.TrimSpace(first), "# "); ok {
		t.Title = strings.TrimSpace(title)
		t.Markdown = strings.TrimLeft(rest, "\n")
	}
	return t
}

func (l *Library) Has(id string) bool {
	_, ok := l.byID[id]
	return ok
}

func (l *Library) Get(id string) (Template, error) {
	t, ok := l.byID[id]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return t, nil
}

// List returns all templates ordered by id.
func (l *Library) List() []Template {
	out := make([]Template, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.byID[id])
	}
	return out
}

// Render fills the template's placeholders from vars and converts the result
// to HTML.
func (l *Library) Render(id string, vars map[string]string) (string, error) {
	t, err := l.Get(id)
	if err != nil {
		return "", err
	}
	return MarkdownToHTML(FillPlaceholders(t.Markdown, vars))
}

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// FillPlaceholders replaces {{key}} with vars[key]. Keys with no value render
// as "[Key Name: not found in email]" so a raw token never reaches an agent.
func FillPlaceholders(text string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		key := placeholderRe.FindStringSubmatch(tok)[1]
		if v := strings.TrimSpace(vars[key]); v != "" {
			return v
		}
		return NotFound(key)
	})
}

// NotFound is the indicator shown in place of a missing value.
func NotFound(key string) string {
	return "[" + humanize(key) + ": not found in email]"
}

func humanize(key string) string {
	words := strings.Fields(strings.ReplaceAll(key, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown
)

func markdownRenderer() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

func MarkdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer().Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.String(), nil
}
