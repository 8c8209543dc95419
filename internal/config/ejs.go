package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// includeTag matches the one EJS construct config files are allowed to
// use: <%- include('relative/path') %>, optionally with the trailing
// dash variant. Loops, conditionals, and other EJS directives are not
// supported — config files are JSON with file composition, not a
// scripting language.
var includeTag = regexp.MustCompile(`<%-\s*include\s*\(\s*['"]([^'"]+)['"]\s*\)\s*-?%>`)

// includeRenderer recursively resolves include() tags relative to a base
// directory, so a config file can be split into fragments the way
// mountebank's EJS configs commonly are.
type includeRenderer struct {
	baseDir string
}

func newIncludeRenderer(baseDir string) *includeRenderer {
	return &includeRenderer{baseDir: baseDir}
}

// render replaces every include() tag in content with the (recursively
// rendered) contents of the file it names.
func (r *includeRenderer) render(content string) (string, error) {
	for {
		loc := includeTag.FindStringSubmatchIndex(content)
		if loc == nil {
			return content, nil
		}

		name := content[loc[2]:loc[3]]
		path := filepath.Join(r.baseDir, name)

		fragment, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("include %s: %w", name, err)
		}

		rendered, err := newIncludeRenderer(filepath.Dir(path)).render(string(fragment))
		if err != nil {
			return "", fmt.Errorf("render included file %s: %w", name, err)
		}

		content = content[:loc[0]] + rendered + content[loc[1]:]
	}
}
