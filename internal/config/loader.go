// Package config loads a startup imposter configuration file: JSON,
// optionally composed from fragments via a small include()-only EJS
// subset (spec.md's config loader, generalized from the teacher's
// internal/config).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Document is the top-level shape of a config file: a list of imposters,
// each left as opaque JSON for internal/api.Server.LoadConfig to decode.
type Document struct {
	Imposters []json.RawMessage `json:"imposters"`
}

// Options controls how a config file is loaded.
type Options struct {
	NoParse bool // skip include() rendering, treat the file as raw JSON
}

// Load reads path and parses it as a Document, rendering include() tags
// first unless Options.NoParse is set or the file has none.
func Load(path string, opts Options) (*Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	text := string(content)
	if !opts.NoParse && strings.Contains(text, "<%") {
		text, err = newIncludeRenderer(filepath.Dir(path)).render(text)
		if err != nil {
			return nil, err
		}
	}

	var doc Document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse config JSON: %w", err)
	}
	return &doc, nil
}
