package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPlainJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mb.json")
	os.WriteFile(path, []byte(`{"imposters":[{"port":4545,"protocol":"http"}]}`), 0o644)

	doc, err := Load(path, Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Imposters) != 1 {
		t.Fatalf("len(Imposters) = %d, want 1", len(doc.Imposters))
	}
}

func TestLoadWithInclude(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "stub.json"), []byte(`{"responses":[{"is":{"statusCode":200}}]}`), 0o644)

	mainPath := filepath.Join(dir, "mb.json")
	content := `{"imposters":[{"port":4545,"protocol":"http","stubs":[<%- include('stub.json') %>]}]}`
	os.WriteFile(mainPath, []byte(content), 0o644)

	doc, err := Load(mainPath, Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Imposters) != 1 {
		t.Fatalf("len(Imposters) = %d, want 1", len(doc.Imposters))
	}
}

func TestLoadNoParseLeavesTagsLiteral(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mb.json")
	os.WriteFile(path, []byte(`{"imposters":[],"note":"<%- include('missing.json') %>"}`), 0o644)

	doc, err := Load(path, Options{NoParse: true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(doc.Imposters) != 0 {
		t.Fatalf("len(Imposters) = %d, want 0", len(doc.Imposters))
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/mb.json", Options{})
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
