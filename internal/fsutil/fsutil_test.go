package fsutil

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestReadWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "file.json")

	type payload struct {
		Name string `json:"name"`
	}

	exists, err := ReadJSON(path, &payload{})
	if err != nil {
		t.Fatalf("ReadJSON on missing file: %v", err)
	}
	if exists {
		t.Fatal("expected exists=false for missing file")
	}

	if err := WriteJSON(path, payload{Name: "a"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got payload
	exists, err = ReadJSON(path, &got)
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !exists || got.Name != "a" {
		t.Fatalf("got %+v exists=%v", got, exists)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{\n  \"name\": \"a\"\n}" {
		t.Fatalf("expected two-space indent, got %q", data)
	}
}

func TestReadJSONCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	var v map[string]any
	exists, err := ReadJSON(path, &v)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !exists {
		t.Fatal("corrupt file should report exists=true")
	}
}

func TestRemoveNonExistent(t *testing.T) {
	if err := Remove(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("Remove of absent path should succeed, got %v", err)
	}
}

func TestNext(t *testing.T) {
	cases := []struct {
		existing []string
		template string
		want     string
	}{
		{nil, "stubs/${index}", "stubs/0"},
		{[]string{"stubs/0"}, "stubs/${index}", "stubs/1"},
		{[]string{"stubs/0", "stubs/3", "stubs/1"}, "stubs/${index}", "stubs/4"},
		{[]string{"responses/0.json", "responses/2.json"}, "responses/${index}.json", "responses/3.json"},
	}
	for _, c := range cases {
		got := Next(c.existing, c.template)
		if got != c.want {
			t.Errorf("Next(%v, %q) = %q, want %q", c.existing, c.template, got, c.want)
		}
	}
}

func TestLoadAllInDirMissingDir(t *testing.T) {
	var v []map[string]any
	v, err := LoadAllInDir[map[string]any](filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("expected no error for missing dir, got %v", err)
	}
	if len(v) != 0 {
		t.Fatalf("expected empty slice, got %v", v)
	}
}

func TestLoadAllInDirOrderingAndFiltering(t *testing.T) {
	dir := t.TempDir()
	type req struct {
		Seq int `json:"seq"`
	}

	write := func(name string, seq int) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(`{"seq":`+strconv.Itoa(seq)+`}`), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("100-5-2.json", 2)
	write("100-5-1.json", 1)
	write("99-9-9.json", 0)
	write("not-a-match.json", -1)
	write("ignored.txt", -1)

	got, err := LoadAllInDir[req](dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(got), got)
	}
	seqs := []int{got[0].Seq, got[1].Seq, got[2].Seq}
	if seqs[0] != 0 || seqs[1] != 1 || seqs[2] != 2 {
		t.Fatalf("expected ordering [0 1 2], got %v", seqs)
	}
}

func TestLockedReadModifyWriteConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "counter.json")

	type counter struct {
		N int `json:"n"`
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := LockedReadModifyWrite(path, func(cur counter, exists bool) (counter, error) {
				cur.N++
				return cur, nil
			})
			if err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("LockedReadModifyWrite failed: %v", err)
	}

	var final counter
	exists, err := ReadJSON(path, &final)
	if err != nil || !exists {
		t.Fatalf("ReadJSON final: exists=%v err=%v", exists, err)
	}
	if final.N != n {
		t.Fatalf("expected counter %d, got %d", n, final.N)
	}
}
