package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ListNames returns the immediate child names of dir (files and
// directories alike), or an empty slice if dir does not exist. Used to
// feed Next when allocating stub directories and response files.
func ListNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

var timestampedNameRe = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)\.json$`)

type timestampedEntry struct {
	name    string
	epoch   int64
	pid     int64
	counter int64
}

// LoadAllInDir lists dir's *.json entries matching the
// {epoch}-{pid}-{counter}.json grammar, sorts them ascending by
// (epoch, pid, counter), and parses each into T in that order. Names that
// don't match the grammar are ignored. A missing directory yields an empty
// slice rather than an error, per spec §4.1.
func LoadAllInDir[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []T{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	timestamped := make([]timestampedEntry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := timestampedNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, _ := strconv.ParseInt(m[1], 10, 64)
		pid, _ := strconv.ParseInt(m[2], 10, 64)
		counter, _ := strconv.ParseInt(m[3], 10, 64)
		timestamped = append(timestamped, timestampedEntry{e.Name(), epoch, pid, counter})
	}

	sort.Slice(timestamped, func(i, j int) bool {
		a, b := timestamped[i], timestamped[j]
		if a.epoch != b.epoch {
			return a.epoch < b.epoch
		}
		if a.pid != b.pid {
			return a.pid < b.pid
		}
		return a.counter < b.counter
	})

	out := make([]T, 0, len(timestamped))
	for _, te := range timestamped {
		data, err := os.ReadFile(filepath.Join(dir, te.name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", te.name, err)
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse %s: %w", te.name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

var leadingDigitsRe = regexp.MustCompile(`\d+`)

// Next generates the next name in a numbered sequence without a counter
// file: it extracts the first run of decimal digits from each existing
// name, takes the maximum, and substitutes max+1 (or 0 if none found) for
// "${index}" in template. Used to allocate stub directories
// (stubs/${index}) and response files (responses/${index}.json). See
// spec §4.1.
func Next(existing []string, template string) string {
	max := -1
	for _, name := range existing {
		digits := leadingDigitsRe.FindString(name)
		if digits == "" {
			continue
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return strings.ReplaceAll(template, "${index}", strconv.Itoa(max+1))
}
