package repository

import (
	"encoding/json"
	"testing"

	"github.com/driftmock/driftmock/internal/models"
)

func TestImposterRepositoryAddGetDel(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewImposterRepository(dir)
	if err != nil {
		t.Fatalf("NewImposterRepository() error = %v", err)
	}

	header := models.NewImposterHeader(6000)
	header.Extra = map[string]json.RawMessage{"protocol": json.RawMessage(`"http"`)}

	stopped := false
	if err := repo.Add(header, func() { stopped = true }); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !repo.Exists(6000) {
		t.Fatalf("Exists(6000) = false, want true")
	}

	imp, exists, err := repo.Get(6000)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !exists {
		t.Fatalf("Get() exists = false, want true")
	}
	if imp.Header.Port != 6000 {
		t.Fatalf("imp.Header.Port = %d, want 6000", imp.Header.Port)
	}
	if string(imp.Header.Extra["protocol"]) != `"http"` {
		t.Fatalf("imp.Header.Extra[protocol] = %s, want \"http\"", imp.Header.Extra["protocol"])
	}

	deleted, err := repo.Del(6000)
	if err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if deleted == nil || deleted.Header.Port != 6000 {
		t.Fatalf("Del() returned %v, want the deleted imposter", deleted)
	}
	if !stopped {
		t.Fatalf("Del() did not invoke the stop hook")
	}
	if repo.Exists(6000) {
		t.Fatalf("Exists(6000) after Del() = true, want false")
	}
	if _, exists, err := repo.Get(6000); err != nil || exists {
		t.Fatalf("Get() after Del() exists = %v, err = %v; want false, nil", exists, err)
	}
}

func TestImposterRepositoryAddMergesStubsAddedBeforeImposter(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewImposterRepository(dir)
	if err != nil {
		t.Fatalf("NewImposterRepository() error = %v", err)
	}

	stubRepo := repo.StubsFor(6100)
	stub := models.StubDefinition{
		Predicates: json.RawMessage(`{}`),
		Responses:  []json.RawMessage{json.RawMessage(`{"is":{}}`)},
	}
	if err := stubRepo.Add(stub); err != nil {
		t.Fatalf("stubRepo.Add() error = %v", err)
	}

	header := models.NewImposterHeader(6100)
	if err := repo.Add(header, func() {}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	imp, exists, err := repo.Get(6100)
	if err != nil || !exists {
		t.Fatalf("Get() exists=%v err=%v", exists, err)
	}
	if len(imp.Stubs) != 1 {
		t.Fatalf("len(imp.Stubs) = %d, want 1 (the stub added before the imposter)", len(imp.Stubs))
	}
}

func TestImposterRepositoryAddStripsRequestsField(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewImposterRepository(dir)
	if err != nil {
		t.Fatalf("NewImposterRepository() error = %v", err)
	}

	header := models.NewImposterHeader(6200)
	header.Extra = map[string]json.RawMessage{
		"requests": json.RawMessage(`[{"path":"/leftover"}]`),
		"protocol": json.RawMessage(`"http"`),
	}
	if err := repo.Add(header, func() {}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	imp, _, err := repo.Get(6200)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := imp.Header.Extra["requests"]; ok {
		t.Fatalf("imp.Header.Extra contains requests field, want it stripped")
	}
	if string(imp.Header.Extra["protocol"]) != `"http"` {
		t.Fatalf("imp.Header.Extra[protocol] = %s, want preserved", imp.Header.Extra["protocol"])
	}
}

func TestImposterRepositoryAll(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewImposterRepository(dir)
	if err != nil {
		t.Fatalf("NewImposterRepository() error = %v", err)
	}

	ports := []int{6301, 6302, 6303}
	for _, p := range ports {
		if err := repo.Add(models.NewImposterHeader(p), func() {}); err != nil {
			t.Fatalf("Add(%d) error = %v", p, err)
		}
	}

	all, err := repo.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != len(ports) {
		t.Fatalf("len(All()) = %d, want %d", len(all), len(ports))
	}
	for i, imp := range all {
		if imp.Header.Port != ports[i] {
			t.Fatalf("All()[%d].Header.Port = %d, want %d (sorted ascending)", i, imp.Header.Port, ports[i])
		}
	}
}

func TestImposterRepositoryDeleteAllSyncInvokesEveryStop(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewImposterRepository(dir)
	if err != nil {
		t.Fatalf("NewImposterRepository() error = %v", err)
	}

	stopped := make(map[int]bool)
	for _, p := range []int{6401, 6402} {
		p := p
		if err := repo.Add(models.NewImposterHeader(p), func() { stopped[p] = true }); err != nil {
			t.Fatalf("Add(%d) error = %v", p, err)
		}
	}

	if err := repo.DeleteAllSync(); err != nil {
		t.Fatalf("DeleteAllSync() error = %v", err)
	}
	for _, p := range []int{6401, 6402} {
		if !stopped[p] {
			t.Fatalf("stop hook for port %d not invoked", p)
		}
		if repo.Exists(p) {
			t.Fatalf("Exists(%d) after DeleteAllSync() = true, want false", p)
		}
	}
}
