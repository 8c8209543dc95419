// Package protoregistry compiles .proto files at runtime and indexes
// their service/method descriptors, so a gRPC imposter can dispatch on
// a method name it has never seen at compile time (spec SPEC_FULL.md
// §5.8). Grounded in the teacher's internal/imposter/proto_loader.go,
// trimmed to what the unary-only imposter needs.
package protoregistry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Registry holds every service and method descriptor compiled from a
// set of .proto files.
type Registry struct {
	mu       sync.RWMutex
	services map[string]protoreflect.ServiceDescriptor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{services: make(map[string]protoreflect.ServiceDescriptor)}
}

// Load compiles protoFiles (resolved relative to baseDir when not
// absolute) and indexes every service they declare.
func (r *Registry) Load(baseDir string, protoFiles []string) error {
	if len(protoFiles) == 0 {
		return fmt.Errorf("no proto files specified")
	}

	resolved := make([]string, 0, len(protoFiles))
	importPaths := map[string]bool{}
	if baseDir != "" {
		importPaths[baseDir] = true
	}
	for _, f := range protoFiles {
		path := f
		if !filepath.IsAbs(f) && baseDir != "" {
			path = filepath.Join(baseDir, f)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("proto file not found: %s", path)
		}
		// The resolver joins each name onto the import paths, so files are
		// compiled by base name with their own directory as an import path.
		resolved = append(resolved, filepath.Base(path))
		importPaths[filepath.Dir(path)] = true
	}

	paths := make([]string, 0, len(importPaths))
	for p := range importPaths {
		paths = append(paths, p)
	}

	compiler := protocompile.Compiler{
		Resolver: &protocompile.SourceResolver{ImportPaths: paths},
	}
	files, err := compiler.Compile(context.Background(), resolved...)
	if err != nil {
		return fmt.Errorf("compile proto files: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, file := range files {
		services := file.Services()
		for i := 0; i < services.Len(); i++ {
			svc := services.Get(i)
			r.services[string(svc.FullName())] = svc
		}
	}
	return nil
}

// MethodByFullName resolves a gRPC wire method path ("/pkg.Service/Method")
// to its descriptor.
func (r *Registry) MethodByFullName(fullMethod string) (protoreflect.MethodDescriptor, bool) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.SplitN(fullMethod, "/", 2)
	if len(parts) != 2 {
		return nil, false
	}

	r.mu.RLock()
	svc, ok := r.services[parts[0]]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	methods := svc.Methods()
	for i := 0; i < methods.Len(); i++ {
		m := methods.Get(i)
		if string(m.Name()) == parts[1] {
			return m, true
		}
	}
	return nil, false
}
