package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/driftmock/driftmock/internal/grpcimposter"
	"github.com/driftmock/driftmock/internal/httpimposter"
	"github.com/driftmock/driftmock/internal/models"
	"github.com/driftmock/driftmock/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options holds the server's runtime configuration, populated from
// command-line flags in cmd/driftmockd.
type Options struct {
	Port           int
	Host           string
	Datadir        string
	AllowInjection bool
	LocalOnly      bool
	APIKey         string
	Origin         string
	ProtoBaseDir   string // base directory gRPC imposters' relative protoFiles resolve against
}

// Server wires the admin REST API to an ImposterRepository and starts
// protocol listeners for imposters it creates.
type Server struct {
	opts       Options
	version    string
	httpServer *http.Server
	imposters  *repository.ImposterRepository
	logs       *logBuffer
	startTime  time.Time
}

// NewServer creates the ImposterRepository rooted at opts.Datadir, builds
// the route table, and wraps it in the standard middleware chain.
func NewServer(opts Options, version string) (*Server, error) {
	imposters, err := repository.NewImposterRepository(opts.Datadir)
	if err != nil {
		return nil, fmt.Errorf("create imposter repository: %w", err)
	}

	s := &Server{
		opts:      opts,
		version:   version,
		imposters: imposters,
		logs:      newLogBuffer(1000),
		startTime: time.Now(),
	}

	router := NewRouter()
	router.GET("/", Home)

	router.GET("/imposters", s.GetImposters)
	router.POST("/imposters", s.CreateImposter)
	router.DELETE("/imposters", s.DeleteImposters)

	router.GET("/imposters/{id}", s.GetImposter)
	router.DELETE("/imposters/{id}", s.DeleteImposter)

	router.GET("/imposters/{id}/savedRequests", s.GetSavedRequests)
	router.DELETE("/imposters/{id}/savedRequests", s.DeleteSavedRequests)
	router.DELETE("/imposters/{id}/savedProxyResponses", s.DeleteSavedProxyResponses)

	router.PUT("/imposters/{id}/stubs", s.ReplaceStubs)
	router.POST("/imposters/{id}/stubs", s.AddStub)
	router.PUT("/imposters/{id}/stubs/{stubIndex}", s.ReplaceStub)
	router.DELETE("/imposters/{id}/stubs/{stubIndex}", s.DeleteStub)

	router.GET("/config", s.GetConfig)
	router.GET("/logs", s.GetLogs)
	router.Handle(http.MethodGet, "/metrics", promhttp.Handler().ServeHTTP)

	handler := s.logRequests(
		CORSWithOrigin(opts.Origin)(
			APIKeyAuth(opts.APIKey)(
				LocalOnly(opts.LocalOnly)(
					JSONBody(router)))))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// logRequests combines the stdout Logger middleware with an append into
// the in-memory ring GetLogs reads from.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logs.append("info", fmt.Sprintf("%s %s", r.Method, r.URL.Path))
		next.ServeHTTP(w, r)
	}))
}

func (s *Server) uptimeSeconds() int64 {
	return int64(time.Since(s.startTime).Seconds())
}

// startListener starts the protocol listener named by header.Extra's
// "protocol" field (defaulting to "http") and returns its stop hook. TCP
// and SMTP are documented Non-goals; any other protocol is rejected.
func (s *Server) startListener(header *models.ImposterHeader) (func(), error) {
	protocol := extraString(header.Extra, "protocol", "http")
	switch protocol {
	case "http":
		cfg := httpimposter.Config{
			Port:            header.Port,
			RecordRequests:  extraBool(header.Extra, "recordRequests", false),
			AllowInjection:  s.opts.AllowInjection,
			DefaultResponse: extraRaw(header.Extra, "defaultResponse"),
		}
		imp, err := httpimposter.Start(cfg, s.imposters.StubsFor(header.Port))
		if err != nil {
			return nil, err
		}
		return imp.Stop, nil

	case "grpc":
		var protoFiles []string
		if raw, ok := header.Extra["protoFiles"]; ok {
			_ = json.Unmarshal(raw, &protoFiles)
		}
		cfg := grpcimposter.Config{
			Port:            header.Port,
			RecordRequests:  extraBool(header.Extra, "recordRequests", false),
			AllowInjection:  s.opts.AllowInjection,
			DefaultResponse: extraRaw(header.Extra, "defaultResponse"),
			ProtoDir:        extraString(header.Extra, "protoDirectory", s.opts.ProtoBaseDir),
			ProtoFiles:      protoFiles,
		}
		imp, err := grpcimposter.Start(cfg, s.imposters.StubsFor(header.Port))
		if err != nil {
			return nil, err
		}
		return imp.Stop, nil

	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// Start runs the admin API, blocking until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("driftmock running on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops every running imposter listener, then the admin API
// itself. Persisted imposter data is left on disk for a future
// LoadImposters to pick back up.
func (s *Server) Shutdown(ctx context.Context) error {
	s.imposters.StopAll()
	return s.httpServer.Shutdown(ctx)
}

// LoadImposters restarts every imposter header already present under
// Datadir (called once at startup, after the admin API has bound its
// port). The handle table is empty at this point, so ports are
// discovered by scanning the data directory rather than via All().
// Headers with no recognized protocol are skipped with a warning rather
// than aborting the whole load.
func (s *Server) LoadImposters() error {
	ports, err := s.discoverPorts()
	if err != nil {
		return err
	}

	loaded := 0
	for _, port := range ports {
		imp, exists, err := s.imposters.Get(port)
		if err != nil {
			log.Printf("warning: failed to read imposter on port %d: %v", port, err)
			continue
		}
		if !exists {
			continue
		}

		stop, err := s.startListener(imp.Header)
		if err != nil {
			log.Printf("warning: failed to start persisted imposter on port %d: %v", port, err)
			continue
		}
		if err := s.imposters.Add(imp.Header, stop); err != nil {
			log.Printf("warning: failed to register persisted imposter on port %d: %v", port, err)
			stop()
			continue
		}
		loaded++
	}

	log.Printf("restored %d persisted imposters", loaded)
	return nil
}

// discoverPorts lists the numeric subdirectories of Datadir, each one
// corresponding to a persisted imposter.
func (s *Server) discoverPorts() ([]int, error) {
	entries, err := os.ReadDir(s.opts.Datadir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan datadir: %w", err)
	}

	ports := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		port, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return ports, nil
}

// LoadConfig registers every imposter described by a parsed config
// document (internal/config), in order.
func (s *Server) LoadConfig(imposters []json.RawMessage) error {
	for _, raw := range imposters {
		header, stubDefs, err := decodeImposterRequest(raw)
		if err != nil {
			return fmt.Errorf("parse imposter: %w", err)
		}

		stop, err := s.startListener(header)
		if err != nil {
			return fmt.Errorf("start imposter on port %d: %w", header.Port, err)
		}
		if err := s.imposters.Add(header, stop); err != nil {
			stop()
			return fmt.Errorf("register imposter on port %d: %w", header.Port, err)
		}

		stubsRepo := s.imposters.StubsFor(header.Port)
		for _, def := range stubDefs {
			if err := stubsRepo.Add(def); err != nil {
				return fmt.Errorf("add stub to imposter on port %d: %w", header.Port, err)
			}
		}
	}
	return nil
}
