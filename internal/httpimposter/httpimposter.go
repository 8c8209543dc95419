// Package httpimposter runs the HTTP mock listener for one imposter: it
// accepts requests, matches them against a stub repository's predicates,
// resolves and decorates the next response, and (optionally) logs the
// request. Grounded in the teacher's HTTP path through
// internal/imposter/manager.go, trimmed to HTTP only.
package httpimposter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/driftmock/driftmock/internal/inject"
	"github.com/driftmock/driftmock/internal/metrics"
	"github.com/driftmock/driftmock/internal/predicate"
	"github.com/driftmock/driftmock/internal/repository"
)

// Config carries the protocol-level settings extracted from an
// imposter's opaque Extra fields.
type Config struct {
	Port            int
	RecordRequests  bool
	AllowInjection  bool
	DefaultResponse json.RawMessage
}

// Imposter is a running HTTP listener bound to a stub repository.
type Imposter struct {
	cfg    Config
	stubs  *repository.StubRepository
	server *http.Server
}

// Start binds a listener on cfg.Port and begins serving in a background
// goroutine. Callers should hold onto the returned Imposter and call Stop
// when the imposter is deleted.
func Start(cfg Config, stubs *repository.StubRepository) (*Imposter, error) {
	imp := &Imposter{cfg: cfg, stubs: stubs}
	imp.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      http.HandlerFunc(imp.handle),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", imp.server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	go func() {
		if err := imp.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("imposter on port %d stopped: %v", cfg.Port, err)
		}
	}()

	return imp, nil
}

// Stop gracefully shuts down the listener. Bound into the
// ImposterRepository's handle table as the stop hook (spec §4.3).
func (imp *Imposter) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := imp.server.Shutdown(ctx); err != nil {
		log.Printf("imposter on port %d: shutdown error: %v", imp.cfg.Port, err)
	}
}

func (imp *Imposter) handle(w http.ResponseWriter, r *http.Request) {
	port := fmt.Sprintf("%d", imp.cfg.Port)
	metrics.RecordRequest(port, "http")

	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	req := predicate.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   flatten(r.URL.Query()),
		Headers: flattenHeader(r.Header),
		Body:    string(body),
	}

	matched, handle, err := imp.stubs.First(predicate.Filter(req), 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var responseRaw json.RawMessage
	if matched {
		resp, _, err := handle.NextResponse()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		responseRaw = resp
	} else {
		metrics.RecordNoMatch(port)
		responseRaw = imp.cfg.DefaultResponse
	}

	if imp.cfg.RecordRequests {
		stubs := imp.stubs
		requestJSON, _ := json.Marshal(map[string]interface{}{
			"method":  req.Method,
			"path":    req.Path,
			"query":   req.Query,
			"headers": req.Headers,
			"body":    req.Body,
		})
		go func() {
			if err := stubs.AddRequest(requestJSON); err != nil {
				log.Printf("imposter on port %s: failed to record request: %v", port, err)
			}
		}()
	}

	writeResponse(w, responseRaw, req, imp.cfg.AllowInjection)
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

type responseEnvelope struct {
	Is        json.RawMessage `json:"is"`
	Inject    string          `json:"inject"`
	Behaviors *behaviors      `json:"_behaviors"`
}

type behaviors struct {
	Wait     json.RawMessage `json:"wait"`
	Decorate string          `json:"decorate"`
}

// resolveWait interprets a _behaviors.wait value: a bare integer is a
// millisecond delay; a quoted string is either a numeral (same thing, as
// a string) or an inject function returning one, matching the teacher's
// executeWait.
func resolveWait(raw json.RawMessage, allowInjection bool) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var ms int
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}

	var script string
	if err := json.Unmarshal(raw, &script); err != nil {
		return 0, fmt.Errorf("invalid wait value: %s", raw)
	}
	if n, err := strconv.Atoi(script); err == nil {
		return n, nil
	}
	if !allowInjection {
		return 0, fmt.Errorf("wait function requires allowInjection")
	}
	return inject.EvaluateWait(script)
}

type isResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body"`
}

func writeResponse(w http.ResponseWriter, raw json.RawMessage, req predicate.Request, allowInjection bool) {
	if len(raw) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	var env responseEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		http.Error(w, fmt.Sprintf("malformed stub response: %v", err), http.StatusInternalServerError)
		return
	}

	var resp inject.Response
	switch {
	case env.Inject != "" && allowInjection:
		result, err := inject.EvaluateResponse(env.Inject, req.ToInjectRequest())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp = *result
	case len(env.Is) > 0:
		var is isResponse
		if err := json.Unmarshal(env.Is, &is); err != nil {
			http.Error(w, fmt.Sprintf("malformed is response: %v", err), http.StatusInternalServerError)
			return
		}
		resp = toInjectResponse(is)
	default:
		resp = inject.Response{StatusCode: http.StatusOK}
	}

	if env.Behaviors != nil {
		waitMs, err := resolveWait(env.Behaviors.Wait, allowInjection)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if waitMs > 0 {
			time.Sleep(time.Duration(waitMs) * time.Millisecond)
		}
		if env.Behaviors.Decorate != "" && allowInjection {
			decorated, err := inject.Decorate(env.Behaviors.Decorate, req.ToInjectRequest(), resp)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			resp = *decorated
		}
	}

	for k, v := range resp.Headers {
		if s, ok := v.(string); ok {
			w.Header().Set(k, s)
		}
	}
	statusCode := resp.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	io.WriteString(w, resp.Body)
}

func toInjectResponse(is isResponse) inject.Response {
	headers := make(map[string]interface{}, len(is.Headers))
	for k, v := range is.Headers {
		headers[k] = v
	}
	body := string(is.Body)
	var decoded string
	if json.Unmarshal(is.Body, &decoded) == nil {
		body = decoded
	}
	statusCode := is.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	return inject.Response{StatusCode: statusCode, Headers: headers, Body: body}
}
