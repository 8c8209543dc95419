package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/driftmock/driftmock/internal/response"
)

// Logger logs method and path for every request.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// CORSWithOrigin adds CORS headers for origin (or "*" if empty).
func CORSWithOrigin(origin string) func(http.Handler) http.Handler {
	if origin == "" {
		origin = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Api-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyAuth requires the X-Api-Key header (or apikey query param) to
// match apiKey. A blank apiKey disables the check.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			provided := r.Header.Get("X-Api-Key")
			if provided == "" {
				provided = r.URL.Query().Get("apikey")
			}
			if provided != apiKey {
				response.WriteError(w, http.StatusUnauthorized, "unauthorized", "API key required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LocalOnly rejects non-loopback clients when enabled.
func LocalOnly(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			clientIP := r.RemoteAddr
			if host, _, err := net.SplitHostPort(clientIP); err == nil {
				clientIP = host
			}
			if clientIP == "127.0.0.1" || clientIP == "::1" || clientIP == "localhost" {
				next.ServeHTTP(w, r)
				return
			}
			response.WriteError(w, http.StatusForbidden, "forbidden", "only localhost connections allowed")
		})
	}
}

// JSONBody validates request bodies as JSON and rewinds r.Body so
// handlers can still read it.
func JSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if strings.HasPrefix(contentType, "application/json") || contentType == "" {
				body, err := io.ReadAll(r.Body)
				r.Body.Close()
				if err != nil {
					response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "error reading request body")
					return
				}
				if len(body) > 0 && !json.Valid(body) {
					response.WriteError(w, http.StatusBadRequest, response.ErrCodeInvalidJSON, "unable to parse body as JSON")
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}
		next.ServeHTTP(w, r)
	})
}
