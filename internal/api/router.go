// Router is the admin API's route table: method + "/imposters/{id}/stubs"
// style patterns matched against the incoming path. Grounded in the
// teacher's internal/api/router.go, switched from its query-string
// param-stashing hack (the teacher's own comment flags context.WithValue
// as the "real implementation") to a request-context value, since params
// here never need to survive past the single handler invocation that
// reads them.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/driftmock/driftmock/internal/response"
)

type paramsKey struct{}

// Router is a minimal HTTP router with {param} path segments.
type Router struct {
	routes []route
}

type route struct {
	method  string
	pattern string
	handler http.HandlerFunc
}

func NewRouter() *Router {
	return &Router{}
}

func (rt *Router) Handle(method, pattern string, handler http.HandlerFunc) {
	rt.routes = append(rt.routes, route{method, pattern, handler})
}

func (rt *Router) GET(pattern string, handler http.HandlerFunc)    { rt.Handle(http.MethodGet, pattern, handler) }
func (rt *Router) POST(pattern string, handler http.HandlerFunc)   { rt.Handle(http.MethodPost, pattern, handler) }
func (rt *Router) PUT(pattern string, handler http.HandlerFunc)    { rt.Handle(http.MethodPut, pattern, handler) }
func (rt *Router) DELETE(pattern string, handler http.HandlerFunc) { rt.Handle(http.MethodDelete, pattern, handler) }

// ServeHTTP implements http.Handler, binding matched path parameters onto
// the request's context for the chosen handler to read with GetParam.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for _, rte := range rt.routes {
		if rte.method != r.Method {
			continue
		}
		params, ok := match(rte.pattern, r.URL.Path)
		if !ok {
			continue
		}

		ctx := context.WithValue(r.Context(), paramsKey{}, params)
		rte.handler(w, r.WithContext(ctx))
		return
	}

	response.WriteError(w, http.StatusNotFound, response.ErrCodeNoSuchResource, "resource not found")
}

func match(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(strings.Trim(pattern, "/"), "/")
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i, part := range patternParts {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			params[part[1:len(part)-1]] = pathParts[i]
		} else if part != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}

// GetParam retrieves a path parameter bound by ServeHTTP.
func GetParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsKey{}).(map[string]string)
	return params[name]
}
