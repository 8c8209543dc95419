// Package inject runs caller-supplied JavaScript against requests and
// responses: inject predicates, inject responses, and response
// decoration. Each call gets its own goja.Runtime — scripts never share
// state across invocations, mirroring how the repository treats every
// stub independently.
package inject

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/buffer"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
)

// scriptPreviewLength bounds how much of a script appears in error text.
const scriptPreviewLength = 100

// Request is the request shape exposed to scripts as `request`.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func (r Request) toVMObject() map[string]interface{} {
	return map[string]interface{}{
		"method":  r.Method,
		"path":    r.Path,
		"query":   r.Query,
		"headers": r.Headers,
		"body":    r.Body,
	}
}

func scriptPreview(script string) string {
	script = strings.Join(strings.Fields(script), " ")
	if len(script) > scriptPreviewLength {
		return script[:scriptPreviewLength] + "..."
	}
	return script
}

func scriptError(err error, script string, req Request) error {
	preview := scriptPreview(script)
	if exc, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("inject script error: %s\n  script: %s\n  request: %s %s\n  stack: %s",
			exc.Value().String(), preview, req.Method, req.Path, exc.String())
	}
	return fmt.Errorf("inject script error: %w\n  script: %s\n  request: %s %s", err, preview, req.Method, req.Path)
}

func newVM() *goja.Runtime {
	vm := goja.New()
	new(require.Registry).Enable(vm)
	console.Enable(vm)
	buffer.Enable(vm)
	return vm
}

func loggerObject(context string) map[string]interface{} {
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, fmt.Sprintf("%v", arg.Export()))
			}
			log.Printf("[%s] [inject:%s] %s", level, context, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	return map[string]interface{}{
		"debug": emit("DEBUG"),
		"info":  emit("INFO"),
		"warn":  emit("WARN"),
		"error": emit("ERROR"),
	}
}

// EvaluatePredicate runs an inject predicate: script must evaluate to a
// function(request, logger) returning a truthy value.
func EvaluatePredicate(script string, req Request) (bool, error) {
	vm := newVM()
	vm.Set("request", req.toVMObject())
	vm.Set("logger", loggerObject("predicate"))

	result, err := vm.RunString(fmt.Sprintf(`(function() { var fn = %s; return fn(request, logger); })()`, script))
	if err != nil {
		return false, scriptError(err, script, req)
	}
	return result.ToBoolean(), nil
}

// Response is the response shape inject/decorate scripts read and return.
type Response struct {
	StatusCode int                    `json:"statusCode"`
	Headers    map[string]interface{} `json:"headers"`
	Body       string                 `json:"body"`
}

// EvaluateResponse runs an inject response: script must evaluate to a
// function(request, state, logger) returning a response object or string.
func EvaluateResponse(script string, req Request) (*Response, error) {
	vm := newVM()
	vm.Set("request", req.toVMObject())
	vm.Set("logger", loggerObject("response"))
	vm.Set("state", map[string]interface{}{})

	result, err := vm.RunString(fmt.Sprintf(`(function() { var fn = %s; return fn(request, state, logger); })()`, script))
	if err != nil {
		return nil, scriptError(err, script, req)
	}
	return valueToResponse(result)
}

// EvaluateWait runs a _behaviors.wait function: script must evaluate to a
// function() returning the delay in milliseconds.
func EvaluateWait(script string) (int, error) {
	vm := newVM()
	vm.Set("logger", loggerObject("wait"))

	result, err := vm.RunString(fmt.Sprintf(`(function() { var fn = %s; return fn(); })()`, script))
	if err != nil {
		return 0, scriptError(err, script, Request{})
	}

	switch v := result.Export().(type) {
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("wait function must return a number, got %T", v)
	}
}

// Decorate runs a decorate behavior: script must evaluate to a
// function(request, response, logger) that mutates response in place (or
// returns a replacement).
func Decorate(script string, req Request, resp Response) (*Response, error) {
	vm := newVM()
	vm.Set("request", req.toVMObject())
	vm.Set("response", resp.toVMObject())
	vm.Set("logger", loggerObject("decorate"))

	result, err := vm.RunString(fmt.Sprintf(`
		(function() {
			var fn = %s;
			var ret = fn(request, response, logger);
			return (ret === undefined) ? response : ret;
		})()
	`, script))
	if err != nil {
		return nil, scriptError(err, script, req)
	}
	return valueToResponse(result)
}

func (r Response) toVMObject() map[string]interface{} {
	headers := r.Headers
	if headers == nil {
		headers = map[string]interface{}{}
	}
	return map[string]interface{}{
		"statusCode": r.StatusCode,
		"headers":    headers,
		"body":       r.Body,
	}
}

func valueToResponse(val goja.Value) (*Response, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return &Response{StatusCode: 200}, nil
	}

	exported := val.Export()
	if str, ok := exported.(string); ok {
		return &Response{StatusCode: 200, Body: str}, nil
	}

	respMap, ok := exported.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("inject must return an object or string, got %T", exported)
	}

	resp := &Response{StatusCode: 200}
	switch sc := respMap["statusCode"].(type) {
	case int64:
		resp.StatusCode = int(sc)
	case float64:
		resp.StatusCode = int(sc)
	case int:
		resp.StatusCode = sc
	}

	if h, ok := respMap["headers"].(map[string]interface{}); ok {
		resp.Headers = h
	}

	switch body := respMap["body"].(type) {
	case string:
		resp.Body = body
	case map[string]interface{}, []interface{}:
		if encoded, err := json.Marshal(body); err == nil {
			resp.Body = string(encoded)
		}
	case nil:
	default:
		resp.Body = fmt.Sprintf("%v", body)
	}

	return resp, nil
}
