// Package predicate interprets the opaque predicate JSON the repository
// never looks inside: equals, deepEquals, contains, startsWith, endsWith,
// matches, exists, not, and, or, xpath, jsonpath, and inject. A Filter
// closes over a Request and satisfies repository.PredicateFilter.
package predicate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/driftmock/driftmock/internal/inject"
)

// Request is the value predicates are evaluated against. Built by the
// HTTP listener from the inbound request; the repository itself never
// constructs one.
type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    string
}

// ToInjectRequest converts to the request shape the inject package's
// scripts see.
func (r Request) ToInjectRequest() inject.Request {
	return inject.Request{Method: r.Method, Path: r.Path, Query: r.Query, Headers: r.Headers, Body: r.Body}
}

// Filter returns a closure matching repository.PredicateFilter's shape:
// func(json.RawMessage) (bool, error).
func Filter(req Request) func(json.RawMessage) (bool, error) {
	return func(predicates json.RawMessage) (bool, error) {
		return MatchAll(predicates, req)
	}
}

// MatchAll parses predicates (a JSON array of predicate objects, or a
// single predicate object, or absent/empty meaning "match everything")
// and reports whether req satisfies every one.
func MatchAll(predicates json.RawMessage, req Request) (bool, error) {
	if len(predicates) == 0 {
		return true, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(predicates, &list); err != nil {
		list = []json.RawMessage{predicates}
	}

	for _, p := range list {
		ok, err := matchOne(p, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type options struct {
	caseSensitive    bool
	keyCaseSensitive bool
	except           string
}

func matchOne(raw json.RawMessage, req Request) (bool, error) {
	var pred map[string]json.RawMessage
	if err := json.Unmarshal(raw, &pred); err != nil {
		return false, fmt.Errorf("parse predicate: %w", err)
	}
	if len(pred) == 0 {
		return true, nil
	}

	if and, ok := pred["and"]; ok {
		return matchConjunction(and, req)
	}
	if or, ok := pred["or"]; ok {
		return matchDisjunction(or, req)
	}
	if not, ok := pred["not"]; ok {
		matched, err := matchOne(not, req)
		return !matched, err
	}
	if script, ok := stringField(pred, "inject"); ok {
		return inject.EvaluatePredicate(script, req.ToInjectRequest())
	}

	opts := options{}
	if v, ok := boolField(pred, "caseSensitive"); ok {
		opts.caseSensitive = v
	}
	if v, ok := boolField(pred, "keyCaseSensitive"); ok {
		opts.keyCaseSensitive = v
	}
	if v, ok := stringField(pred, "except"); ok {
		opts.except = v
	}

	effective := req
	if sel, ok := pred["jsonpath"]; ok {
		effective = withSelectedBody(req, selectorPath(sel), evaluateJSONPath)
	} else if sel, ok := pred["xpath"]; ok {
		effective = withSelectedBody(req, selectorPath(sel), evaluateXPath)
	}

	if v, ok := pred["equals"]; ok {
		return matchFields(v, effective, opts, false)
	}
	if v, ok := pred["deepEquals"]; ok {
		return matchFields(v, effective, opts, true)
	}
	if v, ok := pred["contains"]; ok {
		return matchFieldsWith(v, effective, opts, strings.Contains)
	}
	if v, ok := pred["startsWith"]; ok {
		return matchFieldsWith(v, effective, opts, strings.HasPrefix)
	}
	if v, ok := pred["endsWith"]; ok {
		return matchFieldsWith(v, effective, opts, strings.HasSuffix)
	}
	if v, ok := pred["matches"]; ok {
		return matchFieldsWith(v, effective, opts, regexMatches)
	}
	if v, ok := pred["exists"]; ok {
		return matchExists(v, effective)
	}

	return true, nil
}

func matchConjunction(raw json.RawMessage, req Request) (bool, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return false, fmt.Errorf("parse and: %w", err)
	}
	for _, p := range list {
		ok, err := matchOne(p, req)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchDisjunction(raw json.RawMessage, req Request) (bool, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return false, fmt.Errorf("parse or: %w", err)
	}
	for _, p := range list {
		ok, err := matchOne(p, req)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func stringField(pred map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := pred[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func boolField(pred map[string]json.RawMessage, key string) (bool, bool) {
	raw, ok := pred[key]
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

func selectorPath(raw json.RawMessage) string {
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var obj struct {
		Selector string `json:"selector"`
	}
	json.Unmarshal(raw, &obj)
	return obj.Selector
}

// withSelectedBody replaces req.Body with the result of applying
// evaluate to req.Body at path, leaving req unchanged if evaluation
// fails.
func withSelectedBody(req Request, path string, evaluate func(body, path string) (string, error)) Request {
	if path == "" {
		return req
	}
	extracted, err := evaluate(req.Body, path)
	if err != nil {
		return req
	}
	out := req
	out.Body = extracted
	return out
}

func applyExcept(value, except string, caseSensitive bool) string {
	if except == "" {
		return value
	}
	pattern := except
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return value
	}
	return re.ReplaceAllString(value, "")
}

// requestField extracts a named field from req: method, path, body, or a
// query/header key (looked up case-sensitively or not per opts).
func requestField(req Request, field string, opts options) (string, bool) {
	switch strings.ToLower(field) {
	case "method":
		return req.Method, true
	case "path":
		return req.Path, true
	case "body":
		return req.Body, true
	}
	if v, ok := lookupMap(req.Query, field, opts.keyCaseSensitive); ok {
		return v, true
	}
	if v, ok := lookupMap(req.Headers, field, opts.keyCaseSensitive); ok {
		return v, true
	}
	return "", false
}

func lookupMap(m map[string]string, key string, keyCaseSensitive bool) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	if keyCaseSensitive {
		return "", false
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func matchFields(raw json.RawMessage, req Request, opts options, deep bool) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, fmt.Errorf("parse predicate fields: %w", err)
	}
	for field, expectedRaw := range fields {
		actual, has := requestField(req, field, opts)
		if !deep {
			var expected string
			if err := json.Unmarshal(expectedRaw, &expected); err == nil {
				actual = applyExcept(actual, opts.except, opts.caseSensitive)
				if opts.caseSensitive {
					if actual != expected {
						return false, nil
					}
				} else if !strings.EqualFold(actual, expected) {
					return false, nil
				}
				continue
			}
		}

		var expectedVal interface{}
		json.Unmarshal(expectedRaw, &expectedVal)
		var actualVal interface{} = actual
		if has {
			var parsed interface{}
			if err := json.Unmarshal([]byte(actual), &parsed); err == nil {
				actualVal = parsed
			}
		}
		if !reflect.DeepEqual(actualVal, expectedVal) {
			return false, nil
		}
	}
	return true, nil
}

func matchFieldsWith(raw json.RawMessage, req Request, opts options, cmp func(a, b string) bool) (bool, error) {
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, fmt.Errorf("parse predicate fields: %w", err)
	}
	for field, expected := range fields {
		actual, _ := requestField(req, field, opts)
		actual = applyExcept(actual, opts.except, opts.caseSensitive)
		a, e := actual, expected
		if !opts.caseSensitive {
			a, e = strings.ToLower(a), strings.ToLower(e)
		}
		if !cmp(a, e) {
			return false, nil
		}
	}
	return true, nil
}

func regexMatches(value, pattern string) bool {
	matched, err := regexp.MatchString(pattern, value)
	return err == nil && matched
}

func matchExists(raw json.RawMessage, req Request) (bool, error) {
	var fields map[string]bool
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false, fmt.Errorf("parse exists fields: %w", err)
	}
	for field, wantExists := range fields {
		v, ok := requestField(req, field, options{})
		has := ok && v != ""
		if has != wantExists {
			return false, nil
		}
	}
	return true, nil
}

// evaluateJSONPath is a small dotted-path walker: "a.b.c", "a.b[0]",
// supporting object/array traversal only (no filters, no recursive
// descent) since that covers the predicate-matching use case.
func evaluateJSONPath(body, path string) (string, error) {
	var data interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return "", fmt.Errorf("invalid JSON body: %w", err)
	}
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	return navigate(data, path), nil
}

func navigate(data interface{}, path string) string {
	if path == "" {
		return valueToString(data)
	}
	segment, rest := splitSegment(path)

	if idx, isIndex := indexSegment(segment); isIndex {
		arr, ok := data.([]interface{})
		if !ok || idx < 0 || idx >= len(arr) {
			return ""
		}
		return navigate(arr[idx], rest)
	}

	obj, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}
	val, ok := obj[segment]
	if !ok {
		return ""
	}
	return navigate(val, rest)
}

func splitSegment(path string) (segment, rest string) {
	i := strings.IndexAny(path, ".[")
	if i == -1 {
		return path, ""
	}
	if path[i] == '.' {
		return path[:i], path[i+1:]
	}
	end := strings.Index(path[i:], "]")
	if end == -1 {
		return path[:i], ""
	}
	return path[:i] + path[i:i+end+1], strings.TrimPrefix(path[i+end+1:], ".")
}

func indexSegment(segment string) (int, bool) {
	if !strings.HasSuffix(segment, "]") {
		return 0, false
	}
	open := strings.LastIndex(segment, "[")
	if open == -1 {
		return 0, false
	}
	n, err := strconv.Atoi(segment[open+1 : len(segment)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func valueToString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}

// evaluateXPath runs an XPath expression against body when it parses as
// XML, returning the first matched node's text content.
func evaluateXPath(body, path string) (string, error) {
	doc, err := xmlquery.Parse(strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("invalid XML body: %w", err)
	}
	node := xmlquery.FindOne(doc, path)
	if node == nil {
		return "", nil
	}
	return node.InnerText(), nil
}
