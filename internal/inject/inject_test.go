package inject

import "testing"

func TestEvaluatePredicate(t *testing.T) {
	script := `function(request, logger) { return request.path === "/orders"; }`
	ok, err := EvaluatePredicate(script, Request{Path: "/orders"})
	if err != nil {
		t.Fatalf("EvaluatePredicate() error = %v", err)
	}
	if !ok {
		t.Fatalf("EvaluatePredicate() = false, want true")
	}

	ok, err = EvaluatePredicate(script, Request{Path: "/other"})
	if err != nil {
		t.Fatalf("EvaluatePredicate() error = %v", err)
	}
	if ok {
		t.Fatalf("EvaluatePredicate() = true, want false")
	}
}

func TestEvaluatePredicateScriptError(t *testing.T) {
	_, err := EvaluatePredicate(`function(request) { throw new Error("boom"); }`, Request{})
	if err == nil {
		t.Fatalf("expected an error from a throwing script")
	}
}

func TestEvaluateResponse(t *testing.T) {
	script := `function(request, state, logger) { return {statusCode: 201, body: "hello " + request.path}; }`
	resp, err := EvaluateResponse(script, Request{Path: "/x"})
	if err != nil {
		t.Fatalf("EvaluateResponse() error = %v", err)
	}
	if resp.StatusCode != 201 || resp.Body != "hello /x" {
		t.Fatalf("EvaluateResponse() = %+v, want statusCode=201 body='hello /x'", resp)
	}
}

func TestDecorate(t *testing.T) {
	script := `function(request, response, logger) { response.body = response.body + " decorated"; return response; }`
	resp, err := Decorate(script, Request{}, Response{StatusCode: 200, Body: "original"})
	if err != nil {
		t.Fatalf("Decorate() error = %v", err)
	}
	if resp.Body != "original decorated" {
		t.Fatalf("Decorate() body = %q, want %q", resp.Body, "original decorated")
	}
}
