// Package grpcimposter runs a minimal unary-only gRPC mock listener,
// dispatching on service/method names resolved at runtime through
// internal/protoregistry. Grounded in the teacher's
// internal/imposter/grpc_server.go, trimmed to the unary path: streaming
// RPCs, server reflection, and TLS are Non-goals here (see DESIGN.md).
package grpcimposter

import (
	"encoding/json"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/driftmock/driftmock/internal/metrics"
	"github.com/driftmock/driftmock/internal/predicate"
	"github.com/driftmock/driftmock/internal/protoregistry"
	"github.com/driftmock/driftmock/internal/repository"
)

// Config carries the protocol-level settings for one gRPC imposter.
type Config struct {
	Port            int
	RecordRequests  bool
	AllowInjection  bool
	DefaultResponse json.RawMessage
	ProtoDir        string
	ProtoFiles      []string
}

// Imposter is a running unary gRPC listener bound to a stub repository.
type Imposter struct {
	cfg      Config
	stubs    *repository.StubRepository
	registry *protoregistry.Registry
	server   *grpc.Server
}

// Start compiles cfg.ProtoFiles, binds a listener on cfg.Port, and
// begins serving in a background goroutine.
func Start(cfg Config, stubs *repository.StubRepository) (*Imposter, error) {
	registry := protoregistry.New()
	if err := registry.Load(cfg.ProtoDir, cfg.ProtoFiles); err != nil {
		return nil, fmt.Errorf("load proto files: %w", err)
	}

	imp := &Imposter{cfg: cfg, stubs: stubs, registry: registry}
	imp.server = grpc.NewServer(grpc.UnknownServiceHandler(imp.handleUnary))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	go func() {
		_ = imp.server.Serve(listener)
	}()

	return imp, nil
}

// Stop gracefully drains in-flight RPCs and stops the listener. Bound
// into the ImposterRepository's handle table as the stop hook.
func (imp *Imposter) Stop() {
	imp.server.GracefulStop()
}

// handleUnary is the UnknownServiceHandler driving every RPC: it
// resolves the method descriptor, receives the single request message,
// matches it against the stub repository the same way the HTTP listener
// does, and writes back a single response message.
func (imp *Imposter) handleUnary(srv interface{}, stream grpc.ServerStream) error {
	port := fmt.Sprintf("%d", imp.cfg.Port)
	metrics.RecordRequest(port, "grpc")

	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "unable to determine method from stream")
	}

	method, ok := imp.registry.MethodByFullName(fullMethod)
	if !ok {
		return status.Errorf(codes.Unimplemented, "method %s not found in loaded protos", fullMethod)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return status.Errorf(codes.Unimplemented, "streaming RPCs are not supported for %s", fullMethod)
	}

	inputMsg := dynamicpb.NewMessage(method.Input())
	if err := stream.RecvMsg(inputMsg); err != nil {
		return status.Errorf(codes.Internal, "receive request: %v", err)
	}

	bodyJSON, err := protojson.Marshal(inputMsg)
	if err != nil {
		return status.Errorf(codes.Internal, "marshal request: %v", err)
	}

	req := predicate.Request{Method: "POST", Path: fullMethod, Body: string(bodyJSON)}

	matched, handle, err := imp.stubs.First(predicate.Filter(req), 0)
	if err != nil {
		return status.Errorf(codes.Internal, "match predicates: %v", err)
	}

	var responseRaw json.RawMessage
	if matched {
		resp, _, err := handle.NextResponse()
		if err != nil {
			return status.Errorf(codes.Internal, "resolve response: %v", err)
		}
		responseRaw = resp
	} else {
		metrics.RecordNoMatch(port)
		responseRaw = imp.cfg.DefaultResponse
	}

	if imp.cfg.RecordRequests {
		stubs := imp.stubs
		requestJSON, _ := json.Marshal(map[string]interface{}{
			"method": fullMethod,
			"body":   req.Body,
		})
		go func() {
			_ = stubs.AddRequest(requestJSON)
		}()
	}

	return writeResponse(stream, method, responseRaw)
}

// grpcEnvelope is the opaque response shape a gRPC stub resolves to:
// is.body holds the output message as protojson, is.code an optional
// non-OK status to return instead.
type grpcEnvelope struct {
	Is *struct {
		Body json.RawMessage `json:"body"`
		Code int32           `json:"code,omitempty"`
	} `json:"is"`
}

func writeResponse(stream grpc.ServerStream, method protoreflect.MethodDescriptor, raw json.RawMessage) error {
	var env grpcEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return status.Errorf(codes.Internal, "malformed stub response: %v", err)
		}
	}

	if env.Is != nil && env.Is.Code != 0 {
		return status.Error(codes.Code(env.Is.Code), "")
	}

	outputMsg := dynamicpb.NewMessage(method.Output())
	if env.Is != nil && len(env.Is.Body) > 0 {
		if err := protojson.Unmarshal(env.Is.Body, outputMsg); err != nil {
			return status.Errorf(codes.Internal, "malformed response body: %v", err)
		}
	}

	return stream.SendMsg(outputMsg)
}
