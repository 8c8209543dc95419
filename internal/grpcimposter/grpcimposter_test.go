package grpcimposter

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/driftmock/driftmock/internal/models"
	"github.com/driftmock/driftmock/internal/protoregistry"
	"github.com/driftmock/driftmock/internal/repository"
)

const greeterProto = `syntax = "proto3";
package greeter;

message HelloRequest {
  string name = 1;
}

message HelloReply {
  string message = 1;
}

service Greeter {
  rpc SayHello (HelloRequest) returns (HelloReply);
  rpc SayHelloStream (stream HelloRequest) returns (HelloReply);
}
`

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startFixture(t *testing.T, stub *models.StubDefinition, defaultResponse string) (*grpc.ClientConn, *protoregistry.Registry) {
	t.Helper()
	protoDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(protoDir, "greeter.proto"), []byte(greeterProto), 0o644); err != nil {
		t.Fatalf("write proto fixture: %v", err)
	}

	dataDir := t.TempDir()
	stubs := repository.NewStubRepository(filepath.Join(dataDir, "stubs"))
	if stub != nil {
		if err := stubs.Add(*stub); err != nil {
			t.Fatalf("Add() stub error = %v", err)
		}
	}

	port := freePort(t)
	cfg := Config{
		Port:            port,
		ProtoDir:        protoDir,
		ProtoFiles:      []string{"greeter.proto"},
		DefaultResponse: json.RawMessage(defaultResponse),
	}
	imp, err := Start(cfg, stubs)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(imp.Stop)

	conn, err := grpc.NewClient(
		net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	time.Sleep(50 * time.Millisecond)
	return conn, imp.registry
}

func callSayHello(t *testing.T, conn *grpc.ClientConn, registry *protoregistry.Registry, name string) (string, error) {
	t.Helper()
	method, ok := registry.MethodByFullName("/greeter.Greeter/SayHello")
	if !ok {
		t.Fatalf("registry has no SayHello method")
	}

	reqMsg := dynamicpb.NewMessage(method.Input())
	reqMsg.Set(method.Input().Fields().ByName("name"), protoreflect.ValueOfString(name))

	replyMsg := dynamicpb.NewMessage(method.Output())

	err := conn.Invoke(context.Background(), "/greeter.Greeter/SayHello", reqMsg, replyMsg)
	if err != nil {
		return "", err
	}

	body, err := protojson.Marshal(replyMsg)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	return string(body), nil
}

func TestHandleUnaryMatchesStub(t *testing.T) {
	stub := &models.StubDefinition{
		Predicates: json.RawMessage(`{"contains":{"body":"name"}}`),
		Responses:  []json.RawMessage{json.RawMessage(`{"is":{"body":{"message":"hi there"}}}`)},
	}
	conn, registry := startFixture(t, stub, "")

	body, err := callSayHello(t, conn, registry, "alice")
	if err != nil {
		t.Fatalf("SayHello error = %v", err)
	}
	if body != `{"message":"hi there"}` {
		t.Fatalf("SayHello reply = %s, want {\"message\":\"hi there\"}", body)
	}
}

func TestHandleUnaryDefaultResponseOnNoMatch(t *testing.T) {
	stub := &models.StubDefinition{
		Predicates: json.RawMessage(`{"equals":{"body":"never matches"}}`),
		Responses:  []json.RawMessage{json.RawMessage(`{"is":{"body":{"message":"matched"}}}`)},
	}
	conn, registry := startFixture(t, stub, `{"is":{"body":{"message":"default"}}}`)

	body, err := callSayHello(t, conn, registry, "bob")
	if err != nil {
		t.Fatalf("SayHello error = %v", err)
	}
	if body != `{"message":"default"}` {
		t.Fatalf("SayHello reply = %s, want {\"message\":\"default\"}", body)
	}
}

func TestHandleUnaryStatusCodeOverride(t *testing.T) {
	stub := &models.StubDefinition{
		Predicates: json.RawMessage(`{"contains":{"body":"name"}}`),
		Responses:  []json.RawMessage{json.RawMessage(`{"is":{"code":5}}`)},
	}
	conn, registry := startFixture(t, stub, "")

	_, err := callSayHello(t, conn, registry, "carol")
	if err == nil {
		t.Fatalf("SayHello expected an error")
	}
	if status.Code(err) != codes.NotFound {
		t.Fatalf("status.Code() = %v, want NotFound", status.Code(err))
	}
}

func TestHandleUnaryRejectsStreamingMethod(t *testing.T) {
	conn, registry := startFixture(t, nil, "")

	method, ok := registry.MethodByFullName("/greeter.Greeter/SayHelloStream")
	if !ok {
		t.Fatalf("registry has no SayHelloStream method")
	}
	reqMsg := dynamicpb.NewMessage(method.Input())
	replyMsg := dynamicpb.NewMessage(method.Output())

	err := conn.Invoke(context.Background(), "/greeter.Greeter/SayHelloStream", reqMsg, replyMsg)
	if err == nil {
		t.Fatalf("expected an error invoking a streaming method through the unary handler")
	}
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("status.Code() = %v, want Unimplemented", status.Code(err))
	}
}
