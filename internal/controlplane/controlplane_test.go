package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/kongbytes/chicon-runner-go/internal/config"
	"github.com/kongbytes/chicon-runner-go/internal/model"
)

func TestDecodeScanRequestBasicMessage(t *testing.T) {
	request, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;4ed8e41b-d226-4b4c-a55c-e22099173730"))
	if err != nil {
		t.Fatalf("DecodeScanRequest: %v", err)
	}
	expected := model.ScanRequest{
		Version:      "v1",
		Repositories: []string{"7b2c112a-f7e5-4106-bffe-4734eb4fe49a"},
		Functions:    []string{"4ed8e41b-d226-4b4c-a55c-e22099173730"},
	}
	if !scanRequestsEqual(request, expected) {
		t.Fatalf("expected %+v, got %+v", expected, request)
	}
}

func TestDecodeScanRequestMultiFunctionMessage(t *testing.T) {
	request, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;4ed8e41b-d226-4b4c-a55c-e22099173730,aebe69bd-5245-4dff-aa0b-d7cbb6a4efdf"))
	if err != nil {
		t.Fatalf("DecodeScanRequest: %v", err)
	}
	expected := model.ScanRequest{
		Version:      "v1",
		Repositories: []string{"7b2c112a-f7e5-4106-bffe-4734eb4fe49a"},
		Functions:    []string{"4ed8e41b-d226-4b4c-a55c-e22099173730", "aebe69bd-5245-4dff-aa0b-d7cbb6a4efdf"},
	}
	if !scanRequestsEqual(request, expected) {
		t.Fatalf("expected %+v, got %+v", expected, request)
	}
}

func TestDecodeScanRequestWildcardFunctionMessage(t *testing.T) {
	request, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;*"))
	if err != nil {
		t.Fatalf("DecodeScanRequest: %v", err)
	}
	expected := model.ScanRequest{
		Version:      "v1",
		Repositories: []string{"7b2c112a-f7e5-4106-bffe-4734eb4fe49a"},
		Functions:    []string{"*"},
	}
	if !scanRequestsEqual(request, expected) {
		t.Fatalf("expected %+v, got %+v", expected, request)
	}
}

func TestDecodeScanRequestRejectsEmptyFunction(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage, []byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;"))
	if err == nil {
		t.Fatalf("expected error for empty function component")
	}
}

func TestDecodeScanRequestRejectsEmptyFunctionWithSpaces(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage, []byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;       "))
	if err == nil {
		t.Fatalf("expected error for whitespace-only function component")
	}
}

func TestDecodeScanRequestRejectsBinaryMessage(t *testing.T) {
	_, err := DecodeScanRequest(websocket.BinaryMessage, []byte{0, 1, 0, 1})
	if err == nil {
		t.Fatalf("expected error for binary message")
	}
}

func TestDecodeScanRequestRejectsPingMessage(t *testing.T) {
	_, err := DecodeScanRequest(websocket.PingMessage, []byte{0})
	if err == nil {
		t.Fatalf("expected error for ping message")
	}
}

func TestDecodeScanRequestRejectsPongMessage(t *testing.T) {
	_, err := DecodeScanRequest(websocket.PongMessage, []byte{1})
	if err == nil {
		t.Fatalf("expected error for pong message")
	}
}

func TestDecodeScanRequestRejectsCloseMessage(t *testing.T) {
	_, err := DecodeScanRequest(websocket.CloseMessage, nil)
	if err == nil {
		t.Fatalf("expected error for close message")
	}
}

func TestDecodeScanRequestRejectsTooManyComponents(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;extra"))
	if err == nil {
		t.Fatalf("expected error for 4-component message")
	}
}

func TestDecodeScanRequestRejectsWithoutFunctions(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage, []byte("v1;7b2c112a-f7e5-4106-bffe-4734eb4fe49a"))
	if err == nil {
		t.Fatalf("expected error for 2-component message")
	}
}

func TestDecodeScanRequestRejectsWithoutVersion(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("7b2c112a-f7e5-4106-bffe-4734eb4fe49a;4ed8e41b-d226-4b4c-a55c-e22099173730"))
	if err == nil {
		t.Fatalf("expected error when the version component is missing")
	}
}

func TestDecodeScanRequestRejectsUnknownVersion(t *testing.T) {
	_, err := DecodeScanRequest(websocket.TextMessage,
		[]byte("v2;7b2c112a-f7e5-4106-bffe-4734eb4fe49a;4ed8e41b-d226-4b4c-a55c-e22099173730"))
	if err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func scanRequestsEqual(a, b model.ScanRequest) bool {
	if a.Version != b.Version || len(a.Repositories) != len(b.Repositories) || len(a.Functions) != len(b.Functions) {
		return false
	}
	for i := range a.Repositories {
		if a.Repositories[i] != b.Repositories[i] {
			return false
		}
	}
	for i := range a.Functions {
		if a.Functions[i] != b.Functions[i] {
			return false
		}
	}
	return true
}

var upgrader = websocket.Upgrader{}

func TestAuthenticateSucceedsOnAuthOK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, token, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read token: %v", err)
			return
		}
		if string(token) != "secret-token" {
			t.Errorf("expected token secret-token, got %q", string(token))
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("auth-ok"))
	}))
	defer server.Close()

	session := dialTestServer(t, server)
	defer session.Close()

	if err := session.Authenticate("secret-token"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAuthenticateFailsOnRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			t.Errorf("read token: %v", err)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("auth-failed"))
	}))
	defer server.Close()

	session := dialTestServer(t, server)
	defer session.Close()

	if err := session.Authenticate("bad-token"); err == nil {
		t.Fatalf("expected authentication to fail")
	}
}

func TestNextDecodesScanRequestFromLiveConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("v1;repo-1;fn-1,fn-2"))
	}))
	defer server.Close()

	session := dialTestServer(t, server)
	defer session.Close()

	request, err := session.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if request.Repositories[0] != "repo-1" || len(request.Functions) != 2 {
		t.Fatalf("unexpected request: %+v", request)
	}
}

func dialTestServer(t *testing.T, server *httptest.Server) *Session {
	t.Helper()
	cfg := &config.Config{}
	cfg.Scheduler.BaseURL = strings.TrimPrefix(server.URL, "http://")

	session, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return session
}
