package coapserver

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	udpmessage "github.com/plgd-dev/go-coap/v2/udp/message"
	"github.com/plgd-dev/go-coap/v2/udp/message/pool"

	"github.com/coap-dtls/gateway/gateway"
	"github.com/coap-dtls/gateway/internal/endpoint"
)

func buildCoAPRequest(t *testing.T, code codes.Code, path string, body []byte) []byte {
	t.Helper()
	msg := pool.AcquireMessage(context.Background())
	msg.SetType(udpmessage.Confirmable)
	msg.SetMessageID(1)
	msg.SetToken(message.Token{0x1})
	msg.SetCode(code)
	msg.SetPath(path)
	if body != nil {
		msg.SetContentFormat(message.AppJSON)
		msg.SetBody(bytes.NewReader(body))
	}
	b, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal request: %v", err)
	}
	return b
}

func TestBridgeProxiesGETToBackend(t *testing.T) {
	var gotPath string
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"t1","value":21.5}`))
	})
	b := NewBridge(backend)

	reqBytes := buildCoAPRequest(t, codes.GET, "/devices/therm01/sensors/t1", nil)
	info := gateway.ConnectionInfo{Endpoint: endpointFromString(t, "10.0.0.5:5684")}

	respBytes, err := b.ProcessRequest(context.Background(), info, reqBytes)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}

	if gotPath != "/devices/therm01/sensors/t1" {
		t.Errorf("backend saw path %q, want /devices/therm01/sensors/t1", gotPath)
	}

	resp := pool.AcquireMessage(context.Background())
	if _, err := resp.Unmarshal(respBytes); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Code() != codes.Content {
		t.Errorf("response code = %v, want %v", resp.Code(), codes.Content)
	}
	if resp.MessageID() != 1 {
		t.Errorf("response message id = %d, want 1", resp.MessageID())
	}
}

func TestBridgeExpandsCompressedPathOnTheWayIn(t *testing.T) {
	var gotPath string
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	b := NewBridge(backend)

	// The enum-compressed equivalent of /devices/therm01/sensors/t1.
	reqBytes := buildCoAPRequest(t, codes.GET, "/3/therm01/t1", nil)
	info := gateway.ConnectionInfo{Endpoint: endpointFromString(t, "10.0.0.5:5684")}

	if _, err := b.ProcessRequest(context.Background(), info, reqBytes); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	if gotPath != "/devices/therm01/sensors/t1" {
		t.Errorf("backend saw path %q, want expanded /devices/therm01/sensors/t1", gotPath)
	}
}

func TestBridgeReturnsBadRequestForUnroutableMethod(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend should not have been invoked")
	})
	b := NewBridge(backend)

	reqBytes := buildCoAPRequest(t, codes.Code(0), "/status", nil)
	info := gateway.ConnectionInfo{Endpoint: endpointFromString(t, "10.0.0.5:5684")}

	respBytes, err := b.ProcessRequest(context.Background(), info, reqBytes)
	if err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	resp := pool.AcquireMessage(context.Background())
	if _, err := resp.Unmarshal(respBytes); err != nil {
		t.Fatalf("Unmarshal response: %v", err)
	}
	if resp.Code() != codes.BadRequest {
		t.Errorf("response code = %v, want %v", resp.Code(), codes.BadRequest)
	}
}

func endpointFromString(t *testing.T, addr string) endpoint.Endpoint {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("ResolveUDPAddr: %v", err)
	}
	return endpoint.FromUDPAddr(a)
}
