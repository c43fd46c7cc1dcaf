package message

import (
	"encoding/json"
	"testing"
)

func TestServiceKey(t *testing.T) {
	req := &Request{Interface: "hello", Group: "default", Version: "1.0", Method: "sayHello"}
	if got := req.ServiceKey(); got != "hello#default#1.0" {
		t.Fatalf("ServiceKey() = %q, want %q", got, "hello#default#1.0")
	}
	if got := req.MethodKey(); got != "hello#default#1.0#sayHello" {
		t.Fatalf("MethodKey() = %q", got)
	}
	if got := ServiceKey("hello", "", ""); got != "hello##" {
		t.Fatalf("ServiceKey with empty parts = %q", got)
	}
}

func TestParamsNeverSerialized(t *testing.T) {
	req := &Request{
		Interface: "echo",
		Method:    "Echo",
		Payload:   []byte(`{"text":"hi"}`),
		Params:    []any{"hi"},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Request
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Params != nil {
		t.Fatal("Params crossed the wire")
	}
	if string(back.Payload) != `{"text":"hi"}` {
		t.Fatalf("payload mangled: %q", back.Payload)
	}
}

func TestAttachmentsCrossWire(t *testing.T) {
	req := &Request{Interface: "echo", Method: "Echo"}
	req.SetAttachment(AttachTraceID, "abc123")
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Request
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := back.Attachment(AttachTraceID); !ok || v != "abc123" {
		t.Fatalf("attachment lost: %q %v", v, ok)
	}
}

func TestTransientAttrs(t *testing.T) {
	req := &Request{}
	if _, ok := req.Attr("identity"); ok {
		t.Fatal("attr present before set")
	}
	req.SetAttr("identity", 42)
	v, ok := req.Attr("identity")
	if !ok || v.(int) != 42 {
		t.Fatalf("attr round trip: %v %v", v, ok)
	}
}

func TestResponseExtensions(t *testing.T) {
	resp := &Response{Code: 200, Payload: []byte("x")}
	resp.SetExtension(ExtRetryAfter, "1")
	if v, ok := resp.Extension(ExtRetryAfter); !ok || v != "1" {
		t.Fatalf("extension round trip: %q %v", v, ok)
	}
	resp.Fail(429, "rate limit exceeded")
	if resp.Code != 429 || resp.Payload != nil {
		t.Fatalf("Fail() left response inconsistent: %+v", resp)
	}
}

func TestFirstParam(t *testing.T) {
	req := &Request{}
	if req.FirstParam() != nil {
		t.Fatal("expected nil first param")
	}
	req.Params = []any{"user123", 7}
	if got := req.FirstParam(); got != "user123" {
		t.Fatalf("FirstParam() = %v", got)
	}
}
