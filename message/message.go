// Package message defines the request and response envelopes that travel as
// frame payloads.
//
// Envelopes are serialized by the codec selected in the frame header, while
// the parameter values themselves are pre-encoded into Payload by the caller.
// This two-stage encoding lets the receiving side decode parameters into its
// own typed values without reflecting over the envelope.
package message

import "sync"

// KeySeparator joins the parts of the composite identity interface#group#version.
const KeySeparator = "#"

// Attachment keys understood by the framework itself.
const (
	AttachTraceID = "traceId"
	AttachSpanID  = "spanId"
)

// Extension keys carried in responses.
const (
	ExtErrorCode  = "errorCode"
	ExtRetryAfter = "retryAfter"
)

// Request is the client→server envelope.
//
// Attachments cross the wire (trace propagation, caller metadata). The
// transient attribute map does not: it is per-process scratch space for
// interceptors, populated on whichever side holds the request.
type Request struct {
	Interface   string            `json:"interface" msgpack:"interface" cbor:"interface"`
	Method      string            `json:"method" msgpack:"method" cbor:"method"`
	ParamTypes  []string          `json:"paramTypes,omitempty" msgpack:"paramTypes,omitempty" cbor:"paramTypes,omitempty"`
	Payload     []byte            `json:"payload,omitempty" msgpack:"payload,omitempty" cbor:"payload,omitempty"`
	Version     string            `json:"version,omitempty" msgpack:"version,omitempty" cbor:"version,omitempty"`
	Group       string            `json:"group,omitempty" msgpack:"group,omitempty" cbor:"group,omitempty"`
	Token       string            `json:"token,omitempty" msgpack:"token,omitempty" cbor:"token,omitempty"`
	ClientAddr  string            `json:"clientAddr,omitempty" msgpack:"clientAddr,omitempty" cbor:"clientAddr,omitempty"`
	TimestampMs int64             `json:"timestampMs,omitempty" msgpack:"timestampMs,omitempty" cbor:"timestampMs,omitempty"`
	Attachments map[string]string `json:"attachments,omitempty" msgpack:"attachments,omitempty" cbor:"attachments,omitempty"`

	// Params holds the still-typed parameter values on the caller side so
	// balancers can key on the first parameter. Never serialized.
	Params []any `json:"-" msgpack:"-" cbor:"-"`

	wireCodec byte

	attrMu sync.Mutex
	attrs  map[string]any
}

// ServiceKey returns the composite identity interface#group#version used for
// registration, discovery, and dispatch.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.Interface, r.Group, r.Version)
}

// MethodKey returns serviceKey#method, the identity used for per-method rate
// limiting and metrics.
func (r *Request) MethodKey() string {
	return r.ServiceKey() + KeySeparator + r.Method
}

// ServiceKey builds the composite identity from its parts.
func ServiceKey(iface, group, version string) string {
	return iface + KeySeparator + group + KeySeparator + version
}

// FirstParam returns the first still-typed parameter value, or nil.
func (r *Request) FirstParam() any {
	if len(r.Params) == 0 {
		return nil
	}
	return r.Params[0]
}

// SetAttachment stores a wire-carried metadata entry.
func (r *Request) SetAttachment(key, value string) {
	if r.Attachments == nil {
		r.Attachments = make(map[string]string, 4)
	}
	r.Attachments[key] = value
}

// Attachment reads a wire-carried metadata entry.
func (r *Request) Attachment(key string) (string, bool) {
	v, ok := r.Attachments[key]
	return v, ok
}

// SetAttr stores a transient attribute. Attributes are never serialized.
func (r *Request) SetAttr(key string, value any) {
	r.attrMu.Lock()
	if r.attrs == nil {
		r.attrs = make(map[string]any, 4)
	}
	r.attrs[key] = value
	r.attrMu.Unlock()
}

// Attr reads a transient attribute.
func (r *Request) Attr(key string) (any, bool) {
	r.attrMu.Lock()
	v, ok := r.attrs[key]
	r.attrMu.Unlock()
	return v, ok
}

// StrAttr reads a transient attribute as a string, returning "" when the
// attribute is absent or not a string.
func (r *Request) StrAttr(key string) string {
	v, ok := r.Attr(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetWireCodec records the codec tag of the frame that carried this request.
// The server populates it so handlers can decode Payload with the same codec.
func (r *Request) SetWireCodec(tag byte) { r.wireCodec = tag }

// WireCodec returns the codec tag of the carrying frame.
func (r *Request) WireCodec() byte { return r.wireCodec }

// Response is the server→client envelope. Code follows the rpcerror status
// codes; Extensions carry diagnostic codes and retry hints.
type Response struct {
	Code       int32             `json:"code" msgpack:"code" cbor:"code"`
	Message    string            `json:"message,omitempty" msgpack:"message,omitempty" cbor:"message,omitempty"`
	Payload    []byte            `json:"payload,omitempty" msgpack:"payload,omitempty" cbor:"payload,omitempty"`
	Extensions map[string]string `json:"extensions,omitempty" msgpack:"extensions,omitempty" cbor:"extensions,omitempty"`
}

// SetExtension stores an extension entry on the response.
func (p *Response) SetExtension(key, value string) {
	if p.Extensions == nil {
		p.Extensions = make(map[string]string, 2)
	}
	p.Extensions[key] = value
}

// Extension reads an extension entry.
func (p *Response) Extension(key string) (string, bool) {
	v, ok := p.Extensions[key]
	return v, ok
}

// Fail marks the response as failed with the given code and message and drops
// any payload set so far.
func (p *Response) Fail(code int32, msg string) {
	p.Code = code
	p.Message = msg
	p.Payload = nil
}
