// Package rpcerror defines the error kinds shared by every layer of flux-rpc.
//
// Layers wrap these sentinels with fmt.Errorf("...: %w", kind) so that callers
// can classify failures with errors.Is without depending on the package that
// produced them. StatusCode maps an error back to the wire status carried in
// the response envelope.
package rpcerror

import "errors"

// Framing and serialization errors.
var (
	ErrProtocol           = errors.New("protocol violation")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownCodec       = errors.New("unknown codec tag")
	ErrUnknownCompressor  = errors.New("unknown compressor tag")
	ErrDecode             = errors.New("frame decode failed")
	ErrSerialization      = errors.New("serialization failed")
	ErrCompression        = errors.New("compression failed")
)

// Transport and pooling errors.
var (
	ErrTransport      = errors.New("transport failure")
	ErrConnectTimeout = errors.New("connect timeout")
	ErrRequestTimeout = errors.New("request timeout")
	ErrPoolSaturated  = errors.New("connection pool saturated")
	ErrPoolClosed     = errors.New("connection pool closed")
)

// Routing and admission errors.
var (
	ErrNoEndpoints         = errors.New("no endpoints available")
	ErrServiceNotFound     = errors.New("service not found")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrPermissionDenied    = errors.New("insufficient permissions")
	ErrInterceptorRejected = errors.New("rejected by interceptor")
	ErrSaturated           = errors.New("pending request limit reached")
	ErrExtensionNotFound   = errors.New("extension not found")
)

// ErrBusiness marks a failure raised by the invoked service method itself.
// Business failures are surfaced to the caller verbatim and are never retried.
var ErrBusiness = errors.New("business error")

// Status codes carried in the response envelope.
const (
	CodeOK           int32 = 200
	CodeUnauthorized int32 = 401
	CodeRateLimited  int32 = 429
	CodeInternal     int32 = 500
)

// StatusCode maps an error to the status code of the response reporting it.
// Authentication and authorization failures map to 401, rate limiting to 429,
// everything else to 500.
func StatusCode(err error) int32 {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrPermissionDenied):
		return CodeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
