package interceptor

import (
	"net"

	"flux-rpc/message"
	"flux-rpc/ratelimit"
	"flux-rpc/rpcerror"
)

// retryAfterHint is the seconds hint stamped on throttled responses.
const retryAfterHint = "1"

// RateLimit meters requests on four dimensions, broad to narrow: caller IP,
// authenticated user, whole service, single method. The first dimension to
// reject wins; the verdict names it so operators can tell a hot client from
// a hot method.
type RateLimit struct {
	limits *ratelimit.Manager
}

func NewRateLimit(m *ratelimit.Manager) *RateLimit {
	return &RateLimit{limits: m}
}

func (r *RateLimit) Name() string  { return "ratelimit" }
func (r *RateLimit) Priority() int { return PriorityRateLimit }

func (r *RateLimit) PreProcess(req *message.Request, resp *message.Response) bool {
	if r.limits == nil {
		return true
	}
	service := req.ServiceKey()
	if ip := clientIP(req.ClientAddr); ip != "" && !r.limits.CheckIP(ip) {
		return r.reject(resp, "ip "+ip)
	}
	if user := req.StrAttr(AttrPrincipal); user != "" && !r.limits.CheckUser(user) {
		return r.reject(resp, "user "+user)
	}
	if !r.limits.CheckService(service) {
		return r.reject(resp, "service "+service)
	}
	if !r.limits.CheckMethod(service, req.Method) {
		return r.reject(resp, "method "+req.Method)
	}
	return true
}

func (r *RateLimit) PostProcess(*message.Request, *message.Response) {}

func (r *RateLimit) OnError(*message.Request, *message.Response, error) {}

func (r *RateLimit) reject(resp *message.Response, dimension string) bool {
	resp.Fail(rpcerror.CodeRateLimited, "rate limit exceeded for "+dimension)
	resp.SetExtension(message.ExtRetryAfter, retryAfterHint)
	return false
}

// clientIP strips the port so one client maps to one limiter no matter how
// many connections it opens.
func clientIP(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
