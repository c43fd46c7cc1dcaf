package interceptor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"flux-rpc/auth"
	"flux-rpc/message"
	"flux-rpc/ratelimit"
	"flux-rpc/rpcerror"
)

// stub records every hook invocation into a shared trace slice.
type stub struct {
	name       string
	priority   int
	allow      bool
	rejectCode int32
	trace      *[]string
}

func (s *stub) PreProcess(_ *message.Request, resp *message.Response) bool {
	*s.trace = append(*s.trace, "pre:"+s.name)
	if s.allow {
		return true
	}
	if s.rejectCode != 0 {
		resp.Fail(s.rejectCode, s.name+" says no")
	}
	return false
}

func (s *stub) PostProcess(*message.Request, *message.Response) {
	*s.trace = append(*s.trace, "post:"+s.name)
}

func (s *stub) OnError(*message.Request, *message.Response, error) {
	*s.trace = append(*s.trace, "err:"+s.name)
}

func (s *stub) Priority() int { return s.priority }
func (s *stub) Name() string  { return s.name }

func testRequest(iface, method string) *message.Request {
	return &message.Request{
		Interface:  iface,
		Method:     method,
		Version:    "1.0",
		Group:      "default",
		ClientAddr: "10.0.0.7:52114",
	}
}

func TestChainRunsByPriority(t *testing.T) {
	var trace []string
	c := NewChain(zaptest.NewLogger(t))
	// Registered out of order on purpose.
	c.Add(
		&stub{name: "c", priority: 30, allow: true, trace: &trace},
		&stub{name: "a", priority: 10, allow: true, trace: &trace},
		&stub{name: "b", priority: 20, allow: true, trace: &trace},
	)
	require.Equal(t, []string{"a", "b", "c"}, c.Names())

	req, resp := testRequest("user.service", "getUser"), &message.Response{}
	require.NoError(t, c.ApplyPre(req, resp))
	c.ApplyPost(req, resp)

	require.Equal(t, []string{"pre:a", "pre:b", "pre:c", "post:c", "post:b", "post:a"}, trace)
	t.Logf("✅ pre ran head to tail, post tail to head: %v", trace)
}

func TestChainShortCircuitKeepsVerdict(t *testing.T) {
	var trace []string
	c := NewChain(zaptest.NewLogger(t))
	c.Add(
		&stub{name: "a", priority: 10, allow: true, trace: &trace},
		&stub{name: "b", priority: 20, allow: false, rejectCode: rpcerror.CodeRateLimited, trace: &trace},
		&stub{name: "c", priority: 30, allow: true, trace: &trace},
	)

	req, resp := testRequest("user.service", "getUser"), &message.Response{}
	err := c.ApplyPre(req, resp)
	require.ErrorIs(t, err, rpcerror.ErrInterceptorRejected)
	require.Equal(t, []string{"pre:a", "pre:b"}, trace, "c must never see the request")
	require.Equal(t, rpcerror.CodeRateLimited, resp.Code)
	require.Equal(t, "b says no", resp.Message)
}

func TestChainFillsEmptyVerdict(t *testing.T) {
	var trace []string
	c := NewChain(zaptest.NewLogger(t))
	c.Add(&stub{name: "mute", priority: 10, allow: false, trace: &trace})

	resp := &message.Response{}
	err := c.ApplyPre(testRequest("user.service", "getUser"), resp)
	require.ErrorIs(t, err, rpcerror.ErrInterceptorRejected)
	require.Equal(t, rpcerror.CodeInternal, resp.Code)
	require.Contains(t, resp.Message, "mute")
}

func TestChainOnErrorRunsInReverse(t *testing.T) {
	var trace []string
	c := NewChain(zaptest.NewLogger(t))
	c.Add(
		&stub{name: "a", priority: 10, allow: true, trace: &trace},
		&stub{name: "b", priority: 20, allow: true, trace: &trace},
	)
	c.ApplyOnError(testRequest("user.service", "getUser"), &message.Response{}, errors.New("boom"))
	require.Equal(t, []string{"err:b", "err:a"}, trace)
}

// --- security ---

func newAuthManager(t *testing.T) *auth.Manager {
	t.Helper()
	m, err := auth.NewManager(auth.Config{Secret: "0123456789abcdef0123456789abcdef"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestSecurityPublicBypass(t *testing.T) {
	sec := NewSecurity(newAuthManager(t), zaptest.NewLogger(t))
	req, resp := testRequest("public.echo", "ping"), &message.Response{}
	require.True(t, sec.PreProcess(req, resp), "public services need no token")
}

func TestSecurityMissingToken(t *testing.T) {
	sec := NewSecurity(newAuthManager(t), zaptest.NewLogger(t))
	req, resp := testRequest("user.service", "getUser"), &message.Response{}
	require.False(t, sec.PreProcess(req, resp))
	require.Equal(t, rpcerror.CodeUnauthorized, resp.Code)
	code, _ := resp.Extension(message.ExtErrorCode)
	require.Equal(t, auth.CodeMissingToken, code)
}

func TestSecurityValidTokenStampsPrincipal(t *testing.T) {
	m := newAuthManager(t)
	token, err := m.Tokens().Issue("billing", []string{"admin"})
	require.NoError(t, err)

	sec := NewSecurity(m, zaptest.NewLogger(t))
	req, resp := testRequest("user.service", "getUser"), &message.Response{}
	req.Token = token
	require.True(t, sec.PreProcess(req, resp))
	require.Equal(t, "billing", req.StrAttr(AttrPrincipal))
	t.Logf("✅ authenticated principal published for downstream interceptors")
}

func TestSecurityInsufficientRole(t *testing.T) {
	m := newAuthManager(t)
	token, err := m.Tokens().Issue("reporting", []string{"read"})
	require.NoError(t, err)

	sec := NewSecurity(m, zaptest.NewLogger(t))
	req, resp := testRequest("user.service", "deleteUser"), &message.Response{}
	req.Token = token
	require.False(t, sec.PreProcess(req, resp))
	require.Equal(t, rpcerror.CodeUnauthorized, resp.Code)
	code, _ := resp.Extension(message.ExtErrorCode)
	require.Equal(t, auth.CodeInsufficientPermissions, code)
}

// --- rate limit ---

func TestRateLimitDeniesWithRetryAfter(t *testing.T) {
	// Burst of exactly one so the second request trips the IP limiter.
	limits := ratelimit.NewManager(ratelimit.Config{Rate: 0.001, Capacity: 1}, zaptest.NewLogger(t))
	rl := NewRateLimit(limits)

	req, resp := testRequest("user.service", "getUser"), &message.Response{}
	require.True(t, rl.PreProcess(req, resp))

	resp = &message.Response{}
	require.False(t, rl.PreProcess(req, resp))
	require.Equal(t, rpcerror.CodeRateLimited, resp.Code)
	require.Contains(t, resp.Message, "ip 10.0.0.7")
	after, _ := resp.Extension(message.ExtRetryAfter)
	require.Equal(t, retryAfterHint, after)
	t.Logf("✅ throttled with verdict %q", resp.Message)
}

func TestRateLimitMetersUserWhenAuthenticated(t *testing.T) {
	limits := ratelimit.NewManager(ratelimit.Config{Rate: 0.001, Capacity: 2}, zaptest.NewLogger(t))
	rl := NewRateLimit(limits)

	// Two distinct IPs, same principal: the user limiter is the shared one.
	for i := 0; i < 2; i++ {
		req := testRequest("user.service", "getUser")
		req.ClientAddr = fmt.Sprintf("10.0.0.%d:40000", i+1)
		req.SetAttr(AttrPrincipal, "billing")
		require.True(t, rl.PreProcess(req, &message.Response{}))
	}
	req := testRequest("user.service", "getUser")
	req.ClientAddr = "10.0.0.3:40000"
	req.SetAttr(AttrPrincipal, "billing")
	resp := &message.Response{}
	require.False(t, rl.PreProcess(req, resp))
	require.Contains(t, resp.Message, "user billing")
}

func TestRateLimitNilManagerWavesThrough(t *testing.T) {
	rl := NewRateLimit(nil)
	require.True(t, rl.PreProcess(testRequest("user.service", "getUser"), &message.Response{}))
}

func TestDefaultChainOrder(t *testing.T) {
	c := DefaultChain(nil, nil, zaptest.NewLogger(t))
	require.Equal(t, []string{"security", "ratelimit"}, c.Names())
}
