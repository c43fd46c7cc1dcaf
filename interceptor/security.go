package interceptor

import (
	"errors"

	"go.uber.org/zap"

	"flux-rpc/auth"
	"flux-rpc/message"
	"flux-rpc/rpcerror"
)

// Security authenticates and authorizes every request before dispatch.
// Public services bypass the token demand entirely. On success the
// authenticated principal is published under AttrPrincipal so the rate
// limiter can meter per user.
type Security struct {
	auth *auth.Manager
	log  *zap.Logger
}

func NewSecurity(m *auth.Manager, log *zap.Logger) *Security {
	if log == nil {
		log = zap.NewNop()
	}
	return &Security{auth: m, log: log.Named("security")}
}

func (s *Security) Name() string  { return "security" }
func (s *Security) Priority() int { return PrioritySecurity }

func (s *Security) PreProcess(req *message.Request, resp *message.Response) bool {
	if s.auth == nil || s.auth.IsPublic(req.Interface) {
		return true
	}
	ac, err := s.auth.Authenticate(req.Token, req.Interface)
	if err != nil {
		s.reject(req, resp, err)
		return false
	}
	if err := s.auth.Authorize(ac, req.Method); err != nil {
		s.reject(req, resp, err)
		return false
	}
	req.SetAttr(AttrPrincipal, ac.Principal)
	return true
}

func (s *Security) PostProcess(*message.Request, *message.Response) {}

func (s *Security) OnError(*message.Request, *message.Response, error) {}

func (s *Security) reject(req *message.Request, resp *message.Response, err error) {
	resp.Fail(rpcerror.StatusCode(err), err.Error())
	var ae *auth.Error
	if errors.As(err, &ae) {
		resp.SetExtension(message.ExtErrorCode, ae.Code)
	}
	s.log.Warn("request denied",
		zap.String("method", req.MethodKey()),
		zap.String("client", req.ClientAddr),
		zap.Error(err))
}
