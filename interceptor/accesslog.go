package interceptor

import (
	"strconv"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/message"
)

// attrStartMs carries the dispatch start time between Pre and Post.
const attrStartMs = "accesslog.startMs"

// AccessLog writes one line per request with its outcome and latency. It
// sits at the tail of the chain so the measured time covers only requests
// that passed security and rate limiting.
type AccessLog struct {
	log   *zap.Logger
	clock clockwork.Clock
}

func NewAccessLog(log *zap.Logger) *AccessLog {
	return NewAccessLogWithClock(log, clockwork.NewRealClock())
}

func NewAccessLogWithClock(log *zap.Logger, clock clockwork.Clock) *AccessLog {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccessLog{log: log.Named("access"), clock: clock}
}

func (a *AccessLog) Name() string  { return "accesslog" }
func (a *AccessLog) Priority() int { return PriorityAccessLog }

func (a *AccessLog) PreProcess(req *message.Request, _ *message.Response) bool {
	req.SetAttr(attrStartMs, strconv.FormatInt(a.clock.Now().UnixMilli(), 10))
	return true
}

func (a *AccessLog) PostProcess(req *message.Request, resp *message.Response) {
	a.log.Info("request served",
		zap.String("method", req.MethodKey()),
		zap.String("client", req.ClientAddr),
		zap.Int32("code", resp.Code),
		zap.Int64("durationMs", a.elapsedMs(req)))
}

func (a *AccessLog) OnError(req *message.Request, resp *message.Response, err error) {
	a.log.Error("request failed",
		zap.String("method", req.MethodKey()),
		zap.String("client", req.ClientAddr),
		zap.Int32("code", resp.Code),
		zap.Int64("durationMs", a.elapsedMs(req)),
		zap.Error(err))
}

func (a *AccessLog) elapsedMs(req *message.Request) int64 {
	start, err := strconv.ParseInt(req.StrAttr(attrStartMs), 10, 64)
	if err != nil {
		return 0
	}
	return a.clock.Now().UnixMilli() - start
}
