package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "tgload/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// slowRequest promotes the completion log line from debug to info.
const slowRequest = 750 * time.Millisecond

// guard wraps h for execution on a worker: it bounds the run by timeout
// (when positive), turns panics into errors and logs the outcome.
func guard(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				req.Logger.Error("handler panic", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", p)
			}
			logOutcome(req, time.Since(start), err)
		}()
		return h(ctx, req)
	}
}

func logOutcome(req *Request, took time.Duration, err error) {
	log := req.Logger.With(logx.Duration("dur", took))
	switch {
	case err != nil:
		log.Warn("request failed", logx.Err(err))
	case took >= slowRequest:
		log.Info("request done")
	default:
		log.Debug("request done")
	}
}
