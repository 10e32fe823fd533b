package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"remoting/message"
)

// Logging logs every call with its duration; failures are logged at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod()),
				zap.Uint64("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if caller := req.Metadata[message.MetaCallerID]; caller != "" {
				fields = append(fields, zap.String("caller", caller))
			}
			if err := resp.Err(); err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return resp
			}
			logger.Debug("call served", fields...)
			return resp
		}
	}
}
