package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"anyrpc/codec"
	"anyrpc/message"
)

// Logging logs every dispatched request with its function, call ID and
// duration. Requests are decoded with the given codec only to name them.
func Logging(codecType codec.CodecType) Middleware {
	c := codec.GetCodec(codecType)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			level := zerolog.DebugLevel
			if err != nil {
				level = zerolog.WarnLevel
			}
			ev := log.WithLevel(level).
				Dur("duration", time.Since(start)).
				Int("request_bytes", len(req)).
				Int("response_bytes", len(resp))
			if callID, functionID, perr := message.DecodeRequestPrefix(c, req); perr == nil {
				ev = ev.Str("function", functionID).Uint32("call_id", callID)
			}
			if err != nil {
				ev = ev.Err(err)
			}
			ev.Msg("dispatch")
			return resp, err
		}
	}
}
