// Package websocket carries framed envelopes over WebSocket connections. Each
// binary message holds exactly one protocol frame, so no stream reassembly is
// needed.
package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"anyrpc/protocol"
	"anyrpc/server"
)

var errNonBinaryMessage = errors.New("websocket: message is not binary")

// Handler upgrades HTTP requests to WebSocket connections and serves calls
// on them. Mount it on any mux.
type Handler struct {
	engine *server.Server
	opts   *websocket.AcceptOptions
	wg     sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler serves engine. opts may be nil.
func NewHandler(engine *server.Server, opts *websocket.AcceptOptions) *Handler {
	return &Handler{engine: engine, opts: opts}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket: upgrade failed")
		return
	}
	ws.SetReadLimit(int64(protocol.HeaderSize) + int64(protocol.MaxBodySize))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		header, body, err := readFrame(ctx, ws)
		if err != nil {
			if errors.Is(err, errNonBinaryMessage) {
				_ = ws.Close(websocket.StatusUnsupportedData, "binary frames only")
				return
			}
			log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket: connection done")
			_ = ws.Close(websocket.StatusNormalClosure, "")
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		h.wg.Add(1)
		go h.handleRequest(ctx, ws, header, body)
	}
}

func (h *Handler) handleRequest(ctx context.Context, ws *websocket.Conn, header *protocol.Header, body []byte) {
	defer h.wg.Done()

	resp, err := h.engine.Dispatch(ctx, body)
	if err != nil {
		log.Debug().Err(err).Uint32("seq", header.Seq).Msg("websocket: request failed")
		resp = h.engine.ErrorResponse(body, err)
	}
	if len(resp) == 0 {
		return
	}

	reply := &protocol.Header{CodecType: header.CodecType, MsgType: protocol.MsgTypeResponse, Seq: header.Seq}
	if err := writeFrame(ctx, ws, reply, resp); err != nil {
		log.Debug().Err(err).Uint32("seq", header.Seq).Msg("websocket: write response")
	}
}

// Wait blocks until all requests in flight have been answered.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func readFrame(ctx context.Context, ws *websocket.Conn) (*protocol.Header, []byte, error) {
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	if typ != websocket.MessageBinary {
		return nil, nil, errNonBinaryMessage
	}
	return protocol.Unmarshal(data)
}

// writeFrame is safe for concurrent use; the connection serializes messages.
func writeFrame(ctx context.Context, ws *websocket.Conn, h *protocol.Header, body []byte) error {
	data, err := protocol.Marshal(h, body)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageBinary, data)
}
