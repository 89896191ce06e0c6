package mqtt

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"anyrpc/protocol"
	"anyrpc/server"
)

// Server answers calls published for one service.
type Server struct {
	engine  *server.Server
	client  paho.Client
	service string
	qos     byte
	timeout time.Duration // for broker round trips

	wg sync.WaitGroup
}

func NewServer(engine *server.Server, client paho.Client, service string) *Server {
	return &Server{
		engine:  engine,
		client:  client,
		service: service,
		qos:     1,
		timeout: 5 * time.Second,
	}
}

// Start connects the MQTT client if needed and subscribes to the service's
// call topics.
func (s *Server) Start() error {
	if err := ensureConnected(s.client, s.timeout); err != nil {
		return err
	}

	filters := map[string]byte{
		callTopic(s.service, "+"): s.qos,
		sharedAnyTopic(s.service): s.qos,
	}
	token := s.client.SubscribeMultiple(filters, s.onMessage)
	if err := wait(token, s.timeout); err != nil {
		return errors.WithMessagef(err, "subscribe to %s", s.service)
	}
	log.Info().Str("service", s.service).Msg("mqtt: serving")
	return nil
}

// onMessage runs on the MQTT client's router and must not block.
func (s *Server) onMessage(_ paho.Client, msg paho.Message) {
	header, body, err := protocol.Unmarshal(msg.Payload())
	if err != nil {
		log.Debug().Err(err).Str("topic", msg.Topic()).Msg("mqtt: drop malformed frame")
		return
	}
	if header.MsgType != protocol.MsgTypeRequest {
		return
	}

	s.wg.Add(1)
	go s.handleRequest(extractTopicID(msg.Topic()), header, body)
}

func (s *Server) handleRequest(clientID string, header *protocol.Header, body []byte) {
	defer s.wg.Done()

	resp, err := s.engine.Dispatch(context.Background(), body)
	if err != nil {
		log.Debug().Err(err).Uint32("seq", header.Seq).Msg("mqtt: request failed")
		resp = s.engine.ErrorResponse(body, err)
	}
	if len(resp) == 0 {
		return
	}

	frame, err := protocol.Marshal(&protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, resp)
	if err != nil {
		log.Error().Err(err).Uint32("seq", header.Seq).Msg("mqtt: frame response")
		return
	}

	token := s.client.Publish(replyTopic(s.service, clientID), s.qos, false, frame)
	if err := wait(token, s.timeout); err != nil {
		log.Warn().Err(err).Str("client", clientID).Msg("mqtt: publish response")
	}
}

// Stop unsubscribes and waits for requests in flight, until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	token := s.client.Unsubscribe(callTopic(s.service, "+"), sharedAnyTopic(s.service))
	err := wait(token, s.timeout)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight requests")
	}
}

func ensureConnected(client paho.Client, timeout time.Duration) error {
	if client.IsConnected() {
		return nil
	}
	return errors.WithMessage(wait(client.Connect(), timeout), "connect to broker")
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.Errorf("mqtt: no broker acknowledgement within %s", timeout)
	}
	return token.Error()
}
