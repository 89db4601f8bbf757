package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/stream"
)

// frameWriter serializes writes to one socket. The frame loop and the
// event forwarder write concurrently.
type frameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *frameWriter) writeText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsutil.WriteServerText(w.conn, data)
}

func (w *frameWriter) writeBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wsutil.WriteServerBinary(w.conn, data)
}

// Server accepts WebSocket connections, authenticates them, and runs
// the frame loop: requests dispatch to the engine through a Handler,
// and broker events stream back as event frames.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator sets the authenticator. Defaults to accepting all
// tokens with a wildcard identity.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithDefaultCodec sets the codec used when a client does not request
// a format during auth.
func WithDefaultCodec(c Codec) ServerOption {
	return func(s *Server) { s.defaultCodec = c }
}

// NewServer creates a wire server over the given broker and handler.
func NewServer(broker *stream.Broker, handler *Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: &JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = &NoopAuthenticator{}
	}
	return s
}

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request to a WebSocket and runs the frame
// loop until the peer disconnects. Mount it on any mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	// The request context dies when ServeHTTP returns; the hijacked
	// connection outlives it.
	go s.serve(context.WithoutCancel(r.Context()), conn)
}

// serve runs one connection's auth handshake and frame loop.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := id.NewSessionID().String()
	s.logger.Info("wire connected", slog.String("conn_id", connID))

	w := &frameWriter{conn: conn}
	wc, codec, err := s.handshake(conn, w, connID)
	if err != nil {
		s.logger.Warn("wire handshake failed",
			slog.String("conn_id", connID),
			slog.String("error", err.Error()),
		)
		return
	}

	s.conns.Add(wc)
	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.conns.Remove(connID)
		s.logger.Info("wire disconnected", slog.String("conn_id", connID))
	}()

	// Forward broker events to the socket for the lifetime of the
	// connection. Subscribe with no topics; the frame loop attaches
	// topics on subscribe requests.
	sub := s.broker.Subscribe(connID)
	go s.forwardEvents(w, codec, sub)

	s.frameLoop(ctx, conn, w, wc, codec, sub)
}

// handshake reads the auth frame, authenticates, and negotiates the
// codec. Auth frames are always JSON.
func (s *Server) handshake(conn net.Conn, w *frameWriter, connID string) (*Connection, Codec, error) {
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("read auth frame: %w", err)
	}

	var authFrame Frame
	if err := json.Unmarshal(data, &authFrame); err != nil {
		s.writeJSON(w, NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return nil, nil, fmt.Errorf("unmarshal auth frame: %w", err)
	}
	if authFrame.Method != MethodAuth {
		s.writeJSON(w, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return nil, nil, fmt.Errorf("expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			s.writeJSON(w, NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return nil, nil, err
		}
	}

	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	identity, err := s.auth.Authenticate(context.Background(), token)
	if err != nil {
		s.writeJSON(w, NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return nil, nil, fmt.Errorf("auth failed: %w", err)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	resp, err := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal auth response: %w", err)
	}
	// The auth response is still JSON; the negotiated codec applies
	// from the next frame onward.
	if err := s.writeJSON(w, resp); err != nil {
		return nil, nil, err
	}

	s.logger.Info("wire authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", identity.Subject),
		slog.String("codec", codec.Name()),
	)
	return NewConnection(connID, identity, codec), codec, nil
}

// frameLoop processes incoming frames until the peer disconnects.
func (s *Server) frameLoop(ctx context.Context, conn net.Conn, w *frameWriter, wc *Connection, codec Codec, sub *stream.Subscriber) {
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		wc.Touch()

		frame, err := codec.Decode(data)
		if err != nil {
			s.writeFrame(w, codec, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+err.Error()))
			continue
		}

		if frame.Type == FramePing {
			s.writeFrame(w, codec, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: frame.Timestamp,
			})
			continue
		}

		if frame.Method != "" {
			reqScope := RequiredScope(frame.Method)
			if reqScope != "" && !wc.Identity.HasScope(reqScope) {
				s.writeFrame(w, codec, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions"))
				continue
			}
		}

		// Credit replenishment frames carry no method.
		if frame.Credits > 0 && frame.Method == "" {
			sub.AddCredits(int64(frame.Credits))
			continue
		}

		resp := s.handler.Handle(ctx, frame)
		if resp == nil {
			continue
		}

		// Subscribe/unsubscribe take effect after a successful response.
		if resp.Type == FrameResponse {
			switch frame.Method {
			case MethodSubscribe:
				var req SubscribeRequest
				if json.Unmarshal(frame.Data, &req) == nil {
					s.broker.SubscribeTo(wc.ID, req.Topic)
					wc.AddTopic(req.Topic)
					if req.Credits > 0 {
						sub.AddCredits(int64(req.Credits))
					}
				}
			case MethodUnsubscribe:
				var req UnsubscribeRequest
				if json.Unmarshal(frame.Data, &req) == nil {
					s.broker.Unsubscribe(wc.ID, req.Topic)
					wc.RemoveTopic(req.Topic)
				}
			}
		}

		if err := s.writeFrame(w, codec, resp); err != nil {
			s.logger.Warn("write response frame", slog.String("error", err.Error()))
			return
		}
	}
}

// forwardEvents drains the subscriber channel into event frames.
func (s *Server) forwardEvents(w *frameWriter, codec Codec, sub *stream.Subscriber) {
	for evt := range sub.C() {
		frame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := s.writeFrame(w, codec, frame); err != nil {
			return // Connection gone.
		}
	}
}

// writeFrame encodes and writes a frame using the negotiated codec.
// Text opcode for JSON, binary for everything else.
func (s *Server) writeFrame(w *frameWriter, codec Codec, frame *Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return err
	}
	if codec.Name() == CodecNameJSON {
		return w.writeText(data)
	}
	return w.writeBinary(data)
}

func (s *Server) writeJSON(w *frameWriter, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return w.writeText(data)
}
