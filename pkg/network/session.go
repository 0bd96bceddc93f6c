package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

// SessionState is the position of a session in its request cycle
type SessionState int

const (
	StateAwaitingHeader SessionState = iota
	StateAwaitingPayload
	StateDispatch
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateDispatch:
		return "dispatch"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// errOversizePayload is returned when a header declares more than the
// configured maximum payload
var errOversizePayload = errors.New("payload exceeds limit")

// Session serves one accepted connection until it is closed
type Session struct {
	conn   net.Conn
	server *RelayServer
	log    *logrus.Entry
	state  SessionState

	requests int
}

func newSession(server *RelayServer, conn net.Conn) *Session {
	return &Session{
		conn:   conn,
		server: server,
		log:    server.log.WithField("remote", conn.RemoteAddr().String()),
		state:  StateAwaitingHeader,
	}
}

// State returns the current state
func (s *Session) State() SessionState {
	return s.state
}

// Serve runs the request loop. It always closes the connection before
// returning and never panics.
func (s *Session) Serve() {
	defer func() {
		if r := recover(); r != nil {
			s.server.metrics.RequestError(metrics.ErrorKindPanic)
			s.log.WithFields(logrus.Fields{
				"panic": fmt.Sprint(r),
				"state": s.state.String(),
				"stack": string(debug.Stack()),
			}).Error("Session panicked")
		}
		s.state = StateClosed
		s.conn.Close()
		s.log.WithField("requests", s.requests).Debug("Session closed")
	}()

	s.log.Debug("Session opened")

	for {
		s.state = StateAwaitingHeader
		header, err := s.readHeader()
		if err != nil {
			s.logReadError(err, "header")
			return
		}

		s.state = StateAwaitingPayload
		payload, err := s.readPayload(header.PayloadSize)
		if err != nil {
			s.logReadError(err, "payload")
			return
		}

		s.state = StateDispatch
		s.requests++
		if !s.dispatch(header, payload) {
			return
		}
	}
}

func (s *Session) readHeader() (*protocol.RequestHeader, error) {
	if err := s.setReadDeadline(); err != nil {
		return nil, err
	}
	return protocol.ReadRequestHeader(s.conn)
}

func (s *Session) readPayload(size uint32) ([]byte, error) {
	if limit := s.server.cfg.MaxPayloadSize; limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: %d > %d", errOversizePayload, size, limit)
	}
	if err := s.setReadDeadline(); err != nil {
		return nil, err
	}
	return protocol.ReadPayload(s.conn, size)
}

func (s *Session) setReadDeadline() error {
	if timeout := s.server.cfg.ReadTimeout; timeout > 0 {
		return s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	return nil
}

// reply writes one response frame
func (s *Session) reply(code uint16, payload []byte) error {
	if timeout := s.server.cfg.WriteTimeout; timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	return protocol.WriteResponse(s.conn, code, payload)
}

// replyError writes an ERROR frame with an empty payload
func (s *Session) replyError() error {
	return s.reply(protocol.CodeError, nil)
}

func (s *Session) logReadError(err error, stage string) {
	log := s.log.WithField("stage", stage)

	switch {
	case errors.Is(err, protocol.ErrShortHeader):
		log.Debug("Peer closed connection")
	case errors.Is(err, errOversizePayload):
		s.server.metrics.RequestError(metrics.ErrorKindOversize)
		log.WithField("error", err.Error()).Warn("Rejecting oversize request")
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.server.metrics.RequestError(metrics.ErrorKindTransport)
		log.Warn("Connection closed mid-payload")
	case isTimeout(err):
		s.server.metrics.RequestError(metrics.ErrorKindTransport)
		log.Info("Session timed out")
	case errors.Is(err, net.ErrClosed):
		log.Debug("Connection closed")
	default:
		s.server.metrics.RequestError(metrics.ErrorKindTransport)
		log.WithField("error", err.Error()).Warn("Read failed")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
