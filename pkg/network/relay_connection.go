package network

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

// acceptLoop accepts incoming connections until the listener closes
func (rs *RelayServer) acceptLoop() {
	defer rs.wg.Done()

	var backoff time.Duration
	for {
		conn, err := rs.listener.Accept()
		if err != nil {
			if rs.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			if isTimeout(err) {
				backoff = nextBackoff(backoff)
				rs.log.WithFields(logrus.Fields{
					"error": err.Error(),
					"retry": backoff.String(),
				}).Warn("Accept failed, retrying")
				time.Sleep(backoff)
				continue
			}
			rs.log.WithField("error", err.Error()).Error("Accept failed")
			return
		}
		backoff = 0

		if !rs.acquireSession() {
			rs.metrics.RequestError(metrics.ErrorKindSessionLimit)
			rs.log.WithFields(logrus.Fields{
				"remote": conn.RemoteAddr().String(),
				"limit":  rs.cfg.MaxSessions,
			}).Warn("Session limit reached, dropping connection")
			conn.Close()
			continue
		}

		if !rs.trackConn(conn) {
			rs.releaseSession()
			conn.Close()
			return
		}

		go rs.handleConnection(conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// handleConnection runs one session and releases its resources
func (rs *RelayServer) handleConnection(conn net.Conn) {
	defer rs.wg.Done()
	defer rs.untrackConn(conn)
	defer rs.releaseSession()

	rs.metrics.SessionOpened()
	defer rs.metrics.SessionClosed()

	newSession(rs, conn).Serve()
}

// dispatch handles one request. It reports whether the session stays open.
func (s *Session) dispatch(header *protocol.RequestHeader, payload []byte) bool {
	s.server.metrics.Request(header.Code)
	s.server.requestsHandled.Add(1)

	if !header.ClientID.IsZero() {
		s.server.registry.Touch(header.ClientID)
	}

	s.log.WithFields(logrus.Fields{
		"client_id": header.ClientID.String(),
		"version":   header.Version,
		"code":      header.Code,
		"size":      header.PayloadSize,
	}).Debug("Request received")

	switch header.Code {
	case protocol.CodeRegister:
		return s.handleRegister(payload)

	case protocol.CodeClientList:
		return s.handleClientList(header)

	case protocol.CodePublicKeyRequest:
		return s.handlePublicKey(payload)

	case protocol.CodeSendMessage:
		return s.handleSendMessage(header, payload)

	case protocol.CodePullMessages:
		if s.server.cfg.EnablePull {
			return s.handlePullMessages(header)
		}
		return s.handleUnknown(header)

	default:
		return s.handleUnknown(header)
	}
}
