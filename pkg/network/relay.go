// Package network implements the mailbox relay server, its per-connection
// sessions and a client for the same wire protocol.
package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/config"
	"github.com/ZentaChain/zentalk-mailbox/pkg/logging"
	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

var (
	ErrAlreadyStarted = errors.New("relay already started")
	ErrNotStarted     = errors.New("relay not started")
)

// RelayServer accepts client connections and serves each one in its own
// goroutine. The registry and queue are the only state shared between
// sessions.
type RelayServer struct {
	cfg      config.RelayConfig
	registry *storage.ClientRegistry
	queue    storage.MessageStore
	metrics  *metrics.Metrics
	log      *logrus.Entry

	listener manet.Listener
	sessions chan struct{} // Semaphore, nil when unbounded
	conns    map[net.Conn]struct{}
	closing  bool
	mu       sync.Mutex
	wg       sync.WaitGroup

	startTime time.Time

	// Statistics
	sessionsAccepted atomic.Uint64
	requestsHandled  atomic.Uint64
	messagesQueued   atomic.Uint64
	messagesDrained  atomic.Uint64
}

// RelayStats is a snapshot of relay activity
type RelayStats struct {
	ListenAddr       string  `json:"listenAddr"`
	Uptime           float64 `json:"uptimeSeconds"`
	ActiveSessions   int     `json:"activeSessions"`
	SessionsAccepted uint64  `json:"sessionsAccepted"`
	RequestsHandled  uint64  `json:"requestsHandled"`
	MessagesQueued   uint64  `json:"messagesQueued"`
	MessagesDrained  uint64  `json:"messagesDrained"`
	PendingMessages  int     `json:"pendingMessages"`
	Clients          int     `json:"registeredClients"`
	PullEnabled      bool    `json:"pullEnabled"`
}

// NewRelayServer creates a relay serving registry and queue. m and logger
// may be nil.
func NewRelayServer(cfg config.RelayConfig, registry *storage.ClientRegistry, queue storage.MessageStore, m *metrics.Metrics, logger logrus.FieldLogger) *RelayServer {
	rs := &RelayServer{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		metrics:  m,
		log:      logging.Component(logger, "relay"),
		conns:    make(map[net.Conn]struct{}),
	}
	if cfg.MaxSessions > 0 {
		rs.sessions = make(chan struct{}, cfg.MaxSessions)
	}
	return rs
}

// Start listens on the configured address and begins accepting
func (rs *RelayServer) Start() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener != nil {
		return ErrAlreadyStarted
	}

	maddr, err := rs.cfg.ListenMultiaddr()
	if err != nil {
		return fmt.Errorf("relay listen address: %w", err)
	}

	listener, err := manet.Listen(maddr)
	if err != nil {
		return fmt.Errorf("relay listen on %s: %w", maddr, err)
	}

	rs.listener = listener
	rs.closing = false
	rs.startTime = time.Now()

	rs.log.WithFields(logrus.Fields{
		"addr":         listener.Multiaddr().String(),
		"max_sessions": rs.cfg.MaxSessions,
		"pull":         rs.cfg.EnablePull,
	}).Info("Relay server listening")

	rs.wg.Add(1)
	go rs.acceptLoop()

	return nil
}

// Stop closes the listener and every live session, then waits for all
// session goroutines to exit
func (rs *RelayServer) Stop() error {
	rs.mu.Lock()
	if rs.listener == nil {
		rs.mu.Unlock()
		return ErrNotStarted
	}
	rs.closing = true
	err := rs.listener.Close()
	for conn := range rs.conns {
		conn.Close()
	}
	rs.mu.Unlock()

	rs.wg.Wait()

	rs.mu.Lock()
	rs.listener = nil
	rs.mu.Unlock()

	rs.log.Info("Relay server stopped")

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, or nil before Start
func (rs *RelayServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener == nil {
		return nil
	}
	return rs.listener.Addr()
}

// Multiaddr returns the bound address as a multiaddr, or nil before Start
func (rs *RelayServer) Multiaddr() ma.Multiaddr {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.listener == nil {
		return nil
	}
	return rs.listener.Multiaddr()
}

// Registry returns the client registry the relay serves
func (rs *RelayServer) Registry() *storage.ClientRegistry {
	return rs.registry
}

// Queue returns the message store the relay serves
func (rs *RelayServer) Queue() storage.MessageStore {
	return rs.queue
}

// Stats returns relay statistics
func (rs *RelayServer) Stats() RelayStats {
	rs.mu.Lock()
	stats := RelayStats{
		ActiveSessions: len(rs.conns),
		PullEnabled:    rs.cfg.EnablePull,
	}
	if rs.listener != nil {
		stats.ListenAddr = rs.listener.Multiaddr().String()
		stats.Uptime = time.Since(rs.startTime).Seconds()
	}
	rs.mu.Unlock()

	stats.SessionsAccepted = rs.sessionsAccepted.Load()
	stats.RequestsHandled = rs.requestsHandled.Load()
	stats.MessagesQueued = rs.messagesQueued.Load()
	stats.MessagesDrained = rs.messagesDrained.Load()
	stats.Clients = rs.registry.Count()

	if pending, err := rs.queue.Len(); err == nil {
		stats.PendingMessages = pending
	}

	return stats
}

func (rs *RelayServer) isClosing() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.closing
}

// acquireSession takes a session slot without blocking
func (rs *RelayServer) acquireSession() bool {
	if rs.sessions == nil {
		return true
	}
	select {
	case rs.sessions <- struct{}{}:
		return true
	default:
		return false
	}
}

func (rs *RelayServer) releaseSession() {
	if rs.sessions != nil {
		<-rs.sessions
	}
}

// trackConn records a live connection. It fails once Stop has begun.
func (rs *RelayServer) trackConn(conn net.Conn) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closing {
		return false
	}
	rs.conns[conn] = struct{}{}
	rs.wg.Add(1)
	rs.sessionsAccepted.Add(1)
	return true
}

func (rs *RelayServer) untrackConn(conn net.Conn) {
	rs.mu.Lock()
	delete(rs.conns, conn)
	rs.mu.Unlock()
}
