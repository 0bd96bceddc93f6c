package network

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mailbox/pkg/config"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

// panicQueue is a store whose Append panics
type panicQueue struct {
	*storage.MemoryQueue
}

func (panicQueue) Append(to, from protocol.ClientID, msgType uint8, content []byte) (uint32, error) {
	panic("store exploded")
}

// pipeSession serves one end of a net.Pipe and returns the other as a client
func pipeSession(t *testing.T, rs *RelayServer) (*Client, *Session, <-chan struct{}) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	session := newSession(rs, serverConn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Serve()
	}()

	client := NewClient(clientConn)
	t.Cleanup(func() { client.Close() })
	return client, session, done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("session did not exit")
	}
}

func TestSessionPanicIsolated(t *testing.T) {
	rs := NewRelayServer(config.Default().Relay, storage.NewClientRegistry(), panicQueue{storage.NewMemoryQueue()}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	healthy, _, healthyDone := pipeSession(t, rs)
	broken, session, brokenDone := pipeSession(t, rs)

	_, err := broken.SendMessage(ctx, protocol.ClientID{1}, protocol.MessageTypeText, []byte("boom"))
	assert.Error(t, err)
	waitDone(t, brokenDone)
	assert.Equal(t, StateClosed, session.State())

	_, err = healthy.Register(ctx, "survivor", protocol.PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Registry().Count())

	healthy.Close()
	waitDone(t, healthyDone)
}

func TestSessionPeerCloseBeforeHeader(t *testing.T) {
	rs := NewRelayServer(config.Default().Relay, storage.NewClientRegistry(), storage.NewMemoryQueue(), nil, nil)

	client, session, done := pipeSession(t, rs)
	client.Close()

	waitDone(t, done)
	assert.Equal(t, StateClosed, session.State())
}

func TestSessionsShareRegistry(t *testing.T) {
	rs := NewRelayServer(config.Default().Relay, storage.NewClientRegistry(), storage.NewMemoryQueue(), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	const clients = 8
	var wg sync.WaitGroup
	ids := make(chan protocol.ClientID, clients)

	for i := 0; i < clients; i++ {
		client, _, _ := pipeSession(t, rs)
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := client.Register(ctx, "peer", protocol.PublicKey{})
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[protocol.ClientID]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, clients)
	assert.Equal(t, clients, rs.Registry().Count())
}

func TestClientContextCancel(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	client := NewClient(clientConn)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Swallow the request, never reply
		buf := make([]byte, protocol.RequestHeaderSize)
		serverConn.Read(buf)
		cancel()
	}()

	_, err := client.ClientList(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientUnexpectedReply(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	client := NewClient(clientConn)
	defer client.Close()

	go func() {
		protocol.ReadRequestHeader(serverConn)
		protocol.WriteResponse(serverConn, protocol.CodeRegisterReply, make([]byte, protocol.ClientIDSize))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := client.ClientList(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedReply)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "awaiting_header", StateAwaitingHeader.String())
	assert.Equal(t, "awaiting_payload", StateAwaitingPayload.String())
	assert.Equal(t, "dispatch", StateDispatch.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}
