package network

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mailbox/pkg/config"
	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
	"github.com/ZentaChain/zentalk-mailbox/pkg/storage"
)

const testTimeout = 5 * time.Second

func startRelay(t *testing.T, mutate func(*config.RelayConfig)) *RelayServer {
	t.Helper()

	cfg := config.Default().Relay
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	if mutate != nil {
		mutate(&cfg)
	}

	queue := storage.NewMemoryQueue()
	rs := NewRelayServer(cfg, storage.NewClientRegistry(), queue, metrics.New(), nil)
	require.NoError(t, rs.Start())

	t.Cleanup(func() {
		rs.Stop()
		queue.Close()
	})
	return rs
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func dialRelay(t *testing.T, rs *RelayServer) *Client {
	t.Helper()
	client, err := Dial(testContext(t), rs.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func rawConn(t *testing.T, rs *RelayServer) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", rs.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rawHeader(id protocol.ClientID, code uint16, size uint32) []byte {
	h := &protocol.RequestHeader{ClientID: id, Version: 2, Code: code, PayloadSize: size}
	return h.Encode()
}

// assertClosedWithoutReply expects the server to close conn without
// writing anything
func assertClosedWithoutReply(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	assert.Zero(t, n, "server wrote %x before closing", buf[:n])
	require.Error(t, err)
	assert.False(t, isTimeout(err), "connection was not closed")
}

// readReply reads one response frame from a raw connection
func readReply(t *testing.T, conn net.Conn) (*protocol.ResponseHeader, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	header, err := protocol.ReadResponseHeader(conn)
	require.NoError(t, err)
	payload, err := protocol.ReadPayload(conn, header.PayloadSize)
	require.NoError(t, err)
	return header, payload
}

func TestRegisterAndClientList(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	alice := dialRelay(t, rs)
	aliceID, err := alice.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)
	assert.False(t, aliceID.IsZero())

	bob := dialRelay(t, rs)
	bobID, err := bob.Register(ctx, "bob", protocol.PublicKey{})
	require.NoError(t, err)
	assert.NotEqual(t, aliceID, bobID)

	list, err := bob.ClientList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.ClientListEntry{{ID: aliceID, Name: "alice"}}, list)

	list, err = alice.ClientList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.ClientListEntry{{ID: bobID, Name: "bob"}}, list)
}

func TestClientListFromUnregisteredClient(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	_, err := client.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)

	anonymous := dialRelay(t, rs)
	list, err := anonymous.ClientList(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPublicKey(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	var key protocol.PublicKey
	for i := range key {
		key[i] = byte(i)
	}

	alice := dialRelay(t, rs)
	aliceID, err := alice.Register(ctx, "alice", key)
	require.NoError(t, err)

	bob := dialRelay(t, rs)
	got, err := bob.PublicKey(ctx, aliceID)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	// The session stays open after a successful lookup
	_, err = bob.ClientList(ctx)
	assert.NoError(t, err)
}

func TestPublicKeyUnknownClientClosesSession(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	_, err := client.PublicKey(ctx, protocol.ClientID{0xDE, 0xAD})
	require.ErrorIs(t, err, ErrServerError)

	_, err = client.ClientList(ctx)
	assert.Error(t, err)
}

func TestPublicKeyWrongSizeClosesSession(t *testing.T) {
	rs := startRelay(t, nil)
	conn := rawConn(t, rs)

	_, err := conn.Write(append(rawHeader(protocol.ClientID{}, protocol.CodePublicKeyRequest, 15), make([]byte, 15)...))
	require.NoError(t, err)

	header, payload := readReply(t, conn)
	assert.Equal(t, protocol.CodeError, header.Code)
	assert.Equal(t, protocol.ServerVersion, header.Version)
	assert.Empty(t, payload)

	assertClosedWithoutReply(t, conn)
}

func TestSendMessageQueues(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	sender := dialRelay(t, rs)
	fromID, err := sender.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)

	toID := protocol.ClientID{0x0B}
	id, err := sender.SendMessage(ctx, toID, protocol.MessageTypeText, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	drained, err := rs.Queue().DrainFor(toID)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, []byte("hello"), drained[0].Content)
	assert.Equal(t, fromID, drained[0].From)
	assert.Equal(t, protocol.MessageTypeText, drained[0].Type)

	again, err := rs.Queue().DrainFor(toID)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestSendMessageIDsIncrease(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	var last uint32
	for i := 0; i < 5; i++ {
		id, err := client.SendMessage(ctx, protocol.ClientID{1}, protocol.MessageTypeText, []byte{byte(i)})
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
}

func TestSendMessageUnverifiedSender(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	claimed := protocol.ClientID{0x66}
	client := dialRelay(t, rs)
	client.SetID(claimed)

	_, err := client.SendMessage(ctx, protocol.ClientID{0x77}, protocol.MessageTypeText, []byte("spoofed"))
	require.NoError(t, err)

	drained, err := rs.Queue().DrainFor(protocol.ClientID{0x77})
	require.NoError(t, err)
	require.Len(t, drained, 1)
	assert.Equal(t, claimed, drained[0].From)
}

func TestSendMessageMalformedClosesSession(t *testing.T) {
	overrun := (&protocol.SendMessageRequest{To: protocol.ClientID{1}, Content: []byte("0123456789")}).Encode()
	binary.BigEndian.PutUint32(overrun[protocol.ClientIDSize+1:], 50)

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "shorter than sub-header", payload: make([]byte, protocol.SendMessageSubHeaderSize-1)},
		{name: "empty payload", payload: nil},
		{name: "content length overruns payload", payload: overrun},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := startRelay(t, nil)
			conn := rawConn(t, rs)

			frame := append(rawHeader(protocol.ClientID{2}, protocol.CodeSendMessage, uint32(len(tt.payload))), tt.payload...)
			_, err := conn.Write(frame)
			require.NoError(t, err)

			header, payload := readReply(t, conn)
			assert.Equal(t, protocol.CodeError, header.Code)
			assert.Empty(t, payload)

			assertClosedWithoutReply(t, conn)

			n, err := rs.Queue().Len()
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestTruncatedPayloadClosesWithoutReply(t *testing.T) {
	rs := startRelay(t, nil)
	conn := rawConn(t, rs)

	_, err := conn.Write(append(rawHeader(protocol.ClientID{}, protocol.CodeSendMessage, 50), make([]byte, 10)...))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	assertClosedWithoutReply(t, conn)
}

func TestRegisterWrongSizeClosesWithoutReply(t *testing.T) {
	rs := startRelay(t, nil)
	conn := rawConn(t, rs)

	_, err := conn.Write(append(rawHeader(protocol.ClientID{}, protocol.CodeRegister, 10), make([]byte, 10)...))
	require.NoError(t, err)

	assertClosedWithoutReply(t, conn)
	assert.Zero(t, rs.Registry().Count())
}

func TestUnknownCodeKeepsSessionOpen(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	header, payload, err := client.Request(ctx, 777, []byte("ignored"))
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeError, header.Code)
	assert.Empty(t, payload)

	id, err := client.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)
	assert.False(t, id.IsZero())
}

func TestPullMessagesDisabled(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	_, err := client.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)

	_, err = client.PullMessages(ctx)
	assert.ErrorIs(t, err, ErrServerError)

	_, err = client.ClientList(ctx)
	assert.NoError(t, err)
}

func TestPullMessagesEnabled(t *testing.T) {
	rs := startRelay(t, func(cfg *config.RelayConfig) { cfg.EnablePull = true })
	ctx := testContext(t)

	alice := dialRelay(t, rs)
	aliceID, err := alice.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)

	bob := dialRelay(t, rs)
	bobID, err := bob.Register(ctx, "bob", protocol.PublicKey{})
	require.NoError(t, err)

	first, err := alice.SendMessage(ctx, bobID, protocol.MessageTypeText, []byte("one"))
	require.NoError(t, err)
	second, err := alice.SendMessage(ctx, bobID, protocol.MessageTypeFile, []byte("two"))
	require.NoError(t, err)
	_, err = bob.SendMessage(ctx, aliceID, protocol.MessageTypeText, []byte("for alice"))
	require.NoError(t, err)

	msgs, err := bob.PullMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	ids := map[uint32]string{}
	for _, m := range msgs {
		assert.Equal(t, aliceID, m.From)
		ids[m.MessageID] = string(m.Content)
	}
	assert.Equal(t, map[uint32]string{first: "one", second: "two"}, ids)

	msgs, err = bob.PullMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = alice.PullMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "for alice", string(msgs[0].Content))

	stats := rs.Stats()
	assert.Equal(t, uint64(3), stats.MessagesQueued)
	assert.Equal(t, uint64(3), stats.MessagesDrained)
	assert.True(t, stats.PullEnabled)
}

func TestPullRequiresRegistration(t *testing.T) {
	rs := startRelay(t, func(cfg *config.RelayConfig) { cfg.EnablePull = true })

	client := dialRelay(t, rs)
	_, err := client.PullMessages(testContext(t))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestMaxPayloadSize(t *testing.T) {
	rs := startRelay(t, func(cfg *config.RelayConfig) { cfg.MaxPayloadSize = 1024 })
	conn := rawConn(t, rs)

	_, err := conn.Write(rawHeader(protocol.ClientID{}, protocol.CodeSendMessage, 1<<20))
	require.NoError(t, err)

	assertClosedWithoutReply(t, conn)
}

func TestMaxSessions(t *testing.T) {
	rs := startRelay(t, func(cfg *config.RelayConfig) { cfg.MaxSessions = 1 })
	ctx := testContext(t)

	first := dialRelay(t, rs)
	_, err := first.ClientList(ctx)
	require.NoError(t, err)

	second := rawConn(t, rs)
	assertClosedWithoutReply(t, second)

	// The first session is unaffected
	_, err = first.ClientList(ctx)
	assert.NoError(t, err)
}

func TestReadTimeoutClosesIdleSession(t *testing.T) {
	rs := startRelay(t, func(cfg *config.RelayConfig) { cfg.ReadTimeout = 50 * time.Millisecond })
	conn := rawConn(t, rs)

	assertClosedWithoutReply(t, conn)
}

func TestRequestsRefreshLastSeen(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	id, err := client.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)

	before, ok := rs.Registry().Lookup(id)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	_, err = client.ClientList(ctx)
	require.NoError(t, err)

	after, ok := rs.Registry().Lookup(id)
	require.True(t, ok)
	assert.True(t, after.LastSeen.After(before.LastSeen))
}

func TestStopClosesSessions(t *testing.T) {
	cfg := config.Default().Relay
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	rs := NewRelayServer(cfg, storage.NewClientRegistry(), storage.NewMemoryQueue(), nil, nil)
	require.NoError(t, rs.Start())
	assert.ErrorIs(t, rs.Start(), ErrAlreadyStarted)

	conn := rawConn(t, rs)
	client := NewClient(conn)
	_, err := client.ClientList(testContext(t))
	require.NoError(t, err)

	require.NoError(t, rs.Stop())
	assertClosedWithoutReply(t, conn)

	assert.Nil(t, rs.Addr())
	assert.ErrorIs(t, rs.Stop(), ErrNotStarted)
}

func TestStats(t *testing.T) {
	rs := startRelay(t, nil)
	ctx := testContext(t)

	client := dialRelay(t, rs)
	_, err := client.Register(ctx, "alice", protocol.PublicKey{})
	require.NoError(t, err)
	_, err = client.SendMessage(ctx, protocol.ClientID{9}, protocol.MessageTypeText, []byte("x"))
	require.NoError(t, err)

	stats := rs.Stats()
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, 1, stats.PendingMessages)
	assert.Equal(t, uint64(2), stats.RequestsHandled)
	assert.Equal(t, uint64(1), stats.SessionsAccepted)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Contains(t, stats.ListenAddr, "/ip4/127.0.0.1/tcp/")
	assert.False(t, stats.PullEnabled)
}

func TestDialMultiaddr(t *testing.T) {
	rs := startRelay(t, nil)

	client, err := Dial(testContext(t), rs.Multiaddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ClientList(testContext(t))
	assert.NoError(t, err)

	_, err = Dial(testContext(t), "/ip4/not-an-ip/tcp/1")
	assert.Error(t, err)
}
