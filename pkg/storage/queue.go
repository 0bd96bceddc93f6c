package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrQueueClosed    = errors.New("message queue closed")
	ErrUnknownBackend = errors.New("unknown queue backend")
)

// Queue backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// PendingMessage is a message waiting for its recipient
type PendingMessage struct {
	ID       uint32
	To       protocol.ClientID
	From     protocol.ClientID // As claimed by the sender's request header
	Type     uint8
	Content  []byte
	QueuedAt time.Time
}

// MessageStore buffers messages until their recipient drains them.
// Implementations assign ids from 1 upward; id assignment and visibility
// happen in the same critical section.
type MessageStore interface {
	// Append stores a message and returns its id
	Append(to, from protocol.ClientID, msgType uint8, content []byte) (uint32, error)

	// DrainFor removes and returns every message addressed to recipient
	DrainFor(recipient protocol.ClientID) ([]PendingMessage, error)

	// Pending counts messages addressed to recipient without removing them
	Pending(recipient protocol.ClientID) (int, error)

	// Len counts every stored message
	Len() (int, error)

	// PurgeBefore drops messages queued before cutoff and returns how many
	PurgeBefore(cutoff time.Time) (int, error)

	Close() error
}

// NewMessageStore creates the store for the named backend
func NewMessageStore(backend string) (MessageStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryQueue(), nil
	case BackendSQLite:
		return NewSQLiteQueue()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// MemoryQueue is a MessageStore held in process memory
type MemoryQueue struct {
	mu       sync.Mutex
	messages []PendingMessage
	nextID   uint32
	closed   bool
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{nextID: 1}
}

// Append stores a copy of content and returns the assigned id
func (q *MemoryQueue) Append(to, from protocol.ClientID, msgType uint8, content []byte) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	id := q.nextID
	q.nextID++

	q.messages = append(q.messages, PendingMessage{
		ID:       id,
		To:       to,
		From:     from,
		Type:     msgType,
		Content:  append([]byte(nil), content...),
		QueuedAt: time.Now(),
	})

	return id, nil
}

// DrainFor removes and returns every message for recipient in queue order
func (q *MemoryQueue) DrainFor(recipient protocol.ClientID) ([]PendingMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var drained []PendingMessage
	kept := q.messages[:0]
	for _, msg := range q.messages {
		if msg.To == recipient {
			drained = append(drained, msg)
		} else {
			kept = append(kept, msg)
		}
	}
	clearTail(q.messages, len(kept))
	q.messages = kept

	return drained, nil
}

// Pending counts messages for recipient
func (q *MemoryQueue) Pending(recipient protocol.ClientID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, msg := range q.messages {
		if msg.To == recipient {
			count++
		}
	}
	return count, nil
}

// Len counts every stored message
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.messages), nil
}

// PurgeBefore drops messages queued before cutoff
func (q *MemoryQueue) PurgeBefore(cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	for _, msg := range q.messages {
		if !msg.QueuedAt.Before(cutoff) {
			kept = append(kept, msg)
		}
	}
	purged := len(q.messages) - len(kept)
	clearTail(q.messages, len(kept))
	q.messages = kept

	return purged, nil
}

// Close releases every stored message
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = nil
	q.closed = true
	return nil
}

// clearTail zeroes slots past n so dropped content can be collected
func clearTail(msgs []PendingMessage, n int) {
	for i := n; i < len(msgs); i++ {
		msgs[i] = PendingMessage{}
	}
}

// RunExpiry purges messages older than ttl every interval until ctx is done
func RunExpiry(ctx context.Context, store MessageStore, ttl, interval time.Duration) {
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := store.PurgeBefore(time.Now().Add(-ttl))
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"component": "queue",
					"error":     err.Error(),
				}).Warn("Failed to purge expired messages")
				continue
			}
			if count > 0 {
				logrus.WithFields(logrus.Fields{
					"component": "queue",
					"purged":    count,
					"ttl":       ttl.String(),
				}).Info("Purged expired messages")
			}
		}
	}
}
