package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/upb/agent-telemetry/models"
	"github.com/upb/agent-telemetry/services/token"
)

// DropReason explains why a connection left the fan-out set
type DropReason string

const (
	DropBackpressure DropReason = "backpressure"
	DropClientClosed DropReason = "client_closed"
	DropAuthRevoked  DropReason = "auth_revoked"
	DropShutdown     DropReason = "shutdown"
)

// ConnectionDroppedError is reported by Connection.Err once the hub let go of it
type ConnectionDroppedError struct {
	Reason DropReason
}

func (e *ConnectionDroppedError) Error() string {
	return fmt.Sprintf("connection dropped: %s", e.Reason)
}

// Connection is one registered viewer. The hub's poller is the only writer of
// lastDelivered and the only sender on the queue; the queue is never closed.
type Connection struct {
	id          string
	claims      *token.Claims
	unfiltered  bool
	startOffset int64

	lastDelivered atomic.Int64
	queue         chan *models.ExecutionEvent

	done      chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // DropReason
}

func newConnection(id string, claims *token.Claims, unfiltered bool, start int64, queueSize int) *Connection {
	c := &Connection{
		id:          id,
		claims:      claims,
		unfiltered:  unfiltered,
		startOffset: start,
		queue:       make(chan *models.ExecutionEvent, queueSize),
		done:        make(chan struct{}),
	}
	c.lastDelivered.Store(start)
	return c
}

// ID returns the connection id
func (c *Connection) ID() string { return c.id }

// Claims returns the identity the connection was opened with
func (c *Connection) Claims() *token.Claims { return c.claims }

// Unfiltered reports whether the connection sees every user's events
func (c *Connection) Unfiltered() bool { return c.unfiltered }

// StartOffset is the latest sequence id at connect time
func (c *Connection) StartOffset() int64 { return c.startOffset }

// LastDelivered is the highest sequence id enqueued so far
func (c *Connection) LastDelivered() int64 { return c.lastDelivered.Load() }

// Messages yields events in strictly increasing sequence order
func (c *Connection) Messages() <-chan *models.ExecutionEvent { return c.queue }

// Done is closed when the connection is dropped
func (c *Connection) Done() <-chan struct{} { return c.done }

// Reason returns the drop reason, or "" while the connection is open
func (c *Connection) Reason() DropReason {
	if r, ok := c.reason.Load().(DropReason); ok {
		return r
	}
	return ""
}

// Err returns a *ConnectionDroppedError once the connection is closed
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return &ConnectionDroppedError{Reason: c.Reason()}
	default:
		return nil
	}
}

// close reports whether this call performed the close
func (c *Connection) close(reason DropReason) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		closed = true
	})
	return closed
}

func (c *Connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// ownerFilter is the email reads are restricted to, or "" when unfiltered
func (c *Connection) ownerFilter() string {
	if c.unfiltered {
		return ""
	}
	return c.claims.Email
}

// enqueue never blocks; false means the queue is full
func (c *Connection) enqueue(e *models.ExecutionEvent) bool {
	select {
	case c.queue <- e:
		return true
	default:
		return false
	}
}
