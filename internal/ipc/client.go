package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashleyhindle/fuel/internal/health"
)

var (
	ErrNotConnected = errors.New("not connected to daemon")
	ErrTimeout      = errors.New("timed out waiting for daemon response")
)

const (
	defaultDialTimeout = 3 * time.Second
	// maxQueuedEvents bounds events held for a client that stops polling.
	maxQueuedEvents = 1024
)

// Client is one connection to the daemon. Incoming events are queued by a
// reader goroutine and handed out by PollEvents or Await; nothing on the
// caller's side blocks on the socket.
type Client struct {
	instanceID string

	mu      sync.Mutex
	conn    net.Conn
	queue   []Event
	readErr error
	notify  chan struct{}

	writeMu sync.Mutex

	stateMu sync.Mutex
	health  map[string]health.Summary
	paused  bool
}

func NewClient() *Client {
	return &Client{
		instanceID: uuid.NewString(),
		notify:     make(chan struct{}, 1),
		health:     make(map[string]health.Summary),
	}
}

func (c *Client) InstanceID() string {
	return c.instanceID
}

// Connect dials the daemon on the loopback port.
func (c *Client) Connect(port int) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, defaultDialTimeout)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w", addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readErr = nil
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		var ev Event
		if err := ReadFrame(conn, &ev); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.readErr = err
			}
			c.mu.Unlock()
			c.signal()
			return
		}
		c.enqueue(ev)
		c.signal()
	}
}

// enqueue appends ev, dropping the oldest broadcast once the queue is full.
// Replies are only dropped when nothing else is left to drop.
func (c *Client) enqueue(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= maxQueuedEvents {
		drop := 0
		for i, q := range c.queue {
			if q.RequestID == "" {
				drop = i
				break
			}
		}
		c.queue = append(c.queue[:drop], c.queue[drop+1:]...)
	}
	c.queue = append(c.queue, ev)
}

func (c *Client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Command builds a command stamped with this client's instance id.
func (c *Client) Command(p CommandPayload) (Command, error) {
	return NewCommand(c.instanceID, p)
}

// SendCommand writes cmd and returns without waiting for a response.
func (c *Client) SendCommand(cmd Command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultDialTimeout))
	if err := WriteFrame(conn, cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Type, err)
	}
	return nil
}

// PollEvents returns every event received since the last call, in arrival
// order. It never blocks.
func (c *Client) PollEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.queue
	c.queue = nil
	return evs
}

// ApplyEvent folds background events into the client's health snapshot.
func (c *Client) ApplyEvent(ev Event) {
	switch ev.Type {
	case EvtHealthSummary:
		var snap HealthSnapshot
		if ev.Decode(&snap) != nil {
			return
		}
		c.stateMu.Lock()
		c.health = make(map[string]health.Summary, len(snap.Agents))
		for _, s := range snap.Agents {
			c.health[s.Agent] = s
		}
		c.paused = snap.Paused
		c.stateMu.Unlock()
	case EvtHealthChanged:
		var s health.Summary
		if ev.Decode(&s) != nil || s.Agent == "" {
			return
		}
		c.stateMu.Lock()
		c.health[s.Agent] = s
		c.stateMu.Unlock()
	}
}

// Health returns the last folded health state sorted by agent.
func (c *Client) Health() []health.Summary {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]health.Summary, 0, len(c.health))
	for _, s := range c.health {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

func (c *Client) Paused() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.paused
}

// Await polls until an event answering requestID arrives. Events for other
// request ids are folded with ApplyEvent and discarded. Events that arrive
// after the match stay queued for the next poll.
func (c *Client) Await(ctx context.Context, requestID string) (Event, error) {
	for {
		c.mu.Lock()
		queue := c.queue
		c.queue = nil
		readErr := c.readErr
		c.mu.Unlock()

		for i, ev := range queue {
			if ev.RequestID == requestID {
				if rest := queue[i+1:]; len(rest) > 0 {
					c.mu.Lock()
					c.queue = append(append([]Event(nil), rest...), c.queue...)
					c.mu.Unlock()
				}
				return ev, nil
			}
			c.ApplyEvent(ev)
		}

		if readErr != nil {
			return Event{}, fmt.Errorf("connection lost waiting for %s: %w", requestID, readErr)
		}

		select {
		case <-ctx.Done():
			return Event{}, fmt.Errorf("%w (request %s): %v", ErrTimeout, requestID, ctx.Err())
		case <-c.notify:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Call sends p and waits for its answer. Error events are returned as
// *RemoteError.
func (c *Client) Call(ctx context.Context, p CommandPayload) (Event, error) {
	cmd, err := c.Command(p)
	if err != nil {
		return Event{}, err
	}
	if err := c.SendCommand(cmd); err != nil {
		return Event{}, err
	}
	ev, err := c.Await(ctx, cmd.RequestID)
	if err != nil {
		return Event{}, err
	}
	if err := ev.Err(); err != nil {
		return ev, err
	}
	return ev, nil
}

// Attach registers this client for broadcasts.
func (c *Client) Attach(ctx context.Context) error {
	_, err := c.Call(ctx, AttachPayload{})
	return err
}

func (c *Client) Detach(ctx context.Context) error {
	_, err := c.Call(ctx, DetachPayload{})
	return err
}
