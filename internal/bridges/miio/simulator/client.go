package simulator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/miio-bridge/internal/bridges/miio"
)

// eventBuffer is the per-client event channel capacity. Events beyond it are
// dropped, like a real device that only keeps the latest state.
const eventBuffer = 32

// Client is a connection to a simulated Device. It implements miio.Client.
type Client struct {
	dev   *Device
	child *Client

	events chan miio.Event
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ miio.Client = (*Client)(nil)

func newClient(dev *Device) *Client {
	c := &Client{
		dev:    dev,
		events: make(chan miio.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	if dev.child != nil {
		c.child = newClient(dev.child)
	}
	dev.attach(c)
	return c
}

// Matches reports whether the device supports tag.
func (c *Client) Matches(tag miio.Tag) bool {
	return c.dev.Supports(tag)
}

// Read returns the device's current value of tag.
func (c *Client) Read(ctx context.Context, tag miio.Tag) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClientDestroyed
	}
	return c.dev.read(tag)
}

// Write sets tag on the device, which then pushes a change event.
func (c *Client) Write(ctx context.Context, tag miio.Tag, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClientDestroyed
	}
	if !c.dev.Supports(tag) {
		return fmt.Errorf("%w: %s", ErrUnsupportedTag, tag)
	}
	c.dev.Push(tag, value)
	return nil
}

// Child returns the named child client, or nil.
func (c *Client) Child(name string) miio.Client {
	if name != miio.ChildLight || c.child == nil {
		return nil
	}
	return c.child
}

// Events returns the pushed event stream, closed on Destroy.
func (c *Client) Events() <-chan miio.Event {
	return c.events
}

// Destroy closes the client and its child. Safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	close(c.done)
	c.mu.Unlock()

	c.dev.detach(c)
	if c.child != nil {
		c.child.Destroy()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers ev without blocking. It is a no-op after Destroy.
func (c *Client) emit(ev miio.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// drive pushes drift events every interval until the client is destroyed.
func (c *Client) drive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.dev.Drift()
		}
	}
}

// Options tune a Connector.
type Options struct {
	// FailConnects makes the first N connect attempts fail.
	FailConnects int

	// EventInterval is how often a connected client pushes a drifting
	// reading. Zero disables drift.
	EventInterval time.Duration
}

// Connector opens clients onto one Device. It implements miio.Connector.
type Connector struct {
	dev  *Device
	opts Options

	mu       sync.Mutex
	attempts int
	failTo   int
}

var _ miio.Connector = (*Connector)(nil)

// NewConnector creates a connector for dev.
func NewConnector(dev *Device, opts Options) *Connector {
	return &Connector{dev: dev, opts: opts, failTo: opts.FailConnects}
}

// Device returns the simulated hardware behind the connector.
func (c *Connector) Device() *Device {
	return c.dev
}

// Connect opens a client. Tokens must be 32 hex characters.
func (c *Connector) Connect(ctx context.Context, id miio.Identity) (miio.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b, err := hex.DecodeString(id.Token); err != nil || len(b) != 16 {
		return nil, ErrInvalidToken
	}

	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	fail := attempt <= c.failTo
	c.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("%w: %s (attempt %d)", ErrConnectRefused, id.Address, attempt)
	}

	client := newClient(c.dev)
	if c.opts.EventInterval > 0 {
		go client.drive(c.opts.EventInterval)
	}
	return client, nil
}

// FailNext makes the next n connect attempts fail.
func (c *Connector) FailNext(n int) {
	c.mu.Lock()
	c.failTo = c.attempts + n
	c.mu.Unlock()
}

// Attempts returns the number of connect attempts so far.
func (c *Connector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}
