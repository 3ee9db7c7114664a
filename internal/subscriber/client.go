package subscriber

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
)

// OverflowPolicy governs what happens when a Client's outbound buffer is
// full and a new frame arrives.
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowClose      OverflowPolicy = "close"
)

// Client is one downstream WebSocket connection. It owns its outbound
// buffer outright: the buffer is a channel written to by Forward,
// ReportError and SendSubscribed and drained by this Client's own writer
// goroutine (the drop_oldest overflow path also discards its oldest frame),
// the same ownership discipline the trade dispatcher applies to its
// subscribers map one level up. keysMu guards only the key bookkeeping.
type Client struct {
	id   string
	conn *websocket.Conn

	overflow   OverflowPolicy
	sendPeriod time.Duration

	outCh chan []byte

	keysMu sync.Mutex
	keys   map[model.SubscriptionKey]struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	metrics *metrics.Registry

	// limit is the number of quote frames to forward before closing the
	// connection; 0 means unbounded. Set once via SetLimit before any
	// Forward call, so sentQuotes needs no lock of its own.
	limit      int64
	sentQuotes atomic.Int64
}

// NewClient wraps an already-upgraded WebSocket connection.
func NewClient(conn *websocket.Conn, bufferMax int, overflow OverflowPolicy, sendTimeout time.Duration, reg *metrics.Registry) *Client {
	if bufferMax <= 0 {
		bufferMax = 1
	}
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		overflow:   overflow,
		sendPeriod: sendTimeout,
		outCh:      make(chan []byte, bufferMax),
		keys:       make(map[model.SubscriptionKey]struct{}),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
		metrics:    reg,
	}
}

// ID implements sessionmanager.Subscriber.
func (c *Client) ID() string { return c.id }

// SetLimit bounds the number of quote frames this client will receive
// before it is closed (0 = unbounded). Must be called before the session
// manager's Subscribe registers this client as a forwarding target, so the
// count starts from the first quote actually delivered.
func (c *Client) SetLimit(limit int) {
	c.limit = int64(limit)
}

// AddKeys records which SubscriptionKeys this client now holds, for logging
// and for the subscribed-frame acknowledgement; the session manager is the
// source of truth for routing, this is bookkeeping only.
func (c *Client) AddKeys(keys []model.SubscriptionKey) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for _, k := range keys {
		c.keys[k] = struct{}{}
	}
}

// RemoveKeys drops keys this client no longer holds.
func (c *Client) RemoveKeys(keys []model.SubscriptionKey) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	for _, k := range keys {
		delete(c.keys, k)
	}
}

// Keys returns a snapshot of every key currently held, for Unsubscribe on
// disconnect.
func (c *Client) Keys() []model.SubscriptionKey {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	out := make([]model.SubscriptionKey, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	return out
}

// Forward implements sessionmanager.Subscriber: enqueues a normalised
// candle frame, applying the overflow policy when the buffer is full, then
// closes the connection once the requested quote limit has been reached.
func (c *Client) Forward(candle model.Candle) {
	if c.limit > 0 && c.sentQuotes.Load() >= c.limit {
		return
	}
	c.enqueue(newQuoteFrame(candle), candle.Key())

	if c.limit <= 0 {
		return
	}
	if c.sentQuotes.Add(1) >= c.limit {
		c.Close()
	}
}

// ReportError implements sessionmanager.Subscriber.
func (c *Client) ReportError(key model.SubscriptionKey, gerr *model.GatewayError) {
	c.enqueue(newErrorFrame(key, gerr), key)
}

// SendSubscribed pushes the acknowledgement frame for a just-accepted
// subscribe request.
func (c *Client) SendSubscribed(exchangeName, contractType string, symbols []string, limit int) {
	c.enqueue(newSubscribedFrame(exchangeName, contractType, symbols, limit), model.SubscriptionKey{})
}

func (c *Client) enqueue(frame []byte, key model.SubscriptionKey) {
	select {
	case c.outCh <- frame:
		return
	default:
	}

	switch c.overflow {
	case OverflowClose:
		c.reportBackpressure(key)
		c.Close()
	default: // drop_oldest
		select {
		case <-c.outCh:
		default:
		}
		select {
		case c.outCh <- frame:
		default:
		}
		c.reportBackpressure(key)
	}
}

func (c *Client) reportBackpressure(key model.SubscriptionKey) {
	if c.metrics != nil {
		c.metrics.SubscriberOverflowsTotal.Inc()
	}
	select {
	case c.outCh <- newBackpressureFrame(key):
	default:
	}
}

// Run drains the outbound buffer to the underlying connection until Close is
// called, the connection fails, or shutdownCh fires. It is meant to be
// started once per connection, in its own goroutine.
func (c *Client) Run(shutdownCh <-chan struct{}) {
	defer close(c.doneCh)
	defer c.conn.Close()

	for {
		select {
		case <-c.closeCh:
			for len(c.outCh) > 0 {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.outCh); err != nil {
					break
				}
			}
			c.writeClose()
			return
		case <-shutdownCh:
			c.writeClose()
			return
		case frame, ok := <-c.outCh:
			if !ok {
				return
			}
			if c.sendPeriod > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendPeriod))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Str("subscriber_id", c.id).Err(err).Msg("write to subscriber failed")
				return
			}
		}
	}
}

func (c *Client) writeClose() {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		time.Now().Add(time.Second))
}

// Close tears the client down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Done reports when Run has fully exited.
func (c *Client) Done() <-chan struct{} { return c.doneCh }
