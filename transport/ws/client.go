// Package ws implements the signal transport contract over a websocket
// relay. The relay is a dumb fanout: clients append codec-encoded signal
// frames and the relay forwards every frame to every connected client of the
// same family. Filtering to this instance's two identities happens locally,
// so the relay never needs to understand signal contents (which are sealed).
//
// The client reconnects with capped exponential backoff. Frames sent while
// disconnected are dropped; the dispatcher's retries and the call core's
// timeouts absorb that, exactly as they absorb relay-side loss.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/famcall/identity"
	"github.com/opd-ai/famcall/signal"
	"github.com/opd-ai/famcall/transport"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectMax  = 10 * time.Second
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

// hello is the first frame on every connection; it tells the relay which
// family's fanout this client joins.
type hello struct {
	Type  string `json:"type"`
	Group string `json:"group"`
}

// Client is a websocket relay transport.
type Client struct {
	url   string
	id    identity.Identity
	codec *signal.Codec

	send chan []byte
	done chan struct{}

	mu       sync.Mutex
	handlers map[int]transport.Handler
	nextSub  int
	closed   bool
}

// Dial connects to the relay and starts the read/write pumps. The codec
// should carry the family seal key so relay operators cannot read or forge
// signals.
func Dial(url string, id identity.Identity, codec *signal.Codec) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:      url,
		id:       id,
		codec:    codec,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		handlers: make(map[int]transport.Handler),
	}

	if err := c.sendHello(conn); err != nil {
		conn.Close()
		return nil, err
	}

	go c.run(conn)

	logrus.WithFields(logrus.Fields{
		"function":    "Dial",
		"url":         url,
		"participant": id.Participant,
	}).Info("Connected to signal relay")

	return c, nil
}

func (c *Client) sendHello(conn *websocket.Conn) error {
	frame, err := json.Marshal(hello{Type: "hello", Group: string(c.id.Group)})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Append encodes and sends one signal. Returns ErrClosed after Close; a full
// send queue counts as a failed attempt for the dispatcher to retry.
func (c *Client) Append(sig *signal.Signal) error {
	data, err := c.codec.Encode(sig)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return transport.ErrClosed
	case c.send <- data:
		return nil
	default:
		return transport.ErrQueueFull
	}
}

// Subscribe registers a handler for inbound signals addressed to this
// instance.
func (c *Client) Subscribe(h transport.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.ErrClosed
	}
	sub := c.nextSub
	c.nextSub++
	c.handlers[sub] = h
	return func() {
		c.mu.Lock()
		delete(c.handlers, sub)
		c.mu.Unlock()
	}, nil
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return nil
}

// run owns the connection: it pumps outbound frames and dispatches inbound
// ones, redialing on failure until Close.
func (c *Client) run(conn *websocket.Conn) {
	for {
		err := c.pump(conn)
		conn.Close()
		if err == nil {
			return // closed deliberately
		}

		conn = c.redial()
		if conn == nil {
			return
		}
	}
}

// pump services one live connection. Returns nil when the client is closing,
// otherwise the connection error that triggered a reconnect.
func (c *Client) pump(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	inbound := make(chan []byte, sendQueueSize)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			inbound <- data
		}
	}()

	for {
		select {
		case <-c.done:
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return err
		case data := <-inbound:
			c.dispatch(data)
		case frame := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}

// dispatch decodes one inbound frame and hands it to subscribers. Malformed
// or unopenable frames are dropped; they must never be fatal.
func (c *Client) dispatch(data []byte) {
	sig, err := c.codec.Decode(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"error":    err.Error(),
		}).Debug("Dropping undecodable relay frame")
		return
	}
	if !sig.Recipient.Matches(c.id) {
		return
	}

	c.mu.Lock()
	handlers := make([]transport.Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(sig)
	}
}

// redial reconnects with capped exponential backoff. Returns nil when the
// client was closed while waiting.
func (c *Client) redial() *websocket.Conn {
	delay := reconnectBase
	for attempt := 1; ; attempt++ {
		select {
		case <-c.done:
			return nil
		case <-time.After(delay):
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err == nil {
			if err := c.sendHello(conn); err == nil {
				logrus.WithFields(logrus.Fields{
					"function": "redial",
					"attempt":  attempt,
				}).Info("Reconnected to signal relay")
				return conn
			}
			conn.Close()
		}

		logrus.WithFields(logrus.Fields{
			"function": "redial",
			"attempt":  attempt,
			"delay":    delay,
		}).Warn("Relay reconnect failed")

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}
