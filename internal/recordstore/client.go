package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Store backed by a remote relay served by Server. It is safe
// for concurrent use; requests are correlated by id over one connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	nextReq uint64
	pending map[uint64]chan serverMessage
	subs    map[string]*Subscription
	// early holds the latest snapshot received for a subscription id the
	// caller has not registered yet (the server may emit the first snapshot
	// right behind the subscribe result).
	early map[string]Snapshot

	done chan struct{}
	wg   sync.WaitGroup
}

// Dial connects to a relay endpoint (e.g. ws://host:port/ws).
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("recordstore: dial %s: %w", url, err)
	}

	c := &Client{
		conn:    conn,
		log:     logger,
		pending: make(map[uint64]chan serverMessage),
		subs:    make(map[string]*Subscription),
		early:   make(map[string]Snapshot),
		done:    make(chan struct{}),
	}
	conn.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	return c, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
	c.wg.Wait()
	c.failAll(ErrClosed)
}

func (c *Client) readLoop() {
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.failAll(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		switch msg.Op {
		case opResult:
			c.mu.Lock()
			ch, ok := c.pending[msg.ReqID]
			if ok {
				delete(c.pending, msg.ReqID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case opSnapshot:
			snap := msg.Records
			if snap == nil {
				snap = Snapshot{}
			}
			// Push while holding mu so a concurrent unsubscribe (which closes
			// the channel after removing it from the map) can never race a
			// send. Pushes never block: delivery is latest-wins.
			c.mu.Lock()
			if sub := c.subs[msg.SubID]; sub != nil {
				sub.push(snap)
			} else if !c.closed {
				c.early[msg.SubID] = snap
			}
			c.mu.Unlock()
		default:
			c.log.Debug("unknown server op", "op", msg.Op)
		}
	}
}

// failAll unblocks every pending request and closes every subscription after
// the connection is gone.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan serverMessage)
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- serverMessage{Op: opResult, Error: err.Error()}
	}
	for _, sub := range subs {
		close(sub.ch)
	}
}

func (c *Client) roundTrip(ctx context.Context, msg clientMessage) (serverMessage, error) {
	reply := make(chan serverMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return serverMessage{}, ErrClosed
	}
	c.nextReq++
	msg.ReqID = c.nextReq
	c.pending[msg.ReqID] = reply
	c.mu.Unlock()

	msg.Version = protocolVersion

	c.writeMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return serverMessage{}, fmt.Errorf("recordstore: write: %w", err)
	}

	select {
	case out := <-reply:
		if out.Error != "" {
			return out, errorFromWire(out.Error)
		}
		return out, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ReqID)
		c.mu.Unlock()
		return serverMessage{}, ctx.Err()
	case <-c.done:
		return serverMessage{}, ErrClosed
	}
}

// errorFromWire maps well-known store errors back to their sentinels so
// errors.Is works across the relay.
func errorFromWire(s string) error {
	switch s {
	case ErrNotFound.Error():
		return ErrNotFound
	case ErrClosed.Error():
		return ErrClosed
	default:
		return errors.New(s)
	}
}

func (c *Client) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	out, err := c.roundTrip(ctx, clientMessage{Op: opCreate, Collection: collection, Fields: fields})
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Update(ctx context.Context, collection, id string, fields Fields) error {
	_, err := c.roundTrip(ctx, clientMessage{Op: opUpdate, Collection: collection, ID: id, Fields: fields})
	return err
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	_, err := c.roundTrip(ctx, clientMessage{Op: opDelete, Collection: collection, ID: id})
	return err
}

func (c *Client) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	out, err := c.roundTrip(ctx, clientMessage{Op: opSubscribe, Query: &q})
	if err != nil {
		return nil, err
	}
	subID := out.ID

	sub := newSubscription(1, func() { c.unsubscribe(subID) })
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(sub.ch)
		return nil, ErrClosed
	}
	c.subs[subID] = sub
	if pending, ok := c.early[subID]; ok {
		delete(c.early, subID)
		sub.push(pending)
	}
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) unsubscribe(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	if ok {
		delete(c.subs, subID)
	}
	closed := c.closed
	c.mu.Unlock()
	if !ok {
		return
	}
	close(sub.ch)
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.roundTrip(ctx, clientMessage{Op: opUnsubscribe, SubID: subID}); err != nil {
		c.log.Debug("unsubscribe failed", "subId", subID, "err", err)
	}
}
