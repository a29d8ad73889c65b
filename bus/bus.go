// bus/bus.go
package bus

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Tokens + Topics
// -----------------------------------------------------------------------------

// Token is a single element in a topic path. Any comparable scalar works;
// strings and ints are the usual choice.
type Token = any

// Topic is a sequence of tokens.
type Topic []Token

// Wildcards understood by Subscribe. "+" matches exactly one token, "#"
// matches the rest of the topic including nothing.
const (
	Single = "+"
	Multi  = "#"
)

// T builds a topic, panicking on tokens that cannot be map keys.
func T(tokens ...any) Topic {
	for _, tok := range tokens {
		switch tok.(type) {
		case string, int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64, bool:
		default:
			panic("bus: topic token must be a comparable scalar")
		}
	}
	return Topic(tokens)
}

// Append returns a new topic with tokens added.
func (t Topic) Append(tokens ...any) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, T(tokens...)...)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// deliver enqueues without blocking, dropping the oldest queued message
// when the subscriber is behind.
func (s *Subscription) deliver(m *Message) {
	select {
	case s.ch <- m:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- m:
	default:
	}
}

// -----------------------------------------------------------------------------
// Trie node
// -----------------------------------------------------------------------------

type node struct {
	children map[Token]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok Token, create bool) *node {
	if c, ok := n.children[tok]; ok {
		return c
	}
	if !create {
		return nil
	}
	if n.children == nil {
		n.children = make(map[Token]*node)
	}
	c := &node{}
	n.children[tok] = c
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.retained == nil
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

type Bus struct {
	mu   sync.RWMutex
	subs *node // subscription patterns
	ret  *node // retained messages by concrete topic
	qLen int
	seq  atomic.Uint32
}

// NewBus creates a new bus with the given subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8 // safe default
	}
	return &Bus{subs: &node{}, ret: &node{}, qLen: queueLen}
}

// NewMessage builds a message for topic.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish delivers a message to every matching subscriber and updates the
// retained store. A retained message with a nil payload clears the slot.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Retained {
		b.storeRetained(msg)
	}
	matchSubs(b.subs, msg.Topic, func(s *Subscription) { s.deliver(msg) })
}

func (b *Bus) storeRetained(msg *Message) {
	if msg.Payload != nil {
		n := b.ret
		for _, tok := range msg.Topic {
			n = n.child(tok, true)
		}
		n.retained = msg
		return
	}
	// Clear and prune.
	path := []*node{b.ret}
	n := b.ret
	for _, tok := range msg.Topic {
		if n = n.child(tok, false); n == nil {
			return
		}
		path = append(path, n)
	}
	n.retained = nil
	for i := len(msg.Topic) - 1; i >= 0; i-- {
		if !path[i+1].empty() {
			break
		}
		delete(path[i].children, msg.Topic[i])
	}
}

// matchSubs walks subscription patterns matching a concrete topic.
func matchSubs(n *node, topic Topic, fn func(*Subscription)) {
	if h := n.child(Multi, false); h != nil {
		for _, s := range h.subs {
			fn(s)
		}
	}
	if len(topic) == 0 {
		for _, s := range n.subs {
			fn(s)
		}
		return
	}
	if c := n.child(topic[0], false); c != nil {
		matchSubs(c, topic[1:], fn)
	}
	if topic[0] != Single {
		if c := n.child(Single, false); c != nil {
			matchSubs(c, topic[1:], fn)
		}
	}
}

// matchRetained walks retained messages matching a subscription pattern.
func matchRetained(n *node, pattern Topic, fn func(*Message)) {
	if len(pattern) == 0 {
		if n.retained != nil {
			fn(n.retained)
		}
		return
	}
	switch pattern[0] {
	case Multi:
		var all func(*node)
		all = func(x *node) {
			if x.retained != nil {
				fn(x.retained)
			}
			for _, c := range x.children {
				all(c)
			}
		}
		all(n)
	case Single:
		for _, c := range n.children {
			matchRetained(c, pattern[1:], fn)
		}
	default:
		if c := n.child(pattern[0], false); c != nil {
			matchRetained(c, pattern[1:], fn)
		}
	}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.subs
	for _, tok := range sub.topic {
		n = n.child(tok, true)
	}
	n.subs = append(n.subs, sub)

	matchRetained(b.ret, sub.topic, sub.deliver)
}

// unsubscribe removes a subscription from the trie.
func (b *Bus) unsubscribe(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := []*node{b.subs}
	n := b.subs
	for _, tok := range sub.topic {
		if n = n.child(tok, false); n == nil {
			return false
		}
		path = append(path, n)
	}
	found := false
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			found = true
			break
		}
	}
	// Prune empty nodes.
	for i := len(sub.topic) - 1; i >= 0; i-- {
		if !path[i+1].empty() {
			break
		}
		delete(path[i].children, sub.topic[i])
	}
	return found
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

type Connection struct {
	bus  *Bus
	subs []*Subscription
	mu   sync.Mutex
	id   string
}

// NewConnection creates a new connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

// ID returns the connection name.
func (c *Connection) ID() string { return c.id }

// NewMessage builds a message for topic.
func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

// Publish sends a message via the bus.
func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

// Subscribe registers a subscription owned by this connection. Retained
// messages matching topic are queued immediately.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.addSubscription(sub)
	return sub
}

// Unsubscribe removes a subscription owned by this connection.
func (c *Connection) Unsubscribe(sub *Subscription) {
	if !c.bus.unsubscribe(sub) {
		return
	}
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	close(sub.ch)
}

// Disconnect closes all subscriptions and clears them.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if c.bus.unsubscribe(sub) {
			close(sub.ch)
		}
	}
}

// -----------------------------------------------------------------------------
// Request / Reply
// -----------------------------------------------------------------------------

// Request publishes msg with a fresh ReplyTo topic and returns the
// subscription on which replies arrive. The caller unsubscribes.
func (c *Connection) Request(msg *Message) *Subscription {
	if len(msg.ReplyTo) == 0 {
		n := c.bus.seq.Add(1)
		msg.ReplyTo = T("_reply", c.id, strconv.FormatUint(uint64(n), 10))
	}
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait publishes msg and blocks for the first reply.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case m, ok := <-sub.Channel():
		if !ok {
			return nil, context.Canceled
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req on its ReplyTo topic. Requests without one are ignored.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if req == nil || len(req.ReplyTo) == 0 {
		return
	}
	c.Publish(c.NewMessage(req.ReplyTo, payload, retained))
}
