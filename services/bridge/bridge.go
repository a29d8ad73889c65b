// bridge/bridge.go
package bridge

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"softserial-go/bus"
	"softserial-go/errcode"
)

// -----------------------------------------------------------------------------
// Public entry point
// -----------------------------------------------------------------------------

// Start starts the bridge service with the UARTDial dialler. It blocks
// until ctx is cancelled. It listens for JSON config on {"config","bridge"}
// and (re)configures the link.
func Start(ctx context.Context, conn *bus.Connection) {
	New(conn, UARTDial).Run(ctx)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is the JSON-encoded configuration expected on "config/bridge".
type Config struct {
	Transport TransportConfig `json:"transport"`

	// Export lists local topic patterns forwarded to the peer, "/"-separated
	// with "+" and "#" wildcards.
	Export []string `json:"export,omitempty"`
	// Prefix is the first token of topics imported from the peer.
	Prefix string `json:"prefix,omitempty"`
}

type TransportConfig struct {
	// "uart" (provided here) or other names registered via RegisterTransport.
	Type string      `json:"type"`
	UART *UARTConfig `json:"uart,omitempty"`
}

// UARTConfig carries what a dialler needs to open a serial link.
type UARTConfig struct {
	Baud     uint32 `json:"baud"`
	RxPin    int    `json:"rx_pin"`
	TxPin    int    `json:"tx_pin"`
	Format   string `json:"format,omitempty"` // "8N1" style
	Mode     string `json:"mode,omitempty"`   // soft serial discipline
	Inverted bool   `json:"inverted,omitempty"`
}

const defaultPrefix = "peer"

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Dialer opens the serial link described by a UARTConfig.
type Dialer func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error)

type Service struct {
	conn       *bus.Connection
	dial       Dialer
	stateTopic bus.Topic

	mu     sync.Mutex
	curRun context.CancelFunc
}

func New(conn *bus.Connection, dial Dialer) *Service {
	return &Service{
		conn:       conn,
		dial:       dial,
		stateTopic: bus.Topic{"bridge", "state"},
	}
}

// Run waits for config and supervises a single link instance.
func (s *Service) Run(ctx context.Context) {
	cfgSub := s.conn.Subscribe(bus.Topic{"config", "bridge"})
	defer s.conn.Unsubscribe(cfgSub)

	s.publishState("idle", "awaiting_config", nil)

	for {
		select {
		case <-ctx.Done():
			s.stopCurrent()
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				s.publishState("error", "config_subscription_closed", nil)
				return
			}
			cfg, err := decodeConfig(msg.Payload)
			if err != nil {
				s.publishState("error", "config_decode_failed", err)
				continue
			}
			s.reconfigure(ctx, cfg)
		}
	}
}

func (s *Service) stopCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
}

func (s *Service) reconfigure(parent context.Context, cfg Config) {
	s.mu.Lock()
	if s.curRun != nil {
		s.curRun()
		s.curRun = nil
	}
	ctx, cancel := context.WithCancel(parent)
	s.curRun = cancel
	s.mu.Unlock()

	go s.runLink(ctx, cfg)
}

// -----------------------------------------------------------------------------
// Link supervision and I/O
// -----------------------------------------------------------------------------

func (s *Service) runLink(ctx context.Context, cfg Config) {
	tr, err := newTransport(cfg.Transport, s.dial)
	if err != nil {
		s.publishState("error", "transport_init_failed", err)
		return
	}

	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rwc, err := tr.Open(ctx)
		if err != nil {
			s.publishState("degraded", "dial_failed_retrying", err)
			if !sleep(ctx, backoff()) {
				return
			}
			continue
		}

		s.publishState("up", "link_established", nil)
		err = s.handleLink(ctx, cfg, rwc)
		_ = rwc.Close()
		if err != nil {
			s.publishState("degraded", "link_lost_retrying", err)
			if !sleep(ctx, backoff()) {
				return
			}
			continue
		}
		// Clean close: restart only on new config.
		s.publishState("idle", "link_closed", nil)
		return
	}
}

// wirePub is the JSON body of a framePub.
type wirePub struct {
	Topic    []any `json:"t"`
	Payload  any   `json:"p"`
	Retained bool  `json:"r,omitempty"`
}

// handleLink owns the active link lifetime: it forwards exported publishes,
// imports the peer's under the prefix and keeps a ping running.
func (s *Service) handleLink(ctx context.Context, cfg Config, rwc io.ReadWriteCloser) error {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	rd := newFramedReader(rwc)
	wr := newFramedWriter(rwc)

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reader
	errCh := make(chan error, 1)
	pongCh := make(chan struct{}, 1)
	go func() {
		for {
			f, err := rd.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			switch f.Type {
			case framePing:
				select {
				case pongCh <- struct{}{}:
				default:
				}
			case framePub:
				s.importPub(prefix, f.Payload)
			case frameClose:
				errCh <- nil
				return
			}
		}
	}()

	// Fan exported subscriptions into one channel.
	out := make(chan *bus.Message, 16)
	for _, pat := range cfg.Export {
		sub := s.conn.Subscribe(parseTopic(pat))
		defer s.conn.Unsubscribe(sub)
		go func() {
			for {
				select {
				case m, ok := <-sub.Channel():
					if !ok {
						return
					}
					select {
					case out <- m:
					case <-lctx.Done():
						return
					}
				case <-lctx.Done():
					return
				}
			}
		}()
	}

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			// Best-effort close.
			_ = wr.WriteFrame(Frame{Type: frameClose})
			return nil
		case err = <-errCh:
			return err
		case <-pongCh:
			err = wr.WriteFrame(Frame{Type: framePong})
		case <-tick.C:
			err = wr.WriteFrame(Frame{Type: framePing})
		case m := <-out:
			if len(m.Topic) > 0 && m.Topic[0] == prefix {
				continue // imported; do not echo back
			}
			b, jerr := json.Marshal(wirePub{Topic: m.Topic, Payload: m.Payload, Retained: m.Retained})
			if jerr != nil {
				continue
			}
			err = wr.WriteFrame(Frame{Type: framePub, Payload: b})
		}
		if err != nil {
			return err
		}
	}
}

func (s *Service) importPub(prefix string, body []byte) {
	var p wirePub
	if err := json.Unmarshal(body, &p); err != nil || len(p.Topic) == 0 {
		return
	}
	topic := make(bus.Topic, 0, len(p.Topic)+1)
	topic = append(topic, prefix)
	for _, tok := range p.Topic {
		switch v := tok.(type) {
		case string:
			topic = append(topic, v)
		case float64:
			if v != float64(int(v)) {
				return
			}
			topic = append(topic, int(v))
		default:
			return
		}
	}
	s.conn.Publish(s.conn.NewMessage(topic, p.Payload, p.Retained))
}

// -----------------------------------------------------------------------------
// Transport registry
// -----------------------------------------------------------------------------

// Transport is a pluggable link dialler/owner.
type Transport interface {
	Open(ctx context.Context) (io.ReadWriteCloser, error)
	String() string
}

type transportFactory func(TransportConfig) (Transport, error)

var (
	regMu    sync.RWMutex
	registry = map[string]transportFactory{}
)

// RegisterTransport allows external packages to add transports.
func RegisterTransport(name string, f transportFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
}

func newTransport(cfg TransportConfig, dial Dialer) (Transport, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if ok {
		return f(cfg)
	}
	switch cfg.Type {
	case "uart":
		if cfg.UART == nil {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "bridge.transport", Msg: "uart transport requires uart config"}
		}
		return &uartTransport{cfg: *cfg.UART, dial: dial}, nil
	default:
		return nil, &errcode.E{C: errcode.Unsupported, Op: "bridge.transport", Msg: cfg.Type}
	}
}

// UARTDial is injected by platform code, typically SoftDialer.
var UARTDial Dialer

// uartTransport implements Transport via a dial function.
type uartTransport struct {
	cfg  UARTConfig
	dial Dialer
}

func (u *uartTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if u.dial == nil {
		return nil, &errcode.E{C: errcode.NotConfigured, Op: "bridge.dial", Msg: "no uart dialler"}
	}
	return u.dial(ctx, u.cfg)
}

func (u *uartTransport) String() string { return "uart" }

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

func decodeConfig(p any) (Config, error) {
	var cfg Config
	var err error
	switch v := p.(type) {
	case []byte:
		err = json.Unmarshal(v, &cfg)
	case string:
		err = json.Unmarshal([]byte(v), &cfg)
	case map[string]any:
		// Already a decoded object; re-marshal for simplicity.
		var b []byte
		if b, err = json.Marshal(v); err == nil {
			err = json.Unmarshal(b, &cfg)
		}
	case Config:
		cfg = v
	default:
		err = errcode.InvalidPayload
	}
	return cfg, err
}

// parseTopic splits "a/+/#" into a topic.
func parseTopic(s string) bus.Topic {
	var t bus.Topic
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			t = append(t, s[start:i])
			start = i + 1
		}
	}
	return t
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	cur := min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
