package softuart

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"softserial-go/bus"
	"softserial-go/errcode"
	"softserial-go/internal/platform"
	"softserial-go/softserial"
	"softserial-go/x/shmring"
)

const simClock = 16_000_000

// simBoard builds a board with pin 0 looped back onto pin 1.
func simBoard(t *testing.T) (*platform.Board, Board) {
	t.Helper()
	b := platform.NewBoard(simClock)
	platform.Connect(b.Pin(0), b.Pin(1))
	return b, Board{
		Pin:      b.LookupPin,
		Platform: b.Platform(nil),
		Registry: &softserial.Registry{},
	}
}

func startService(t *testing.T, board Board, cfg Config) (*bus.Connection, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewBus(16)
	svcConn := b.NewConnection("softuart")
	if err := New(board).Start(ctx, svcConn); err != nil {
		t.Fatalf("Start: %v", err)
	}
	client := b.NewConnection("client")
	client.Publish(client.NewMessage(topicConfig, cfg, true))
	return client, ctx
}

func waitStatus(t *testing.T, conn *bus.Connection, id string) Status {
	t.Helper()
	sub := conn.Subscribe(StatusTopic(id))
	defer conn.Unsubscribe(sub)
	select {
	case m := <-sub.Channel():
		st, ok := m.Payload.(Status)
		if !ok {
			t.Fatalf("status payload %T", m.Payload)
		}
		return st
	case <-time.After(time.Second):
		t.Fatalf("no status for %s", id)
	}
	return Status{}
}

func request(t *testing.T, conn *bus.Connection, id, verb string, payload any) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rep, err := conn.RequestWait(ctx, conn.NewMessage(CtrlTopic(id, verb), payload, false))
	if err != nil {
		t.Fatalf("%s %s: %v", id, verb, err)
	}
	res, ok := rep.Payload.(Result)
	if !ok {
		t.Fatalf("%s %s reply payload %T", id, verb, rep.Payload)
	}
	return res
}

var loopCfg = Config{Ports: []PortConfig{{
	ID: "loop", RX: 1, TX: 0, Baud: 9600, Format: "8E1", Mode: "oversampled",
}}}

func TestStatusFromConfig(t *testing.T) {
	_, board := simBoard(t)
	conn, _ := startService(t, board, loopCfg)

	st := waitStatus(t, conn, "loop")
	if st.Mode != "oversampled" || st.Baud != 9600 || st.Format != "8E1" || !st.Listening {
		t.Fatalf("status got %+v", st)
	}
	if st.Session != 0 {
		t.Fatalf("session got %d want 0", st.Session)
	}
}

func TestSessionLoopback(t *testing.T) {
	sim, board := simBoard(t)
	conn, ctx := startService(t, board, loopCfg)
	waitStatus(t, conn, "loop")
	go sim.Timer().Run(ctx, time.Millisecond)

	res := request(t, conn, "loop", VerbSessionOpen, SessionOpen{RXSize: 64, TXSize: 64})
	if !res.OK {
		t.Fatalf("session_open: %s", res.Error)
	}
	op := res.Value.(SessionOpened)
	rx := shmring.Get(shmring.Handle(op.RXHandle))
	tx := shmring.Get(shmring.Handle(op.TXHandle))
	if rx == nil || tx == nil {
		t.Fatal("session handles not registered")
	}

	if res := request(t, conn, "loop", VerbSessionOpen, nil); res.OK || res.Error != errcode.Conflict {
		t.Fatalf("second open got %+v want conflict", res)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg := []byte("hello, wire")
	if _, err := tx.WriteFrom(wctx, msg); err != nil {
		t.Fatalf("WriteFrom: %v", err)
	}
	var got []byte
	buf := make([]byte, 16)
	for len(got) < len(msg) {
		n, err := rx.ReadInto(wctx, buf)
		if err != nil {
			t.Fatalf("ReadInto after %q: %v", got, err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != string(msg) {
		t.Fatalf("loopback got %q want %q", got, msg)
	}

	if res := request(t, conn, "loop", VerbSessionClose, nil); !res.OK {
		t.Fatalf("session_close: %s", res.Error)
	}
	if shmring.Get(shmring.Handle(op.RXHandle)) != nil {
		t.Fatal("rx handle still registered after close")
	}
	if _, err := rx.ReadInto(context.Background(), buf); !errors.Is(err, shmring.ErrClosed) {
		t.Fatalf("read on closed session got %v", err)
	}
}

func TestControls(t *testing.T) {
	_, board := simBoard(t)
	conn, _ := startService(t, board, loopCfg)
	waitStatus(t, conn, "loop")

	// Out of range falls back to the default rate.
	res := request(t, conn, "loop", VerbSetBaud, map[string]any{"baud": 50})
	if !res.OK || res.Value != uint32(softserial.DefaultBaud) {
		t.Fatalf("set_baud 50 got %+v", res)
	}
	res = request(t, conn, "loop", VerbSetFormat, SetFormat{Format: "7O2"})
	if !res.OK || res.Value != "7O2" {
		t.Fatalf("set_format got %+v", res)
	}
	res = request(t, conn, "loop", VerbSetFormat, SetFormat{Format: "9Z9"})
	if res.OK || res.Error != errcode.InvalidFormat {
		t.Fatalf("bad format got %+v", res)
	}
	res = request(t, conn, "loop", VerbListen, nil)
	if !res.OK || res.Value != false {
		t.Fatalf("listen on active port got %+v", res)
	}
	res = request(t, conn, "loop", VerbFlush, nil)
	if !res.OK {
		t.Fatalf("flush got %+v", res)
	}
	res = request(t, conn, "loop", "reboot", nil)
	if res.Error != errcode.Unsupported {
		t.Fatalf("unknown verb got %+v", res)
	}
	res = request(t, conn, "nope", VerbListen, nil)
	if res.Error != errcode.UnknownPort {
		t.Fatalf("unknown port got %+v", res)
	}
}

func TestBuildSkipsConflicts(t *testing.T) {
	_, board := simBoard(t)
	cfg := Config{Ports: []PortConfig{
		{ID: "a", RX: 1, TX: 0, Baud: 9600, Mode: "oversampled"},
		{ID: "a", RX: 3, TX: 2, Baud: 9600, Mode: "oversampled"},  // duplicate id
		{ID: "b", RX: 1, TX: 4, Baud: 9600, Mode: "oversampled"},  // pin in use
		{ID: "c", RX: 5, TX: 6, Baud: 9600, Mode: "warp"},         // bad mode
		{ID: "d", RX: 40, TX: 6, Baud: 9600, Mode: "oversampled"}, // no such pin
		{ID: "e", RX: 7, TX: 8, Baud: 4800, Mode: "busywait"},
	}}
	conn, _ := startService(t, board, cfg)

	waitStatus(t, conn, "a")
	e := waitStatus(t, conn, "e")
	if e.Mode != "busywait" || e.Baud != 4800 || e.Format != "8N1" {
		t.Fatalf("busy-wait status got %+v", e)
	}
	// The last configured port holds the listener slot.
	if !e.Listening {
		t.Fatal("last configured port not listening")
	}
	for _, id := range []string{"b", "c", "d"} {
		if res := request(t, conn, id, VerbListen, nil); res.Error != errcode.UnknownPort {
			t.Fatalf("port %s was built: %+v", id, res)
		}
	}
	res := request(t, conn, "e", VerbSetFormat, SetFormat{Format: "7E1"})
	if res.Error != errcode.Unsupported {
		t.Fatalf("busy-wait set_format got %+v", res)
	}
	if res := request(t, conn, "a", VerbFlush, nil); res.Error != errcode.NotListening {
		t.Fatalf("flush on idle port got %+v want not_listening", res)
	}
}

func TestClaimPins(t *testing.T) {
	used := map[int]string{1: "a", 0: "a"}
	cases := []struct {
		pc   PortConfig
		want errcode.Code
	}{
		{PortConfig{ID: "s", RX: 3, TX: 3}, errcode.InvalidParams},
		{PortConfig{ID: "r", RX: 1, TX: 4}, errcode.PinInUse},
		{PortConfig{ID: "t", RX: 4, TX: 0}, errcode.PinInUse},
		{PortConfig{ID: "ok", RX: 4, TX: 5}, errcode.OK},
	}
	for _, c := range cases {
		err := claimPins(c.pc, used)
		if got := errcode.Of(err); got != c.want {
			t.Fatalf("%s got %v want %s", c.pc.ID, err, c.want)
		}
	}
	err := claimPins(PortConfig{RX: 1, TX: 4}, used)
	if want := "softuart.build: pin_in_use: rx pin 1 held by a"; err.Error() != want {
		t.Fatalf("message got %q want %q", err.Error(), want)
	}
	if err := claimPins(PortConfig{RX: 2, TX: 2}, used); !strings.Contains(err.Error(), "share pin 2") {
		t.Fatalf("shared pin message got %q", err.Error())
	}
}

func TestDecode(t *testing.T) {
	var cfg Config
	raw := map[string]any{
		"status_interval": 1.5,
		"ports": []any{map[string]any{"id": "x", "rx": 3.0, "tx": 2.0, "baud": 9600.0, "inverted": true}},
	}
	if err := decode(raw, &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.StatusInterval != 1.5 || len(cfg.Ports) != 1 {
		t.Fatalf("decoded %+v", cfg)
	}
	if p := cfg.Ports[0]; p.ID != "x" || p.RX != 3 || p.TX != 2 || p.Baud != 9600 || !p.Inverted {
		t.Fatalf("decoded port %+v", p)
	}
	if err := decode("{", &cfg); errcode.Of(err) != errcode.InvalidPayload {
		t.Fatalf("bad json got %v", err)
	}
}
