//go:build !rp2040 && !rp2350

package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"softserial-go/bus"
	"softserial-go/internal/platform"
	"softserial-go/services/bridge"
	"softserial-go/services/config"
	"softserial-go/services/heartbeat"
	"softserial-go/services/softuart"
	"softserial-go/softserial"
	"softserial-go/x/shmring"
)

const simClock = 16_000_000

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	println("boot")

	// Simulated board: pin 0 is looped back onto pin 1.
	sim := platform.NewBoard(simClock)
	platform.Connect(sim.Pin(0), sim.Pin(1))
	go sim.Timer().Run(ctx, time.Millisecond)

	b := bus.NewBus(8)
	ctx = context.WithValue(ctx, config.CtxDeviceKey, "sim")

	board := softuart.Board{
		Pin:      sim.LookupPin,
		Platform: sim.Platform(nil),
	}
	if err := softuart.New(board).Start(ctx, b.NewConnection("softuart")); err != nil {
		println("softuart:", err.Error())
		return
	}

	// The bridge link runs on its own board, looped back, so exported status
	// returns under peer/.
	link := platform.NewBoard(simClock)
	platform.Connect(link.Pin(10), link.Pin(11))
	go link.Timer().Run(ctx, time.Millisecond)
	go bridge.New(b.NewConnection("bridge"), bridge.SoftDialer(softuart.Board{
		Pin:      link.LookupPin,
		Platform: link.Platform(nil),
		Registry: &softserial.Registry{},
	})).Run(ctx)

	_ = (&heartbeat.Service{}).Start(ctx, b.NewConnection("heartbeat"))
	config.NewConfigService().Start(ctx, b.NewConnection("config"))

	ping(ctx, b.NewConnection("ping"), "loop")
}

// ping opens a session on port id and echoes a counter through the loopback
// once a second.
func ping(ctx context.Context, conn *bus.Connection, id string) {
	st := conn.Subscribe(softuart.StatusTopic(id))
	select {
	case <-st.Channel():
	case <-ctx.Done():
		return
	}
	conn.Unsubscribe(st)

	call := func(verb string, payload any) (softuart.Result, bool) {
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		rep, err := conn.RequestWait(rctx, conn.NewMessage(softuart.CtrlTopic(id, verb), payload, false))
		if err != nil {
			println("[ping]", verb, err.Error())
			return softuart.Result{}, false
		}
		res, _ := rep.Payload.(softuart.Result)
		if !res.OK {
			println("[ping]", verb, "failed:", string(res.Error))
		}
		return res, res.OK
	}

	if _, ok := call(softuart.VerbListen, nil); !ok {
		return
	}
	res, ok := call(softuart.VerbSessionOpen, softuart.SessionOpen{})
	if !ok {
		return
	}
	op := res.Value.(softuart.SessionOpened)
	rx := shmring.Get(shmring.Handle(op.RXHandle))
	tx := shmring.Get(shmring.Handle(op.TXHandle))

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	buf := make([]byte, 64)
	var line []byte
	seq := byte('0')
	for {
		select {
		case <-ctx.Done():
			call(softuart.VerbSessionClose, nil)
			return
		case <-tick.C:
			tx.TryWriteFrom([]byte{'p', 'i', 'n', 'g', ' ', seq, '\n'})
			seq++
			if seq > '9' {
				seq = '0'
			}
		case <-rx.Readable():
			n := rx.TryReadInto(buf)
			for _, c := range buf[:n] {
				if c != '\n' {
					line = append(line, c)
					continue
				}
				println("[ping] echo:", string(line))
				line = line[:0]
			}
		}
	}
}
