//go:build rp2040

// softuart-test runs a loopback self-test on the Pico: jumper GP4 (tx) to
// GP5 (rx) and watch the USB console.
package main

import (
	"bytes"
	"context"
	"time"

	"softserial-go/bus"
	"softserial-go/internal/platform"
	"softserial-go/services/softuart"
	"softserial-go/x/shmring"
	"softserial-go/x/timex"
)

const portID = "gps"

func main() {
	println("[softuart-test] boot …")
	time.Sleep(1500 * time.Millisecond)

	ctx := context.Background()
	b := bus.NewBus(4)
	ui := b.NewConnection("ui")

	board := softuart.Board{Pin: platform.LookupPin, Platform: platform.Default()}
	if err := softuart.New(board).Start(ctx, b.NewConnection("softuart")); err != nil {
		println("[softuart-test] FAIL: start:", err.Error())
		return
	}
	ui.Publish(ui.NewMessage(bus.T("config", "softuart"), softuart.Config{Ports: []softuart.PortConfig{{
		ID: portID, RX: 5, TX: 4, Baud: 9600, Format: "8N1", Mode: "oversampled",
	}}}, true))

	st := ui.Subscribe(softuart.StatusTopic(portID))
	select {
	case <-st.Channel():
	case <-time.After(2 * time.Second):
		println("[softuart-test] FAIL: no status")
		return
	}
	ui.Unsubscribe(st)

	println("[softuart-test] session_open", portID, "…")
	res, ok := call(ui, softuart.VerbSessionOpen, softuart.SessionOpen{RXSize: 512, TXSize: 512})
	if !ok {
		println("[softuart-test] FAIL: session_open", string(res.Error))
		return
	}
	op, _ := res.Value.(softuart.SessionOpened)
	tx := shmring.Get(shmring.Handle(op.TXHandle))
	rx := shmring.Get(shmring.Handle(op.RXHandle))
	if tx == nil || rx == nil {
		println("[softuart-test] FAIL: ring lookup failed")
		return
	}

	// --- Smoke test ---
	println("[softuart-test] smoke: send 'hello-soft' and verify")
	if !sendReceiveExact(tx, rx, []byte("hello-soft"), 2*time.Second) {
		println("[softuart-test] smoke: FAIL")
	} else {
		println("[softuart-test] smoke: PASS")
	}

	// --- Integrity test at each rate the timer can reach ---
	for _, baud := range []uint32{2400, 9600, 19200} {
		if res, ok := call(ui, softuart.VerbSetBaud, softuart.SetBaud{Baud: baud}); !ok {
			println("[softuart-test] set_baud", baud, "FAIL:", string(res.Error))
			continue
		}
		const total = 1024
		timeout := timex.DrainTime(baud, 10, total) * 2
		println("[softuart-test] integrity: baud", baud, "bytes", total)
		if integrityTest(tx, rx, total, 64, timeout) {
			println("[softuart-test] integrity: PASS")
		} else {
			println("[softuart-test] integrity: FAIL")
		}
	}

	call(ui, softuart.VerbSessionClose, nil)
	println("[softuart-test] done")
}

// ---------------- helpers ----------------

func call(ui *bus.Connection, verb string, payload any) (softuart.Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := ui.RequestWait(ctx, ui.NewMessage(softuart.CtrlTopic(portID, verb), payload, false))
	if err != nil {
		return softuart.Result{Error: "timeout"}, false
	}
	res, _ := rep.Payload.(softuart.Result)
	return res, res.OK
}

// Smoke test: send msg and verify exact match.
func sendReceiveExact(tx, rx *shmring.Ring, msg []byte, timeout time.Duration) bool {
	tx.TryWriteFrom(msg)
	deadline := time.Now().Add(timeout)

	var buf []byte
	tmp := make([]byte, 64)
	for time.Now().Before(deadline) {
		n := rx.TryReadInto(tmp)
		buf = append(buf, tmp[:n]...)
		if bytes.Contains(buf, msg) {
			return true
		}
		select {
		case <-rx.Readable():
		case <-time.After(25 * time.Millisecond):
		}
	}
	println("[softuart-test] smoke: not found; got bytes=", len(buf))
	return false
}

// Integrity test: send a deterministic stream and compare FNV-1a hashes.
func integrityTest(tx, rx *shmring.Ring, totalBytes, chunk int, timeout time.Duration) bool {
	gen := patternGenerator(0xA5)
	const off = uint32(2166136261)
	const prime = uint32(16777619)
	txHash, rxHash := off, off

	tmp := make([]byte, 128)
	out := make([]byte, chunk)
	deadline := time.Now().Add(timeout)
	written, received := 0, 0

	for (written < totalBytes || received < totalBytes) && time.Now().Before(deadline) {
		if written < totalBytes {
			toWrite := chunk
			if space := tx.Space(); toWrite > space {
				toWrite = space
			}
			if rest := totalBytes - written; toWrite > rest {
				toWrite = rest
			}
			if toWrite > 0 {
				fillPattern(out[:toWrite], &gen)
				n := tx.TryWriteFrom(out[:toWrite])
				for i := 0; i < n; i++ {
					txHash ^= uint32(out[i])
					txHash *= prime
				}
				written += n
			}
		}
		for {
			n := rx.TryReadInto(tmp)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				rxHash ^= uint32(tmp[i])
				rxHash *= prime
			}
			received += n
		}
		select {
		case <-rx.Readable():
		case <-tx.Writable():
		case <-time.After(time.Millisecond):
		}
	}

	println("[softuart-test] integrity: written=", written, " received=", received)
	println("[softuart-test] integrity: txHash=", txHash, " rxHash=", rxHash)
	return written == totalBytes && received == totalBytes && txHash == rxHash
}

// Simple deterministic pattern generator (xorshift8 over byte).
type patGen struct{ s byte }

func patternGenerator(seed byte) patGen { return patGen{s: seed} }
func (g *patGen) next() byte {
	x := g.s
	x ^= x << 3
	x ^= x >> 5
	x ^= x << 1
	g.s = x
	return x
}
func fillPattern(dst []byte, g *patGen) {
	for i := 0; i < len(dst); i++ {
		dst[i] = g.next()
	}
}
