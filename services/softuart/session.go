package softuart

import (
	"context"

	"softserial-go/softserial"
	"softserial-go/x/mathx"
	"softserial-go/x/shmring"
)

const defaultSessionRing = 256

type session struct {
	id uint32

	// Rings (SPSC); handles are exported to clients.
	rxHandle shmring.Handle
	rxRing   *shmring.Ring
	txHandle shmring.Handle
	txRing   *shmring.Ring

	// Single reactor per port; cancel is nil while paused.
	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(id uint32, rxSize, txSize int) *session {
	rxh, rxr := shmring.NewRegistered(rxSize)
	txh, txr := shmring.NewRegistered(txSize)
	return &session{
		id:       id,
		rxHandle: rxh,
		rxRing:   rxr,
		txHandle: txh,
		txRing:   txr,
	}
}

func (s *session) opened() SessionOpened {
	return SessionOpened{
		SessionID: s.id,
		RXHandle:  uint32(s.rxHandle),
		TXHandle:  uint32(s.txHandle),
	}
}

// start launches the reactor for p. A running reactor is left alone.
func (s *session) start(ctx context.Context, id string, p *softserial.Port) {
	if s.cancel != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go reactor(rctx, id, p, s.rxRing, s.txRing, s.done)
}

// pause stops the reactor and waits for it. The rings keep their data.
func (s *session) pause() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

func (s *session) close() {
	s.pause()
	shmring.Close(s.rxHandle)
	shmring.Close(s.txHandle)
}

// sessionSizes applies defaults and checks ring sizes.
func sessionSizes(req SessionOpen) (rx, tx int, ok bool) {
	rx, tx = req.RXSize, req.TXSize
	if rx == 0 {
		rx = defaultSessionRing
	}
	if tx == 0 {
		tx = defaultSessionRing
	}
	ok = rx >= 2 && tx >= 2 && mathx.IsPow2(rx) && mathx.IsPow2(tx)
	return rx, tx, ok
}

// ---- Reactor (single goroutine) ----

// reactor pumps port receive data into rxR and client data from txR into
// the port until ctx ends.
func reactor(ctx context.Context, id string, p *softserial.Port, rxR, txR *shmring.Ring, done chan struct{}) {
	defer close(done)
	var dropped int

	for {
		made := false

		// Port RX -> rxRing (fill p1 completely before p2)
		for {
			p1, p2 := rxR.WriteAcquire()
			if len(p1) == 0 {
				break
			}
			n1, _ := p.Read(p1)
			if n1 == 0 {
				break
			}
			n := n1
			if n1 == len(p1) && len(p2) > 0 {
				n2, _ := p.Read(p2)
				n += n2
			}
			rxR.WriteCommit(n)
			made = true
		}

		// txRing -> port TX (drain p1 completely before p2)
		for {
			p1, p2 := txR.ReadAcquire()
			if len(p1) == 0 {
				break
			}
			n1, err := p.TryWrite(p1)
			if err != nil {
				// The port cannot send; drop rather than stall the client.
				if dropped == 0 {
					println("[softuart]", id, "tx dropped:", err.Error())
				}
				dropped += len(p1) + len(p2)
				txR.ReadRelease(len(p1) + len(p2))
				made = true
				break
			}
			if n1 == 0 {
				break
			}
			n := n1
			if n1 == len(p1) && len(p2) > 0 {
				n2, _ := p.TryWrite(p2)
				n += n2
			}
			txR.ReadRelease(n)
			made = true
		}

		if made {
			continue
		}

		// Idle: wait for any edge, then re-check.
		select {
		case <-ctx.Done():
			if dropped > 0 {
				println("[softuart]", id, "reactor stopped,", dropped, "tx bytes dropped")
			}
			return
		case <-p.Readable():
		case <-p.Writable():
		case <-rxR.Writable():
		case <-txR.Readable():
		}
	}
}
