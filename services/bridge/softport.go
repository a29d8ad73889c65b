package bridge

import (
	"context"
	"io"
	"sync"

	"softserial-go/services/softuart"
	"softserial-go/softserial"
)

// stream adapts a soft serial port to io.ReadWriteCloser. Reads block until
// data arrives or the stream is closed.
type stream struct {
	p      *softserial.Port
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newStream(p *softserial.Port) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{p: p, ctx: ctx, cancel: cancel}
}

func (s *stream) Read(b []byte) (int, error) {
	n, err := s.p.RecvSomeContext(s.ctx, b)
	if err != nil && s.ctx.Err() != nil {
		return n, io.EOF
	}
	return n, err
}

func (s *stream) Write(b []byte) (int, error) {
	n, err := s.p.WriteContext(s.ctx, b)
	if err != nil && s.ctx.Err() != nil {
		return n, io.ErrClosedPipe
	}
	return n, err
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.p.Shutdown()
		s.p.StopListening()
	})
	return nil
}

// SoftDialer returns a Dialer that opens links as soft serial ports on
// board. The port claims the active listener slot for the link lifetime.
func SoftDialer(board softuart.Board) Dialer {
	return func(ctx context.Context, u UARTConfig) (io.ReadWriteCloser, error) {
		p, err := board.Open(softuart.PortConfig{
			ID:       "bridge",
			RX:       u.RxPin,
			TX:       u.TxPin,
			Mode:     u.Mode,
			Inverted: u.Inverted,
		})
		if err != nil {
			return nil, err
		}
		f := softserial.Format8N1
		if u.Format != "" {
			if f, err = softserial.ParseFormat(u.Format); err != nil {
				return nil, err
			}
		}
		baud := u.Baud
		if baud == 0 {
			baud = softserial.DefaultBaud
		}
		if err := p.Configure(baud, f); err != nil {
			p.Shutdown()
			p.StopListening()
			return nil, err
		}
		return newStream(p), nil
	}
}
