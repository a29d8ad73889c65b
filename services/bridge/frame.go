package bridge

import (
	"io"

	"softserial-go/errcode"
)

// Frame types.
const (
	framePing  byte = 0x01
	framePong  byte = 0x02
	framePub   byte = 0x10
	frameClose byte = 0x7f
)

// Frames start with frameSync and end with a checksum so the reader can
// resync after bytes lost to line noise.
const (
	frameSync = 0x7E
	maxFrame  = 1024
)

// Frame is a length-prefixed, checksummed frame:
//
//	sync | type | len(2, big endian) | payload | sum
//
// sum makes the byte sum of type, length, payload and sum zero.
type Frame struct {
	Type    byte
	Payload []byte
}

type framedReader struct {
	r   io.Reader
	bad int // frames dropped on length or checksum
}

type framedWriter struct {
	w   io.Writer
	buf []byte
}

func newFramedReader(r io.Reader) *framedReader { return &framedReader{r: r} }
func newFramedWriter(w io.Writer) *framedWriter { return &framedWriter{w: w} }

// ReadFrame returns the next intact frame. Damaged frames are skipped and
// counted; only read errors are returned.
func (fr *framedReader) ReadFrame() (Frame, error) {
	var one [1]byte
	var hdr [3]byte
	for {
		if _, err := io.ReadFull(fr.r, one[:]); err != nil {
			return Frame{}, err
		}
		if one[0] != frameSync {
			continue
		}
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return Frame{}, err
		}
		n := int(hdr[1])<<8 | int(hdr[2])
		if n > maxFrame {
			fr.bad++
			continue
		}
		body := make([]byte, n+1)
		if _, err := io.ReadFull(fr.r, body); err != nil {
			return Frame{}, err
		}
		if sum(hdr[:], body) != 0 {
			fr.bad++
			continue
		}
		return Frame{Type: hdr[0], Payload: body[:n]}, nil
	}
}

func (fw *framedWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > maxFrame {
		return &errcode.E{C: errcode.InvalidPayload, Op: "bridge.WriteFrame", Msg: "frame too large"}
	}
	n := len(f.Payload)
	b := append(fw.buf[:0], frameSync, f.Type, byte(n>>8), byte(n))
	b = append(b, f.Payload...)
	b = append(b, -sum(b[1:]))
	fw.buf = b
	_, err := fw.w.Write(b)
	return err
}

func sum(parts ...[]byte) byte {
	var s byte
	for _, p := range parts {
		for _, c := range p {
			s += c
		}
	}
	return s
}
