//go:build rp2040

// pico-softserial bridges the hardware UART0 (GP0/GP1, 115200) to a soft
// port on GP4 (tx) / GP5 (rx), so a device on two spare pins can be reached
// from the board's main serial link.
package main

import (
	"io"
	"machine"
	"time"

	"softserial-go/internal/platform"
	"softserial-go/softserial"

	"github.com/jangala-dev/tinygo-uartx/uartx"
	"tinygo.org/x/drivers"
)

const (
	softTX   = 4
	softRX   = 5
	softBaud = 9600
	hostBaud = 115200

	statsEvery = 10 * time.Second
)

// endpoint is a UART that also raises a coalesced notification on receive.
type endpoint interface {
	drivers.UART
	Readable() <-chan struct{}
}

func main() {
	time.Sleep(1500 * time.Millisecond)
	println("[bridge] boot")

	hw := uartx.UART0
	if err := hw.Configure(uartx.UARTConfig{BaudRate: hostBaud, TX: machine.UART0_TX_PIN, RX: machine.UART0_RX_PIN}); err != nil {
		println("[bridge] uart0:", err.Error())
		return
	}

	rx, _ := platform.PinByNumber(softRX)
	tx, _ := platform.PinByNumber(softTX)
	soft, err := softserial.New(softserial.Config{
		RX:       rx,
		TX:       tx,
		Mode:     softserial.Oversampled,
		RxSize:   256,
		TxSize:   256,
		Platform: platform.Default(),
	})
	if err != nil {
		println("[bridge] soft port:", err.Error())
		return
	}
	if err := soft.Configure(softBaud, softserial.Format8N1); err != nil {
		println("[bridge] configure:", err.Error())
		return
	}
	println("[bridge] uart0 <->", "GP", softTX, "/GP", softRX, "at", soft.Baud())

	bridge(hw, soft)
}

func bridge(hw *uartx.UART, soft *softserial.Port) {
	buf := make([]byte, 64)
	report := time.NewTicker(statsEvery)
	defer report.Stop()

	for {
		moved := pump(soft, hw, buf) + pump(hw, soft, buf)
		if moved > 0 {
			continue
		}
		select {
		case <-hw.Readable():
		case <-soft.Readable():
		case <-report.C:
			st := soft.Stats()
			println("[bridge] rx", st.RxBytes, "tx", st.TxBytes,
				"overruns", st.Overruns, "framing", st.FramingErrors, "parity", st.ParityErrors)
		}
	}
}

// pump moves what src has buffered into dst. Reads never block because the
// length is bounded by Buffered.
func pump(dst io.Writer, src endpoint, buf []byte) int {
	n := src.Buffered()
	if n == 0 {
		return 0
	}
	if n > len(buf) {
		n = len(buf)
	}
	n, _ = src.Read(buf[:n])
	if n == 0 {
		return 0
	}
	w, err := dst.Write(buf[:n])
	if err != nil {
		println("[bridge] write:", err.Error())
	}
	return w
}
