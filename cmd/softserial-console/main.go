//go:build !rp2040 && !rp2350

// softserial-console drives simulated soft ports from the keyboard. Each
// port lives on its own simulated 16 MHz board, so links between ports
// behave like wires between separate MCUs.
//
//	port a oversampled 9600 8E1
//	port b busywait 9600
//	link a b
//	send a "hello"
//	run 20
//	read b
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"softserial-go/errcode"
	"softserial-go/internal/platform"
	"softserial-go/softserial"
	"softserial-go/x/timex"

	"github.com/google/shlex"
)

const (
	simClock = 16_000_000
	pinTX    = 0
	pinRX    = 1
)

type simPort struct {
	board *platform.Board
	port  *softserial.Port
}

type console struct {
	ports map[string]*simPort
}

func main() {
	c := &console{ports: make(map[string]*simPort)}
	in := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for in.Scan() {
		args, err := shlex.Split(in.Text())
		if err != nil {
			fmt.Println("[console] parse:", err)
		} else if len(args) > 0 {
			if args[0] == "quit" || args[0] == "exit" {
				return
			}
			if err := c.exec(args); err != nil {
				fmt.Println("[console]", err)
			}
		}
		fmt.Print("> ")
	}
}

func (c *console) exec(args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		fmt.Println(`port <id> <busywait|oversampled> [baud] [format] [inverted]
link <from> <to>        wire from's tx to to's rx
send <id> <text>        queue or transmit text
run <ms>                advance every board by ms of simulated time
read <id>               print and consume received bytes
baud <id> <baud>        reconfigure rate
format <id> <fmt>       reconfigure frame (oversampled only)
stats [id]              counters
quit`)
		return nil
	case "port":
		return c.newPort(args)
	case "link":
		if len(args) != 2 {
			return errcode.InvalidParams
		}
		from, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		to, err := c.lookup(args[1])
		if err != nil {
			return err
		}
		platform.Connect(from.board.Pin(pinTX), to.board.Pin(pinRX))
		return nil
	case "send":
		if len(args) < 2 {
			return errcode.InvalidParams
		}
		sp, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		c.syncClocks(sp)
		_, err = sp.port.Write([]byte(strings.Join(args[1:], " ")))
		return err
	case "run":
		if len(args) != 1 {
			return errcode.InvalidParams
		}
		ms, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return errcode.Wrap(errcode.InvalidParams, "run", err)
		}
		c.run(ms)
		return nil
	case "read":
		if len(args) != 1 {
			return errcode.InvalidParams
		}
		sp, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		buf := make([]byte, sp.port.Available())
		n, _ := sp.port.Read(buf)
		fmt.Printf("%s: %q\n", args[0], buf[:n])
		return nil
	case "baud", "format":
		if len(args) != 2 {
			return errcode.InvalidParams
		}
		sp, err := c.lookup(args[0])
		if err != nil {
			return err
		}
		baud, f := sp.port.Baud(), sp.port.Format()
		if cmd == "baud" {
			v, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return errcode.Wrap(errcode.InvalidParams, cmd, err)
			}
			baud = uint32(v)
		} else if f, err = softserial.ParseFormat(args[1]); err != nil {
			return err
		}
		err = sp.port.Configure(baud, f)
		c.describe(args[0], sp)
		return err
	case "stats":
		for _, id := range c.ids(args) {
			sp := c.ports[id]
			st := sp.port.Stats()
			fmt.Printf("%s: rx=%d tx=%d overruns=%d parity=%d framing=%d false_starts=%d fallbacks=%d overflow=%v\n",
				id, st.RxBytes, st.TxBytes, st.Overruns, st.ParityErrors, st.FramingErrors,
				st.FalseStarts, st.BaudFallbacks, sp.port.Overflow())
		}
		return nil
	default:
		return errcode.Wrap(errcode.Unsupported, cmd, nil)
	}
}

func (c *console) newPort(args []string) error {
	if len(args) < 2 {
		return errcode.InvalidParams
	}
	id := args[0]
	if _, dup := c.ports[id]; dup {
		return errcode.Conflict
	}
	mode, err := softserial.ParseDiscipline(args[1])
	if err != nil {
		return err
	}
	baud := uint32(softserial.DefaultBaud)
	if len(args) > 2 {
		v, err := strconv.ParseUint(args[2], 10, 32)
		if err != nil {
			return errcode.Wrap(errcode.InvalidParams, "port", err)
		}
		baud = uint32(v)
	}
	f := softserial.Format8N1
	if len(args) > 3 {
		if f, err = softserial.ParseFormat(args[3]); err != nil {
			return err
		}
	}
	inverted := len(args) > 4 && args[4] == "inverted"

	b := platform.NewBoard(simClock)
	p, err := softserial.New(softserial.Config{
		RX:       b.Pin(pinRX),
		TX:       b.Pin(pinTX),
		Inverted: inverted,
		Mode:     mode,
		Platform: b.Platform(nil),
		Registry: &softserial.Registry{}, // one MCU per port
	})
	if err != nil {
		return err
	}
	sp := &simPort{board: b, port: p}
	c.ports[id] = sp
	err = p.Configure(baud, f)
	c.describe(id, sp)
	return err
}

func (c *console) describe(id string, sp *simPort) {
	p := sp.port
	fmt.Printf("%s: %s %d %s bit=%v\n", id, p.Mode(), p.Baud(), p.Format(), timex.BitTime(p.Baud()))
}

func (c *console) lookup(id string) (*simPort, error) {
	sp, ok := c.ports[id]
	if !ok {
		return nil, errcode.Wrap(errcode.UnknownPort, id, nil)
	}
	return sp, nil
}

func (c *console) ids(args []string) []string {
	if len(args) > 0 {
		if _, ok := c.ports[args[0]]; ok {
			return args[:1]
		}
		return nil
	}
	out := make([]string, 0, len(c.ports))
	for id := range c.ports {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// syncClocks brings sp's board up to the latest board time so the edges it
// drives lie ahead of every receiver.
func (c *console) syncClocks(sp *simPort) {
	var max uint64
	for _, o := range c.ports {
		if t := o.board.Now(); t > max {
			max = t
		}
	}
	if now := sp.board.Now(); now < max {
		sp.board.Advance(max - now)
	}
}

// run ticks oversampled boards in lockstep, then replays wire edges into
// busy-wait receivers.
func (c *console) run(ms uint64) {
	ids := c.ids(nil)
	left := make(map[string]uint64, len(ids))
	var most uint64
	for _, id := range ids {
		sp := c.ports[id]
		if per := sp.board.Timer().Period(); per > 0 && sp.port.Mode() == softserial.Oversampled {
			left[id] = ms * simClock / 1000 / per
			if left[id] > most {
				most = left[id]
			}
		}
	}
	for i := uint64(0); i < most; i++ {
		for _, id := range ids {
			if left[id] > i {
				c.ports[id].board.Timer().Tick(1)
			}
		}
	}
	for _, id := range ids {
		sp := c.ports[id]
		if sp.port.Mode() == softserial.BusyWait {
			sp.board.Pin(pinRX).Deliver()
		}
	}
}
