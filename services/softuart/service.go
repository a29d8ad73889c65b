package softuart

import (
	"context"
	"strconv"
	"time"

	"softserial-go/bus"
	"softserial-go/errcode"
	"softserial-go/softserial"
	"softserial-go/x/mathx"
)

// Board supplies pins and timing collaborators for configured ports.
type Board struct {
	Pin      func(n int) (softserial.Pin, error)
	Platform softserial.Platform
	Registry *softserial.Registry // nil selects softserial.DefaultRegistry
}

type port struct {
	cfg  PortConfig
	p    *softserial.Port
	sess *session
}

// Service owns the soft ports described by config/softuart and exposes them
// on the bus.
type Service struct {
	board Board

	ports map[string]*port
	order []string
	snCtr uint32
}

func New(board Board) *Service {
	return &Service{board: board, ports: make(map[string]*port)}
}

// Start the softuart service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	if s.board.Pin == nil {
		return &errcode.E{C: errcode.InvalidParams, Op: "softuart.Start", Msg: "board has no pin source"}
	}
	go s.serviceLoop(ctx, conn)
	return nil
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfig)
	defer conn.Unsubscribe(cfgSub)
	ctrlSub := conn.Subscribe(bus.T(serviceName, bus.Single, tokCtrl, bus.Single))
	defer conn.Unsubscribe(ctrlSub)

	tick := time.NewTicker(time.Hour)
	tick.Stop()
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown(conn)
			println("[softuart] stopped")
			return
		case msg, ok := <-cfgSub.Channel():
			if !ok {
				return
			}
			var cfg Config
			if err := decode(msg.Payload, &cfg); err != nil {
				println("[softuart] bad config:", err.Error())
				continue
			}
			s.teardown(conn)
			s.build(ctx, cfg)
			s.publishAll(conn)
			if cfg.StatusInterval > 0 {
				tick.Reset(time.Duration(cfg.StatusInterval * float64(time.Second)))
			} else {
				tick.Stop()
			}
		case msg, ok := <-ctrlSub.Channel():
			if !ok {
				return
			}
			s.handleControl(ctx, conn, msg)
		case <-tick.C:
			s.publishAll(conn)
		}
	}
}

// ---- Port lifecycle ----

// claimPins checks pc's pins against those taken by earlier ports.
func claimPins(pc PortConfig, used map[int]string) error {
	const op = "softuart.build"
	if pc.RX == pc.TX {
		return &errcode.E{C: errcode.InvalidParams, Op: op, Msg: "rx and tx share pin " + strconv.Itoa(pc.RX)}
	}
	if owner, busy := used[pc.RX]; busy {
		return &errcode.E{C: errcode.PinInUse, Op: op, Msg: "rx pin " + strconv.Itoa(pc.RX) + " held by " + owner}
	}
	if owner, busy := used[pc.TX]; busy {
		return &errcode.E{C: errcode.PinInUse, Op: op, Msg: "tx pin " + strconv.Itoa(pc.TX) + " held by " + owner}
	}
	return nil
}

func (s *Service) build(ctx context.Context, cfg Config) {
	used := map[int]string{}
	for _, pc := range cfg.Ports {
		if pc.ID == "" {
			println("[softuart] port without id skipped")
			continue
		}
		if _, dup := s.ports[pc.ID]; dup {
			println("[softuart]", pc.ID, "duplicate id skipped")
			continue
		}
		if err := claimPins(pc, used); err != nil {
			println("[softuart]", pc.ID, "skipped:", err.Error())
			continue
		}
		sp, err := s.open(pc)
		if err != nil {
			println("[softuart]", pc.ID, "open failed:", err.Error())
			continue
		}
		used[pc.RX], used[pc.TX] = pc.ID, pc.ID
		s.ports[pc.ID] = &port{cfg: pc, p: sp}
		s.order = append(s.order, pc.ID)

		f, _ := softserial.ParseFormat(pc.Format)
		if err := sp.Configure(pc.Baud, f); err != nil {
			println("[softuart]", pc.ID, "configure:", err.Error())
		}
		println("[softuart]", pc.ID, "ready", sp.Mode().String(), "baud", sp.Baud(), sp.Format().String())
	}
}

func (s *Service) open(pc PortConfig) (*softserial.Port, error) {
	return s.board.Open(pc)
}

// Open builds an unconfigured port on the board from pc.
func (b Board) Open(pc PortConfig) (*softserial.Port, error) {
	const op = "softuart.open"
	mode, err := softserial.ParseDiscipline(pc.Mode)
	if err != nil {
		return nil, errcode.Wrap(errcode.Of(err), op, err)
	}
	if pc.Format != "" {
		if _, err := softserial.ParseFormat(pc.Format); err != nil {
			return nil, err
		}
	}
	rx, err := b.Pin(pc.RX)
	if err != nil {
		return nil, errcode.Wrap(errcode.UnknownPin, op, err)
	}
	tx, err := b.Pin(pc.TX)
	if err != nil {
		return nil, errcode.Wrap(errcode.UnknownPin, op, err)
	}
	return softserial.New(softserial.Config{
		RX:         rx,
		TX:         tx,
		Inverted:   pc.Inverted,
		Mode:       mode,
		Oversample: pc.Oversample,
		RxSize:     ringSize(pc.RxSize),
		TxSize:     ringSize(pc.TxSize),
		Platform:   b.Platform,
		Registry:   b.Registry,
	})
}

// ringSize keeps configured engine buffers within sane bounds; 0 keeps the
// engine default.
func ringSize(n int) int {
	if n <= 0 {
		return 0
	}
	return mathx.Clamp(n, 4, 1024)
}

func (s *Service) teardown(conn *bus.Connection) {
	for _, id := range s.order {
		pt := s.ports[id]
		if pt.sess != nil {
			pt.sess.close()
			pt.sess = nil
		}
		pt.p.Shutdown()
		pt.p.StopListening()
		conn.Publish(conn.NewMessage(StatusTopic(id), nil, true))
	}
	s.ports = make(map[string]*port)
	s.order = nil
}

// ---- Status ----

func (s *Service) status(id string, pt *port) Status {
	st := Status{
		ID:        id,
		Mode:      pt.p.Mode().String(),
		Baud:      pt.p.Baud(),
		Format:    pt.p.Format().String(),
		Listening: pt.p.IsListening(),
		Overflow:  pt.p.Overflow(),
		Stats:     pt.p.Stats(),
	}
	if pt.sess != nil {
		st.Session = pt.sess.id
	}
	return st
}

func (s *Service) publish(conn *bus.Connection, id string) {
	if pt, ok := s.ports[id]; ok {
		conn.Publish(conn.NewMessage(StatusTopic(id), s.status(id, pt), true))
	}
}

func (s *Service) publishAll(conn *bus.Connection) {
	for _, id := range s.order {
		s.publish(conn, id)
	}
}

// ---- Controls ----

func (s *Service) handleControl(ctx context.Context, conn *bus.Connection, msg *bus.Message) {
	if len(msg.Topic) != 4 {
		conn.Reply(msg, fail(errcode.InvalidTopic), false)
		return
	}
	id, _ := msg.Topic[1].(string)
	verb, _ := msg.Topic[3].(string)
	pt, ok := s.ports[id]
	if !ok {
		conn.Reply(msg, fail(errcode.UnknownPort), false)
		return
	}
	res := s.control(ctx, pt, verb, msg.Payload)
	conn.Reply(msg, res, false)
	if res.OK {
		s.publish(conn, id)
	}
}

func (s *Service) control(ctx context.Context, pt *port, verb string, payload any) Result {
	switch verb {
	case VerbSessionOpen:
		var req SessionOpen
		if err := decode(payload, &req); err != nil {
			return fail(err)
		}
		if pt.sess != nil {
			return fail(errcode.Conflict)
		}
		rx, tx, valid := sessionSizes(req)
		if !valid {
			return fail(errcode.InvalidParams)
		}
		// Bytes that arrived before the session are not the client's.
		pt.p.Flush()
		s.snCtr++
		pt.sess = newSession(s.snCtr, rx, tx)
		pt.sess.start(ctx, pt.cfg.ID, pt.p)
		println("[softuart]", pt.cfg.ID, "session", pt.sess.id, "opened")
		return success(pt.sess.opened())

	case VerbSessionClose:
		if pt.sess == nil {
			return success(nil)
		}
		println("[softuart]", pt.cfg.ID, "session", pt.sess.id, "closed")
		pt.sess.close()
		pt.sess = nil
		return success(nil)

	case VerbSetBaud:
		var req SetBaud
		if err := decode(payload, &req); err != nil {
			return fail(err)
		}
		var err error
		s.paused(ctx, pt, func() { err = pt.p.Configure(req.Baud, pt.p.Format()) })
		if err != nil {
			return fail(err)
		}
		return success(pt.p.Baud())

	case VerbSetFormat:
		var req SetFormat
		if err := decode(payload, &req); err != nil {
			return fail(err)
		}
		f, err := softserial.ParseFormat(req.Format)
		if err != nil {
			return fail(err)
		}
		if pt.p.Mode() == softserial.BusyWait && f != softserial.Format8N1 {
			return fail(errcode.Unsupported)
		}
		baud := pt.p.Baud()
		if baud == 0 {
			baud = pt.cfg.Baud
		}
		s.paused(ctx, pt, func() { err = pt.p.Configure(baud, f) })
		if err != nil {
			return fail(err)
		}
		return success(pt.p.Format().String())

	case VerbListen:
		var switched bool
		s.paused(ctx, pt, func() { switched = pt.p.Listen() })
		return success(switched)

	case VerbFlush:
		if !pt.p.IsListening() {
			return fail(errcode.NotListening)
		}
		s.paused(ctx, pt, pt.p.Flush)
		return success(nil)

	default:
		return fail(errcode.Unsupported)
	}
}

// paused runs fn with the port's reactor stopped, since fn may reset the
// rings the reactor consumes.
func (s *Service) paused(ctx context.Context, pt *port, fn func()) {
	if pt.sess == nil {
		fn()
		return
	}
	pt.sess.pause()
	fn()
	pt.sess.start(ctx, pt.cfg.ID, pt.p)
}
