package heartbeat

import (
	"context"
	"time"

	"softserial-go/bus"
)

var topicConfigHeartbeat = bus.Topic{"config", "heartbeat"}

// Status is an optional source of a one-line summary appended to each beat.
type Status func() string

type Service struct {
	Status Status
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	cfgSub := conn.Subscribe(topicConfigHeartbeat)
	defer conn.Unsubscribe(cfgSub)

	tick := time.NewTicker(1 * time.Second)
	defer tick.Stop()

	// loop until context is cancelled, respond to tick and config changes
	for {
		select {
		case <-ctx.Done():
			println("Info: heartbeat service stopping")
			return
		case t := <-tick.C:
			if s.Status != nil {
				println("Info:", t.Format("15:04:05"), "Heartbeat", s.Status())
			} else {
				println("Info:", t.Format("15:04:05"), "Heartbeat")
			}
		case msg := <-cfgSub.Channel():
			if m, ok := msg.Payload.(map[string]any); ok {
				if interval, ok := m["interval"].(float64); ok && interval > 0 {
					tick.Reset(time.Duration(interval * float64(time.Second)))
					println("Info:", "Heartbeat interval set to", interval, "seconds")
				}
			}
		}
	}
}

// Start the heartbeat service.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	go s.serviceLoop(ctx, conn)
	return nil
}
