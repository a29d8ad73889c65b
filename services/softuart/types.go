package softuart

import (
	"encoding/json"

	"softserial-go/bus"
	"softserial-go/errcode"
	"softserial-go/softserial"
)

// ---- Topics ----

const (
	serviceName = "softuart"

	tokStatus = "status"
	tokCtrl   = "ctrl"
)

var topicConfig = bus.Topic{"config", serviceName}

// StatusTopic is where a port's retained status lives.
func StatusTopic(id string) bus.Topic { return bus.T(serviceName, id, tokStatus) }

// CtrlTopic addresses a control verb on a port.
func CtrlTopic(id, verb string) bus.Topic { return bus.T(serviceName, id, tokCtrl, verb) }

// Control verbs.
const (
	VerbSessionOpen  = "session_open"
	VerbSessionClose = "session_close"
	VerbSetBaud      = "set_baud"
	VerbSetFormat    = "set_format"
	VerbListen       = "listen"
	VerbFlush        = "flush"
)

// ---- Configuration ----

// Config is the config/softuart payload.
type Config struct {
	StatusInterval float64      `json:"status_interval"` // seconds, 0 disables
	Ports          []PortConfig `json:"ports"`
}

// PortConfig describes one soft port.
type PortConfig struct {
	ID         string `json:"id"`
	RX         int    `json:"rx"`
	TX         int    `json:"tx"`
	Baud       uint32 `json:"baud"`
	Format     string `json:"format"` // "8N1" style, default 8N1
	Mode       string `json:"mode"`   // "busywait" | "oversampled"
	Inverted   bool   `json:"inverted"`
	Oversample int    `json:"oversample"`
	RxSize     int    `json:"rx_size"`
	TxSize     int    `json:"tx_size"`
}

// ---- Requests / replies ----

type SessionOpen struct {
	RXSize int `json:"rx_size"` // power of two; 0 selects 256
	TXSize int `json:"tx_size"`
}

type SessionOpened struct {
	SessionID uint32 `json:"session_id"`
	RXHandle  uint32 `json:"rx_handle"` // port -> client
	TXHandle  uint32 `json:"tx_handle"` // client -> port
}

type SetBaud struct {
	Baud uint32 `json:"baud"`
}

type SetFormat struct {
	Format string `json:"format"`
}

// Result is the reply to every control request.
type Result struct {
	OK    bool         `json:"ok"`
	Error errcode.Code `json:"error,omitempty"`
	Value any          `json:"value,omitempty"`
}

func success(v any) Result { return Result{OK: true, Value: v} }

func fail(err error) Result { return Result{Error: errcode.Of(err)} }

// Status is published retained per port.
type Status struct {
	ID        string           `json:"id"`
	Mode      string           `json:"mode"`
	Baud      uint32           `json:"baud"`
	Format    string           `json:"format"`
	Listening bool             `json:"listening"`
	Overflow  bool             `json:"overflow"`
	Session   uint32           `json:"session"` // 0 when none
	Stats     softserial.Stats `json:"stats"`
}

// decode accepts a typed value, a map from decoded JSON, raw JSON or nil.
func decode[T any](src any, dst *T) error {
	var err error
	switch v := src.(type) {
	case nil:
		return nil
	case T:
		*dst = v
		return nil
	case []byte:
		err = json.Unmarshal(v, dst)
	case string:
		err = json.Unmarshal([]byte(v), dst)
	default:
		var b []byte
		if b, err = json.Marshal(v); err == nil {
			err = json.Unmarshal(b, dst)
		}
	}
	if err != nil {
		return &errcode.E{C: errcode.InvalidPayload, Op: "softuart.decode", Err: err}
	}
	return nil
}
