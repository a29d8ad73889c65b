package config

import (
	"context"

	"softserial-go/bus"
	"softserial-go/errcode"

	"github.com/andreyvit/tinyjson"
)

// -----------------------------------------------------------------------------
// String constants (live in flash, not RAM)
// -----------------------------------------------------------------------------

const (
	serviceName  = "config"
	configPrefix = "config"
	CtxDeviceKey = "device" // context key used for device ID
)

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = func(device string) ([]byte, bool) {
	b, ok := embeddedConfigs[device]
	return b, ok
}

// Topic returns the retained topic for a top-level config key.
func Topic(key string) bus.Topic { return bus.T(configPrefix, key) }

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
}

func NewConfigService() *ConfigService {
	return &ConfigService{Name: serviceName}
}

// Decode parses a device config into its top-level keys. Numbers decode as
// float64, arrays as []any and objects as map[string]any.
func Decode(raw []byte) (m map[string]any, err error) {
	const op = "config.Decode"
	defer func() {
		// tinyjson reports malformed input by panicking.
		if r := recover(); r != nil {
			msg, _ := r.(string)
			m, err = nil, &errcode.E{C: errcode.InvalidPayload, Op: op, Msg: msg}
		}
	}()

	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return nil, &errcode.E{C: errcode.InvalidPayload, Op: op, Msg: "not a JSON object"}
	}
	return m, nil
}

// publishConfig reads the device config from embedded data and publishes it as retained messages.
func (s *ConfigService) publishConfig(ctx context.Context, conn *bus.Connection) error {
	device, _ := ctx.Value(CtxDeviceKey).(string)
	if device == "" {
		return &errcode.E{C: errcode.InvalidParams, Op: "config.publish", Msg: "missing device ID in context"}
	}

	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return &errcode.E{C: errcode.NotFound, Op: "config.publish", Msg: "no embedded config for device: " + device}
	}

	m, err := Decode(raw)
	if err != nil {
		return err
	}
	for k, v := range m {
		conn.Publish(conn.NewMessage(Topic(k), v, true))
	}
	return nil
}

// Start launches the config publisher in a goroutine.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.publishConfig(ctx, conn); err != nil {
			println("[config] publish failed:", err.Error())
		}
	}()
}
