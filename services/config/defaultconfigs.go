package config

// -----------------------------------------------------------------------------
// Embedded configuration
//
// Key: device ID (same value placed in ctx under CtxDeviceKey)
// Val: raw JSON bytes for that device
// -----------------------------------------------------------------------------

// Pico: a GPS receiver on GP5 (rx) / GP4 (tx), oversampled 9600 8N1, and
// a busy-wait port on GP3 (rx) / GP2 (tx) at 4800.
const cfgPico = `{
  "softuart": {
    "status_interval": 5,
    "ports": [
      {"id": "gps", "rx": 5, "tx": 4, "baud": 9600, "format": "8N1", "mode": "oversampled", "oversample": 4},
      {"id": "aux", "rx": 3, "tx": 2, "baud": 4800, "mode": "busywait"}
    ]
  },
  "heartbeat": {
      "interval": 2
  }
}`

// Host simulator: one oversampled port whose tx (pin 0) is wired back to
// its rx (pin 1), and an idle busy-wait port.
const cfgSim = `{
  "softuart": {
    "status_interval": 2,
    "ports": [
      {"id": "loop", "rx": 1, "tx": 0, "baud": 9600, "format": "8E1", "mode": "oversampled", "rx_size": 64, "tx_size": 64},
      {"id": "aux", "rx": 3, "tx": 2, "baud": 4800, "mode": "busywait"}
    ]
  },
  "bridge": {
    "transport": {"type": "uart", "uart": {"baud": 19200, "rx_pin": 11, "tx_pin": 10, "mode": "oversampled"}},
    "export": ["softuart/+/status"]
  },
  "heartbeat": {
      "interval": 5
  }
}`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"sim":  []byte(cfgSim),
}
