// Package control is the MQTT control plane of the daemon.
//
// Topics, relative to a configurable prefix:
//
//	<prefix>/control           commands in (JSON)
//	<prefix>/control/response  command acks out (JSON)
//	<prefix>/status            periodic stream status out (JSON or msgpack)
//
// Commands: {"command":"status"}, {"command":"start","camera":"rear"},
// {"command":"stop","camera":"rear"}, {"command":"restart","camera":"rear"}.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Status payload encodings.
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Command is a control plane request.
type Command struct {
	Command string `json:"command"`
	Camera  string `json:"camera,omitempty"`
}

// Response acknowledges a command.
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"` // ok|error
	Camera     string         `json:"camera,omitempty"`
	Data       []StreamStatus `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// StreamStatus summarizes one camera stream.
type StreamStatus struct {
	Camera    string  `json:"camera" msgpack:"camera"`
	State     string  `json:"state" msgpack:"state"`
	SessionID string  `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Error     string  `json:"error,omitempty" msgpack:"error,omitempty"`
	Uptime    string  `json:"uptime,omitempty" msgpack:"uptime,omitempty"`
	Received  uint64  `json:"received" msgpack:"received"`
	Published uint64  `json:"published" msgpack:"published"`
	Dropped   uint64  `json:"dropped" msgpack:"dropped"`
	LastFrame uint64  `json:"last_frame_id" msgpack:"last_frame_id"`
	FPS       float64 `json:"fps" msgpack:"fps"`
	Stable    bool    `json:"stable" msgpack:"stable"`
	Free      int     `json:"slots_free" msgpack:"slots_free"`
	Ready     int     `json:"slots_ready" msgpack:"slots_ready"`
	Reading   int     `json:"slots_reading" msgpack:"slots_reading"`
}

// StatusReport is the periodic status message.
type StatusReport struct {
	Instance  string         `json:"instance" msgpack:"instance"`
	Timestamp int64          `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Streams   []StreamStatus `json:"streams" msgpack:"streams"`
}

// EncodeStatus serializes r in format.
func EncodeStatus(format string, r StatusReport) ([]byte, error) {
	switch format {
	case FormatMsgpack:
		return msgpack.Marshal(r)
	case FormatJSON, "":
		return json.Marshal(r)
	default:
		return nil, fmt.Errorf("control: unknown status format %q", format)
	}
}

// DecodeStatus parses a status message produced by EncodeStatus.
func DecodeStatus(format string, data []byte) (StatusReport, error) {
	var r StatusReport
	var err error
	switch format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(data, &r)
	case FormatJSON, "":
		err = json.Unmarshal(data, &r)
	default:
		err = fmt.Errorf("control: unknown status format %q", format)
	}
	return r, err
}
