// Package honeypot holds the OpenCanary log event model and its CSV, gzip
// and S3 key encodings shared by the harvest, normalize and train stages.
package honeypot

import (
	"bytes"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/darktracer/darktracer/internal/faults"
)

// Header is the fixed, order-significant CSV header for flattened events.
var Header = []string{
	"utc_time",
	"src_host",
	"src_port",
	"dst_host",
	"dst_port",
	"logtype",
	"node_id",
	"username",
	"password",
}

// Scalar is a JSON scalar kept as text. OpenCanary emits ports and log
// types as numbers and everything else as strings; both land in CSV as
// their literal text, null as empty.
type Scalar string

func (s *Scalar) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*s = ""
	case b[0] == '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = Scalar(v)
	default:
		*s = Scalar(b)
	}
	return nil
}

func (s Scalar) String() string { return string(s) }

// Credentials is the logdata object. Anything other than an object
// (OpenCanary sends strings for some log types) leaves it empty.
type Credentials struct {
	Username Scalar
	Password Scalar
}

func (c *Credentials) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		*c = Credentials{}
		return nil
	}
	var raw struct {
		Username Scalar `json:"USERNAME"`
		Password Scalar `json:"PASSWORD"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Username, c.Password = raw.Username, raw.Password
	return nil
}

// Event is one honeypot log line.
type Event struct {
	UTCTime Scalar      `json:"utc_time"`
	SrcHost Scalar      `json:"src_host"`
	SrcPort Scalar      `json:"src_port"`
	DstHost Scalar      `json:"dst_host"`
	DstPort Scalar      `json:"dst_port"`
	LogType Scalar      `json:"logtype"`
	NodeID  Scalar      `json:"node_id"`
	LogData Credentials `json:"logdata"`
}

// ParseEvent decodes a log message. Messages that are not a JSON object
// are reported as faults.ErrInvalid so callers can skip them.
func ParseEvent(message string) (Event, error) {
	var ev Event
	m := strings.TrimSpace(message)
	if !strings.HasPrefix(m, "{") {
		return ev, faults.Invalid("log message is not a JSON object")
	}
	if err := json.Unmarshal([]byte(m), &ev); err != nil {
		return ev, faults.Invalid("decode log message: %v", err)
	}
	return ev, nil
}

// Row flattens the event in Header order.
func (e Event) Row() []string {
	return []string{
		e.UTCTime.String(),
		e.SrcHost.String(),
		e.SrcPort.String(),
		e.DstHost.String(),
		e.DstPort.String(),
		e.LogType.String(),
		e.NodeID.String(),
		e.LogData.Username.String(),
		e.LogData.Password.String(),
	}
}
