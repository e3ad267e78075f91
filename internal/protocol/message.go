// Package protocol defines the control messages exchanged with remote
// workers over the text side of the socket. Every frame is a JSON object
// carrying a numeric "code" discriminator that selects the message shape.
// Binary frames are not part of this package; they carry raw job payloads
// and are complete when the transport signals end-of-message.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Code discriminates the control-message set.
type Code int

const (
	CodeRegister      Code = 0 // worker -> server: initial handshake
	CodeStatus        Code = 1 // worker -> server: self-reported readiness
	CodeStatusRequest Code = 2 // server -> worker: prompt for a Status reply
	CodeProgress      Code = 3 // worker -> server: advisory progress
	CodeJobFailed     Code = 4 // worker -> server: advisory failure report
)

func (c Code) String() string {
	switch c {
	case CodeRegister:
		return "register"
	case CodeStatus:
		return "status"
	case CodeStatusRequest:
		return "status_request"
	case CodeProgress:
		return "progress"
	case CodeJobFailed:
		return "job_failed"
	}
	return "unknown"
}

// WorkerStatus is the readiness a worker self-reports in a Status message.
type WorkerStatus int

const (
	StatusBusy  WorkerStatus = 0
	StatusReady WorkerStatus = 1
)

func (s WorkerStatus) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "busy"
}

// Message is implemented by every decoded control message.
type Message interface {
	MessageCode() Code
}

// Base carries the discriminator shared by all message shapes.
type Base struct {
	Code Code `json:"code"`
}

func (b Base) MessageCode() Code { return b.Code }

// Register is the worker's initial handshake. The token is checked by the
// injected worker authenticator.
type Register struct {
	Base
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Status reports the worker's readiness.
type Status struct {
	Base
	Status WorkerStatus `json:"status"`
}

// Progress is advisory and not consumed by the dispatch core.
type Progress struct {
	Base
	Percent *float64 `json:"percent,omitempty"`
	Info    *string  `json:"info,omitempty"`
}

// JobFailed is a worker's report that its current job errored. It is
// advisory: it feeds the job's failure count but drives no status
// transition or requeue.
type JobFailed struct {
	Base
	Info *string `json:"info,omitempty"`
	Logs *string `json:"logs,omitempty"`
}

// NewRegister builds a registration handshake message.
func NewRegister(name, token string) *Register {
	return &Register{Base: Base{Code: CodeRegister}, Name: name, Token: token}
}

// NewStatus builds a readiness report.
func NewStatus(status WorkerStatus) *Status {
	return &Status{Base: Base{Code: CodeStatus}, Status: status}
}

// NewStatusRequest builds the server's prompt for an immediate Status reply.
func NewStatusRequest() *Base {
	return &Base{Code: CodeStatusRequest}
}

// Encode serializes a control message to its wire form.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	return data, errors.Wrap(err, "encoding control message")
}

// Decode parses a text frame in two passes: first the discriminator, then
// the full shape it selects.
func Decode(data []byte) (Message, error) {
	var base Base
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, errors.Wrap(err, "decoding message discriminator")
	}

	var m Message
	switch base.Code {
	case CodeRegister:
		m = &Register{}
	case CodeStatus:
		m = &Status{}
	case CodeStatusRequest:
		m = &Base{}
	case CodeProgress:
		m = &Progress{}
	case CodeJobFailed:
		m = &JobFailed{}
	default:
		return nil, errors.Errorf("unknown message code %d", base.Code)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(err, "decoding %s message", base.Code)
	}
	return m, nil
}
