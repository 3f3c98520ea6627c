package protocol

import (
	"fmt"
	"time"
)

// Command is a provisioning verb accepted on the request channel.
type Command string

const (
	CommandApply   Command = "apply"
	CommandPlan    Command = "plan"
	CommandDestroy Command = "destroy"
)

// Commands lists the allow-listed commands in display order.
var Commands = []Command{CommandPlan, CommandApply, CommandDestroy}

// Valid reports whether c is one of the allow-listed commands.
func (c Command) Valid() bool {
	switch c {
	case CommandApply, CommandPlan, CommandDestroy:
		return true
	}
	return false
}

// ParseCommand converts a caller-supplied command name into a Command.
func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "command", Reason: fmt.Sprintf("unsupported command %q", s)}
	}
	return c, nil
}

const (
	// UnknownRequestID is used on responses to requests whose id could not be recovered.
	UnknownRequestID = "unknown"

	// ErrorTimeout is the error text of a response whose command exceeded its time budget.
	ErrorTimeout = "timeout"

	// ErrorMalformed is the error text of a response to an undecodable request.
	ErrorMalformed = "malformed request"
)

// RequestConfig carries the only caller options forwarded to the executor.
type RequestConfig struct {
	Target string `json:"target,omitempty" validate:"omitempty,max=256,target"`
}

// CommandRequest is the envelope published on the request channel.
type CommandRequest struct {
	RequestID string        `json:"request_id" validate:"required,uuid"`
	Command   Command       `json:"command" validate:"required,command"`
	Config    RequestConfig `json:"config"`
}

// CommandResponse is the envelope published on the response channel.
type CommandResponse struct {
	RequestID string  `json:"request_id"`
	Success   bool    `json:"success"`
	Output    string  `json:"output"`
	Error     string  `json:"error"`
	Timestamp float64 `json:"timestamp"`
}

// Timestamp converts t to epoch seconds with sub-second precision.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts the response timestamp back into a time.Time.
func (r *CommandResponse) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Failure builds a failed response for requestID.
func Failure(requestID, errMsg string, at time.Time) *CommandResponse {
	if requestID == "" {
		requestID = UnknownRequestID
	}
	return &CommandResponse{
		RequestID: requestID,
		Success:   false,
		Error:     errMsg,
		Timestamp: Timestamp(at),
	}
}
