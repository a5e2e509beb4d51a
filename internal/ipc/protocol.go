// Package ipc implements the command/event protocol between the consume
// daemon and CLI clients: length-prefixed JSON frames over a loopback TCP
// connection, with responses correlated to commands by request id.
package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/ashleyhindle/fuel/internal/concurrency"
	"github.com/ashleyhindle/fuel/internal/health"
)

const ProtocolVersion = 1

const maxFrameSize = 10 * 1024 * 1024

type CommandType string

const (
	CmdAttach          CommandType = "attach"
	CmdDetach          CommandType = "detach"
	CmdPing            CommandType = "ping"
	CmdHealthSummary   CommandType = "health_summary"
	CmdHealthReset     CommandType = "health_reset"
	CmdPause           CommandType = "pause"
	CmdResume          CommandType = "resume"
	CmdScan            CommandType = "scan"
	CmdStopTask        CommandType = "stop_task"
	CmdBrowserGoto     CommandType = "browser_goto"
	CmdBrowserClick    CommandType = "browser_click"
	CmdBrowserType     CommandType = "browser_type"
	CmdBrowserHTML     CommandType = "browser_html"
	CmdBrowserSnapshot CommandType = "browser_snapshot"
	CmdBrowserRun      CommandType = "browser_run"
	CmdBrowserClose    CommandType = "browser_close"
)

type EventType string

const (
	EvtAck             EventType = "ack"
	EvtError           EventType = "error"
	EvtHealthSummary   EventType = "health_summary"
	EvtHealthChanged   EventType = "health_changed"
	EvtTaskCompleted   EventType = "task_completed"
	EvtBrowserResponse EventType = "browser_response"
)

// Error codes carried by error events and failed browser responses.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePageNotFound     = "PAGE_NOT_FOUND"
	ErrCodeElementNotFound  = "ELEMENT_NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeBrowser          = "BROWSER_ERROR"
)

// Command is the envelope of every client-to-daemon message.
type Command struct {
	ProtocolVersion int             `json:"protocol_version"`
	Type            CommandType     `json:"type"`
	RequestID       string          `json:"request_id"`
	Timestamp       time.Time       `json:"timestamp"`
	InstanceID      string          `json:"instance_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Event is the envelope of every daemon-to-client message. RequestID is empty
// for broadcasts.
type Event struct {
	Type       EventType       `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	InstanceID string          `json:"instance_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// CommandPayload is implemented by every command body. The set is closed:
// DecodePayload knows each implementation.
type CommandPayload interface {
	CommandType() CommandType
}

type AttachPayload struct{}
type DetachPayload struct{}
type PingPayload struct{}
type HealthSummaryPayload struct{}
type PausePayload struct{}
type ResumePayload struct{}
type ScanPayload struct{}

type HealthResetPayload struct {
	// Agent is an agent name or health.ResetAll.
	Agent string `json:"agent"`
}

type StopTaskPayload struct {
	TaskID string `json:"task_id"`
}

// BrowserTarget addresses an element. Exactly one of Selector and Ref is set.
type BrowserTarget struct {
	PageID   string `json:"page_id"`
	Selector string `json:"selector,omitempty"`
	Ref      string `json:"ref,omitempty"`
}

type BrowserGotoPayload struct {
	PageID string `json:"page_id"`
	URL    string `json:"url"`
}

type BrowserClickPayload struct {
	BrowserTarget
}

type BrowserTypePayload struct {
	BrowserTarget
	Text    string `json:"text"`
	DelayMS int    `json:"delay_ms,omitempty"`
}

type BrowserHTMLPayload struct {
	BrowserTarget
	Inner bool `json:"inner,omitempty"`
}

type BrowserSnapshotPayload struct {
	PageID          string `json:"page_id"`
	Scope           string `json:"scope,omitempty"`
	InteractiveOnly bool   `json:"interactive_only,omitempty"`
}

type BrowserRunPayload struct {
	PageID string `json:"page_id"`
	Code   string `json:"code"`
}

type BrowserClosePayload struct {
	PageID string `json:"page_id"`
}

func (AttachPayload) CommandType() CommandType          { return CmdAttach }
func (DetachPayload) CommandType() CommandType          { return CmdDetach }
func (PingPayload) CommandType() CommandType            { return CmdPing }
func (HealthSummaryPayload) CommandType() CommandType   { return CmdHealthSummary }
func (HealthResetPayload) CommandType() CommandType     { return CmdHealthReset }
func (PausePayload) CommandType() CommandType           { return CmdPause }
func (ResumePayload) CommandType() CommandType          { return CmdResume }
func (ScanPayload) CommandType() CommandType            { return CmdScan }
func (StopTaskPayload) CommandType() CommandType        { return CmdStopTask }
func (BrowserGotoPayload) CommandType() CommandType     { return CmdBrowserGoto }
func (BrowserClickPayload) CommandType() CommandType    { return CmdBrowserClick }
func (BrowserTypePayload) CommandType() CommandType     { return CmdBrowserType }
func (BrowserHTMLPayload) CommandType() CommandType     { return CmdBrowserHTML }
func (BrowserSnapshotPayload) CommandType() CommandType { return CmdBrowserSnapshot }
func (BrowserRunPayload) CommandType() CommandType      { return CmdBrowserRun }
func (BrowserClosePayload) CommandType() CommandType    { return CmdBrowserClose }

// NewCommand builds a command with a fresh request id.
func NewCommand(instanceID string, p CommandPayload) (Command, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", p.CommandType(), err)
	}
	return Command{
		ProtocolVersion: ProtocolVersion,
		Type:            p.CommandType(),
		RequestID:       uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		InstanceID:      instanceID,
		Payload:         raw,
	}, nil
}

// DecodePayload returns the typed body of cmd.
func (c Command) DecodePayload() (CommandPayload, error) {
	var p CommandPayload
	switch c.Type {
	case CmdAttach:
		p = &AttachPayload{}
	case CmdDetach:
		p = &DetachPayload{}
	case CmdPing:
		p = &PingPayload{}
	case CmdHealthSummary:
		p = &HealthSummaryPayload{}
	case CmdHealthReset:
		p = &HealthResetPayload{}
	case CmdPause:
		p = &PausePayload{}
	case CmdResume:
		p = &ResumePayload{}
	case CmdScan:
		p = &ScanPayload{}
	case CmdStopTask:
		p = &StopTaskPayload{}
	case CmdBrowserGoto:
		p = &BrowserGotoPayload{}
	case CmdBrowserClick:
		p = &BrowserClickPayload{}
	case CmdBrowserType:
		p = &BrowserTypePayload{}
	case CmdBrowserHTML:
		p = &BrowserHTMLPayload{}
	case CmdBrowserSnapshot:
		p = &BrowserSnapshotPayload{}
	case CmdBrowserRun:
		p = &BrowserRunPayload{}
	case CmdBrowserClose:
		p = &BrowserClosePayload{}
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
	if len(c.Payload) > 0 && !bytes.Equal(c.Payload, []byte("null")) {
		if err := json.Unmarshal(c.Payload, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", c.Type, err)
		}
	}
	return p, nil
}

// Event payloads.

type AckPayload struct {
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthSnapshot struct {
	Agents   []health.Summary   `json:"agents"`
	Slots    []concurrency.Slot `json:"slots,omitempty"`
	Paused   bool               `json:"paused"`
	InFlight []string           `json:"in_flight,omitempty"`
}

type TaskCompletedPayload struct {
	TaskID          string  `json:"task_id"`
	Agent           string  `json:"agent"`
	Result          string  `json:"result"`
	ExitCode        int     `json:"exit_code"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// BrowserResponse answers every browser command. Result is absent on failure.
type BrowserResponse struct {
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
}

// NewEvent builds an event; reply events copy RequestID and InstanceID from
// the command they answer.
func NewEvent(t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ErrorEvent(ErrCodeInternal, fmt.Sprintf("marshal %s payload: %v", t, err))
		}
		ev.Payload = raw
	}
	return ev
}

// ReplyTo tags ev as the answer to cmd.
func (e Event) ReplyTo(cmd Command) Event {
	e.RequestID = cmd.RequestID
	e.InstanceID = cmd.InstanceID
	return e
}

func AckEvent(message string, data any) Event {
	p := AckPayload{Message: message}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ErrorEvent(ErrCodeInternal, fmt.Sprintf("marshal ack data: %v", err))
		}
		p.Data = raw
	}
	return NewEvent(EvtAck, p)
}

func ErrorEvent(code, message string) Event {
	raw, _ := json.Marshal(ErrorPayload{Code: code, Message: message})
	return Event{Type: EvtError, Timestamp: time.Now().UTC(), Payload: raw}
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Err converts an error event into a *RemoteError; other events yield nil.
func (e Event) Err() error {
	if e.Type != EvtError {
		return nil
	}
	var p ErrorPayload
	if err := e.Decode(&p); err != nil {
		return &RemoteError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return &RemoteError{Code: p.Code, Message: p.Message}
}

// RemoteError is a failure reported by the daemon. Message is the daemon's
// own wording.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// WriteFrame writes v as [4-byte big-endian length][JSON].
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	if _, err := io.Copy(w, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
