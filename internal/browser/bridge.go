package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashleyhindle/fuel/internal/ipc"
	"github.com/ashleyhindle/fuel/internal/logging"
)

const DefaultTimeout = 30 * time.Second

// Bridge turns browser commands into backend calls. Calls run off the IPC
// read loop; each produces exactly one browser_response tagged with the
// command's request id.
type Bridge struct {
	backend Backend
	timeout time.Duration
	logger  *logging.Logger
	wg      sync.WaitGroup
}

func NewBridge(backend Backend, timeout time.Duration, logger *logging.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{backend: backend, timeout: timeout, logger: logger.With("browser")}
}

// Handler answers validation failures immediately and everything else
// asynchronously. A response whose session has gone away is dropped.
func (b *Bridge) Handler() ipc.HandlerFunc {
	return func(ctx context.Context, sess *ipc.Session, cmd ipc.Command) *ipc.Event {
		p, err := cmd.DecodePayload()
		if err != nil {
			ev := ipc.NewEvent(ipc.EvtBrowserResponse, failure(ipc.ErrCodeValidation, err.Error()))
			return &ev
		}
		p = byPointer(p)
		if err := validate(p); err != nil {
			ev := ipc.NewEvent(ipc.EvtBrowserResponse, responseFor(nil, err))
			return &ev
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			resp := b.Execute(ctx, p)
			if !sess.Reply(cmd, ipc.NewEvent(ipc.EvtBrowserResponse, resp)) {
				b.logger.Debug("dropped %s response for %s: client gone", cmd.Type, cmd.RequestID)
			}
		}()
		return nil
	}
}

// Wait blocks until in-flight operations finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) Shutdown() {
	b.wg.Wait()
	b.backend.Shutdown()
}

// Execute runs one browser command synchronously under the bridge timeout.
func (b *Bridge) Execute(ctx context.Context, p ipc.CommandPayload) ipc.BrowserResponse {
	p = byPointer(p)
	if err := validate(p); err != nil {
		return responseFor(nil, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	result, err := b.execute(ctx, p)
	if err != nil {
		b.logger.Warn("%s failed after %s: %v", p.CommandType(), time.Since(start).Round(time.Millisecond), err)
	} else {
		b.logger.Debug("%s ok in %s", p.CommandType(), time.Since(start).Round(time.Millisecond))
	}
	return responseFor(result, err)
}

func (b *Bridge) execute(ctx context.Context, p ipc.CommandPayload) (any, error) {
	switch p := p.(type) {
	case *ipc.BrowserGotoPayload:
		return b.backend.Goto(ctx, p.PageID, p.URL)
	case *ipc.BrowserClickPayload:
		sel, _ := ResolveTarget(p.Selector, p.Ref)
		if err := b.backend.Click(ctx, p.PageID, sel); err != nil {
			return nil, err
		}
		return map[string]string{"clicked": targetLabel(p.BrowserTarget)}, nil
	case *ipc.BrowserTypePayload:
		sel, _ := ResolveTarget(p.Selector, p.Ref)
		delay := time.Duration(p.DelayMS) * time.Millisecond
		if err := b.backend.Type(ctx, p.PageID, sel, p.Text, delay); err != nil {
			return nil, err
		}
		return map[string]any{"typed": len([]rune(p.Text)), "target": targetLabel(p.BrowserTarget)}, nil
	case *ipc.BrowserHTMLPayload:
		sel := ""
		if p.Selector != "" || p.Ref != "" {
			sel, _ = ResolveTarget(p.Selector, p.Ref)
		}
		return b.backend.HTML(ctx, p.PageID, sel, p.Inner)
	case *ipc.BrowserSnapshotPayload:
		return b.backend.Snapshot(ctx, p.PageID, p.Scope, p.InteractiveOnly)
	case *ipc.BrowserRunPayload:
		return b.backend.Run(ctx, p.PageID, p.Code)
	case *ipc.BrowserClosePayload:
		if err := b.backend.Close(ctx, p.PageID); err != nil {
			return nil, err
		}
		return map[string]string{"closed": p.PageID}, nil
	default:
		return nil, &ValidationError{Message: fmt.Sprintf("not a browser command: %s", p.CommandType())}
	}
}

// byPointer lets callers pass payload values as well as the pointers
// Command.DecodePayload returns.
func byPointer(p ipc.CommandPayload) ipc.CommandPayload {
	switch v := p.(type) {
	case ipc.BrowserGotoPayload:
		return &v
	case ipc.BrowserClickPayload:
		return &v
	case ipc.BrowserTypePayload:
		return &v
	case ipc.BrowserHTMLPayload:
		return &v
	case ipc.BrowserSnapshotPayload:
		return &v
	case ipc.BrowserRunPayload:
		return &v
	case ipc.BrowserClosePayload:
		return &v
	}
	return p
}

func validate(p ipc.CommandPayload) error {
	requirePage := func(id string) error {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Message: "page_id is required"}
		}
		return nil
	}

	switch p := p.(type) {
	case *ipc.BrowserGotoPayload:
		if err := requirePage(p.PageID); err != nil {
			return err
		}
		if strings.TrimSpace(p.URL) == "" {
			return &ValidationError{Message: "url is required"}
		}
	case *ipc.BrowserClickPayload:
		if err := requirePage(p.PageID); err != nil {
			return err
		}
		return ValidateTarget(p.Selector, p.Ref)
	case *ipc.BrowserTypePayload:
		if err := requirePage(p.PageID); err != nil {
			return err
		}
		if p.DelayMS < 0 {
			return &ValidationError{Message: "delay must not be negative"}
		}
		return ValidateTarget(p.Selector, p.Ref)
	case *ipc.BrowserHTMLPayload:
		if err := requirePage(p.PageID); err != nil {
			return err
		}
		if p.Selector != "" && p.Ref != "" {
			return ValidateTarget(p.Selector, p.Ref)
		}
		if p.Ref != "" {
			return ValidateTarget("", p.Ref)
		}
	case *ipc.BrowserSnapshotPayload:
		return requirePage(p.PageID)
	case *ipc.BrowserRunPayload:
		if err := requirePage(p.PageID); err != nil {
			return err
		}
		if strings.TrimSpace(p.Code) == "" {
			return &ValidationError{Message: "code is required"}
		}
	case *ipc.BrowserClosePayload:
		return requirePage(p.PageID)
	default:
		return &ValidationError{Message: fmt.Sprintf("not a browser command: %s", p.CommandType())}
	}
	return nil
}

func targetLabel(t ipc.BrowserTarget) string {
	if t.Ref != "" {
		return t.Ref
	}
	return t.Selector
}

// ErrorCode maps a backend or validation error to its wire code.
func ErrorCode(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return ipc.ErrCodeValidation
	case errors.Is(err, ErrPageNotFound):
		return ipc.ErrCodePageNotFound
	case errors.Is(err, ErrElementNotFound):
		return ipc.ErrCodeElementNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return ipc.ErrCodeTimeout
	default:
		return ipc.ErrCodeBrowser
	}
}

func responseFor(result any, err error) ipc.BrowserResponse {
	if err != nil {
		return failure(ErrorCode(err), err.Error())
	}
	resp := ipc.BrowserResponse{Success: true}
	if result != nil {
		if raw, ok := result.(json.RawMessage); ok {
			resp.Result = raw
			return resp
		}
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			return failure(ipc.ErrCodeBrowser, fmt.Sprintf("encode result: %v", mErr))
		}
		resp.Result = raw
	}
	return resp
}

func failure(code, message string) ipc.BrowserResponse {
	return ipc.BrowserResponse{Success: false, Error: message, ErrorCode: code}
}
