package process

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// ParseAgentOutput extracts the session id and cost from the last JSON line
// that carries them. Agents that print plain text yield zero values.
func ParseAgentOutput(output string) (sessionID string, costUSD *float64) {
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			SessionID      string   `json:"session_id"`
			SessionIDCamel string   `json:"sessionId"`
			TotalCostUSD   *float64 `json:"total_cost_usd"`
			CostUSD        *float64 `json:"cost_usd"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		switch {
		case rec.SessionID != "":
			sessionID = rec.SessionID
		case rec.SessionIDCamel != "":
			sessionID = rec.SessionIDCamel
		}
		switch {
		case rec.TotalCostUSD != nil:
			costUSD = rec.TotalCostUSD
		case rec.CostUSD != nil:
			costUSD = rec.CostUSD
		}
	}
	return sessionID, costUSD
}

// tailBuffer keeps the last max bytes written to it and remembers the first
// watch pattern seen anywhere in the stream, even after it scrolls out.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	buf     []byte
	watch   [][]byte
	carry   []byte
	overlap int
	matched string
}

func newTailBuffer(max int, watch ...string) *tailBuffer {
	t := &tailBuffer{max: max}
	for _, w := range watch {
		if w == "" {
			continue
		}
		t.watch = append(t.watch, bytes.ToLower([]byte(w)))
		if len(w)-1 > t.overlap {
			t.overlap = len(w) - 1
		}
	}
	return t
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scan(p)
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if len(t.buf)+len(p) > t.max {
		t.buf = t.buf[len(t.buf)+len(p)-t.max:]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

// scan checks p plus the tail of the previous write so patterns split
// across writes still match.
func (t *tailBuffer) scan(p []byte) {
	if t.matched != "" || len(t.watch) == 0 {
		return
	}
	window := append(t.carry, bytes.ToLower(p)...)
	for _, w := range t.watch {
		if bytes.Contains(window, w) {
			t.matched = string(w)
			t.carry = nil
			return
		}
	}
	if len(window) > t.overlap {
		window = window[len(window)-t.overlap:]
	}
	t.carry = append(t.carry[:0:0], window...)
}

func (t *tailBuffer) Matched() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matched
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
