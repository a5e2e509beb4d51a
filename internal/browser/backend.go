package browser

import (
	"context"
	"encoding/json"
	"time"
)

// Element is one entry of a snapshot.
type Element struct {
	Ref         string `json:"ref"`
	Tag         string `json:"tag"`
	Role        string `json:"role,omitempty"`
	Text        string `json:"text,omitempty"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Href        string `json:"href,omitempty"`
	Interactive bool   `json:"interactive"`
}

type Snapshot struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Elements []Element `json:"elements"`
}

type PageInfo struct {
	PageID string `json:"page_id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

// Backend drives real pages. Selectors passed in are already resolved from
// refs. Implementations return ErrPageNotFound and ErrElementNotFound
// (possibly wrapped) for missing pages and elements.
type Backend interface {
	Goto(ctx context.Context, pageID, url string) (PageInfo, error)
	Click(ctx context.Context, pageID, selector string) error
	Type(ctx context.Context, pageID, selector, text string, delay time.Duration) error
	HTML(ctx context.Context, pageID, selector string, inner bool) (string, error)
	Snapshot(ctx context.Context, pageID, scope string, interactiveOnly bool) (Snapshot, error)
	Run(ctx context.Context, pageID, code string) (json.RawMessage, error)
	Close(ctx context.Context, pageID string) error
	Shutdown()
}
