package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/ashleyhindle/fuel/internal/logging"
	"github.com/ashleyhindle/fuel/internal/model"
)

// Chrome is a Backend on one shared Chrome process with a tab per page id.
// The process starts on the first goto.
type Chrome struct {
	cfg         model.BrowserConfig
	logger      *logging.Logger
	mu          sync.Mutex
	pages       map[string]*page
	allocCtx    context.Context
	allocCancel context.CancelFunc
}

type page struct {
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewChrome(cfg model.BrowserConfig, logger *logging.Logger) *Chrome {
	return &Chrome{
		cfg:    cfg,
		logger: logger.With("chrome"),
		pages:  make(map[string]*page),
	}
}

// ensureAllocator must be called with c.mu held.
func (c *Chrome) ensureAllocator() {
	if c.allocCtx != nil && c.allocCtx.Err() == nil {
		return
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.cfg.Headless),
		chromedp.Flag("disable-gpu", c.cfg.Headless),
	)
	if path := strings.TrimSpace(c.cfg.ChromePath); path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	c.allocCtx, c.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	c.logger.Info("chrome allocator started headless=%t", c.cfg.Headless)
}

// openPage returns the tab for id, creating it when create is set.
func (c *Chrome) openPage(id string, create bool) (*page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[id]; ok {
		if p.ctx.Err() == nil {
			return p, nil
		}
		delete(c.pages, id)
	}
	if !create {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}

	c.ensureAllocator()
	ctx, cancel := chromedp.NewContext(c.allocCtx)
	// First Run on a fresh context launches the browser/tab.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		if len(c.pages) == 0 {
			c.allocCancel()
			c.allocCtx, c.allocCancel = nil, nil
		}
		return nil, fmt.Errorf("start tab: %w", err)
	}
	p := &page{ctx: ctx, cancel: cancel}
	c.pages[id] = p
	return p, nil
}

// run executes fn against the tab, bounded by the caller's ctx.
func (p *page) run(callCtx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := callCtx.Deadline(); ok {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, deadline)
		defer dcancel()
	}
	go func() {
		select {
		case <-callCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := fn(runCtx)
	if err != nil && callCtx.Err() != nil {
		return callCtx.Err()
	}
	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	return err
}

func (c *Chrome) Goto(ctx context.Context, pageID, url string) (PageInfo, error) {
	p, err := c.openPage(pageID, true)
	if err != nil {
		return PageInfo{}, err
	}
	info := PageInfo{PageID: pageID}
	err = p.run(ctx, func(ctx context.Context) error {
		return chromedp.Run(ctx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Location(&info.URL),
			chromedp.Title(&info.Title),
		)
	})
	if err != nil {
		return PageInfo{}, fmt.Errorf("goto %s: %w", url, err)
	}
	return info, nil
}

func (c *Chrome) Click(ctx context.Context, pageID, selector string) error {
	p, err := c.openPage(pageID, false)
	if err != nil {
		return err
	}
	return p.run(ctx, func(ctx context.Context) error {
		if err := requireElement(ctx, selector); err != nil {
			return err
		}
		return chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	})
}

func (c *Chrome) Type(ctx context.Context, pageID, selector, text string, delay time.Duration) error {
	p, err := c.openPage(pageID, false)
	if err != nil {
		return err
	}
	return p.run(ctx, func(ctx context.Context) error {
		if err := requireElement(ctx, selector); err != nil {
			return err
		}
		if delay <= 0 {
			return chromedp.Run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
		}
		actions := chromedp.Tasks{chromedp.Focus(selector, chromedp.ByQuery)}
		for i, r := range text {
			if i > 0 {
				actions = append(actions, chromedp.Sleep(delay))
			}
			actions = append(actions, chromedp.KeyEvent(string(r)))
		}
		return chromedp.Run(ctx, actions)
	})
}

func (c *Chrome) HTML(ctx context.Context, pageID, selector string, inner bool) (string, error) {
	p, err := c.openPage(pageID, false)
	if err != nil {
		return "", err
	}
	if selector == "" {
		selector = "html"
	}
	var html string
	err = p.run(ctx, func(ctx context.Context) error {
		if err := requireElement(ctx, selector); err != nil {
			return err
		}
		if inner {
			return chromedp.Run(ctx, chromedp.InnerHTML(selector, &html, chromedp.ByQuery))
		}
		return chromedp.Run(ctx, chromedp.OuterHTML(selector, &html, chromedp.ByQuery))
	})
	return html, err
}

func (c *Chrome) Snapshot(ctx context.Context, pageID, scope string, interactiveOnly bool) (Snapshot, error) {
	p, err := c.openPage(pageID, false)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err = p.run(ctx, func(ctx context.Context) error {
		if scope != "" {
			if err := requireElement(ctx, scope); err != nil {
				return err
			}
		}
		return chromedp.Run(ctx, chromedp.Evaluate(snapshotScript(scope, interactiveOnly), &snap))
	})
	if snap.Elements == nil {
		snap.Elements = []Element{}
	}
	return snap, err
}

func (c *Chrome) Run(ctx context.Context, pageID, code string) (json.RawMessage, error) {
	p, err := c.openPage(pageID, false)
	if err != nil {
		return nil, err
	}
	var encoded string
	err = p.run(ctx, func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(wrapScript(code), &encoded))
	})
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(encoded)) {
		return nil, fmt.Errorf("script result is not JSON: %q", encoded)
	}
	return json.RawMessage(encoded), nil
}

func (c *Chrome) Close(_ context.Context, pageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[pageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPageNotFound, pageID)
	}
	p.cancel()
	delete(c.pages, pageID)
	return nil
}

// Shutdown closes every tab and the Chrome process.
func (c *Chrome) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pages {
		p.cancel()
		delete(c.pages, id)
	}
	if c.allocCancel != nil {
		c.allocCancel()
		c.allocCancel = nil
		c.allocCtx = nil
	}
}

func requireElement(ctx context.Context, selector string) error {
	var exists bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", jsString(selector))
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, &exists)); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var returnKeyword = regexp.MustCompile(`(^|[^\w$.])return\b`)

// wrapScript turns user code into an expression yielding its JSON encoding.
// Code containing a return statement becomes a function body; anything else
// is evaluated as an expression. undefined is reported as null.
func wrapScript(code string) string {
	body := code
	if !returnKeyword.MatchString(code) {
		body = "return (" + code + ");"
	}
	return "(() => { const __fuel = (function() {\n" + body + "\n})(); return JSON.stringify(__fuel === undefined ? null : __fuel) ?? \"null\"; })()"
}

const snapshotJS = `(() => {
  const scope = %s;
  const interactiveOnly = %t;
  const attr = %s;
  const root = scope ? document.querySelector(scope) : document.body;
  const interactiveTags = new Set(["A", "BUTTON", "INPUT", "SELECT", "TEXTAREA", "SUMMARY"]);
  const isInteractive = (el) =>
    interactiveTags.has(el.tagName) ||
    el.hasAttribute("onclick") ||
    ["button", "link", "checkbox", "tab", "menuitem", "textbox"].includes(el.getAttribute("role") || "") ||
    (el.hasAttribute("tabindex") && el.getAttribute("tabindex") !== "-1");
  const visible = (el) => {
    const r = el.getBoundingClientRect();
    return r.width > 0 || r.height > 0;
  };
  let next = 1;
  document.querySelectorAll("[" + attr + "]").forEach((el) => {
    const n = parseInt((el.getAttribute(attr) || "").slice(1), 10);
    if (n >= next) next = n + 1;
  });
  const out = [];
  if (root) {
    for (const el of root.querySelectorAll("*")) {
      const interactive = isInteractive(el);
      if (interactiveOnly && !interactive) continue;
      if (!interactive && !visible(el)) continue;
      if (!interactive && el.children.length > 0) continue;
      const text = (el.innerText || el.value || "").trim().slice(0, 200);
      if (!interactive && !text) continue;
      let ref = el.getAttribute(attr);
      if (!ref) {
        ref = "e" + next++;
        el.setAttribute(attr, ref);
      }
      out.push({
        ref: "@" + ref,
        tag: el.tagName.toLowerCase(),
        role: el.getAttribute("role") || "",
        text: text,
        name: el.getAttribute("name") || el.getAttribute("aria-label") || "",
        type: el.getAttribute("type") || "",
        href: el.getAttribute("href") || "",
        interactive: interactive,
      });
    }
  }
  return { url: location.href, title: document.title, elements: out };
})()`

func snapshotScript(scope string, interactiveOnly bool) string {
	scopeExpr := "null"
	if scope != "" {
		scopeExpr = jsString(scope)
	}
	return fmt.Sprintf(snapshotJS, scopeExpr, interactiveOnly, jsString(RefAttribute))
}
