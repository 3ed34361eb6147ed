package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/goccy/go-json"
)

// ErrClosed is returned for calls on a closed DevTools connection or tab.
var ErrClosed = errors.New("devtools connection closed")

// ProtocolError is an error object returned by the browser.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("devtools %s: %d %s", e.Method, e.Code, e.Message)
}

// EvalError is a JavaScript exception thrown by an evaluated expression.
type EvalError struct {
	Text string
}

func (e *EvalError) Error() string {
	return "evaluate: " + e.Text
}

// CDP is a DevTools connection to an already running browser, driven
// through a chromedp remote allocator. Closing it leaves the browser
// running.
type CDP struct {
	ctx        context.Context // chromedp browser context
	cancel     context.CancelFunc
	closeAlloc context.CancelFunc

	mu    sync.Mutex
	pages map[string]*Page
}

// DialCDP connects to a browser-level debugger endpoint
// (ws://host:port/devtools/browser/<id>).
func DialCDP(ctx context.Context, endpoint string, logger *slog.Logger) (*CDP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "devtools"))
	logf := func(format string, args ...interface{}) {
		logger.Debug(fmt.Sprintf(format, args...))
	}
	errf := func(format string, args ...interface{}) {
		logger.Warn(fmt.Sprintf(format, args...))
	}

	// The connection outlives ctx; Close ends it.
	allocCtx, closeAlloc := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), endpoint, chromedp.NoModifyURL)
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(logf), chromedp.WithErrorf(errf))
	c := &CDP{
		ctx:        browserCtx,
		cancel:     cancel,
		closeAlloc: closeAlloc,
		pages:      make(map[string]*Page),
	}

	// The first browser-level call dials the endpoint.
	if _, err := chromedp.Targets(browserCtx); err != nil {
		c.Close()
		return nil, fmt.Errorf("dial devtools %s: %w", endpoint, err)
	}
	return c, nil
}

// Close detaches from the browser. Attached tabs are closed with it.
func (c *CDP) Close() error {
	c.mu.Lock()
	c.pages = make(map[string]*Page)
	c.mu.Unlock()
	c.cancel()
	c.closeAlloc()
	return nil
}

// executor binds ctx to the chromedp executor living in owner. The
// returned context also ends when owner does.
func executor(ctx, owner context.Context, exec cdp.Executor) (context.Context, context.CancelFunc, error) {
	if owner.Err() != nil || exec == nil {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(owner, cancel)
	return cdp.WithExecutor(ctx, exec), func() {
		stop()
		cancel()
	}, nil
}

// protocolErr maps chromedp failures onto ProtocolError and ErrClosed.
func protocolErr(method string, owner context.Context, err error) error {
	var pe *cdproto.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &pe):
		return &ProtocolError{Method: method, Code: int(pe.Code), Message: pe.Message}
	case owner.Err() != nil, errors.Is(err, chromedp.ErrChannelClosed):
		return fmt.Errorf("%s: %w", method, ErrClosed)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func (c *CDP) browser(ctx context.Context) (context.Context, context.CancelFunc, error) {
	var exec cdp.Executor
	if cc := chromedp.FromContext(c.ctx); cc != nil && cc.Browser != nil {
		exec = cc.Browser
	}
	return executor(ctx, c.ctx, exec)
}

// TargetInfo describes a browser target.
type TargetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
}

// Pages lists open page targets.
func (c *CDP) Pages(ctx context.Context) ([]TargetInfo, error) {
	ectx, done, err := c.browser(ctx)
	if err != nil {
		return nil, fmt.Errorf("Target.getTargets: %w", err)
	}
	defer done()

	infos, err := target.GetTargets().Do(ectx)
	if err != nil {
		return nil, protocolErr("Target.getTargets", c.ctx, err)
	}
	pages := make([]TargetInfo, 0, len(infos))
	for _, t := range infos {
		if t.Type == "page" {
			pages = append(pages, TargetInfo{TargetID: string(t.TargetID), Type: t.Type, Title: t.Title, URL: t.URL})
		}
	}
	return pages, nil
}

// Attach opens a session on a page target. A tab that is already attached
// is returned as is.
func (c *CDP) Attach(ctx context.Context, info TargetInfo) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if p, ok := c.pages[info.TargetID]; ok && p.ctx.Err() == nil {
		c.mu.Unlock()
		if info.URL != "" {
			p.URL = info.URL
		}
		return p, nil
	}
	c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, fmt.Errorf("Target.attachToTarget: %w", ErrClosed)
	}

	tabCtx, cancel := chromedp.NewContext(c.ctx, chromedp.WithTargetID(target.ID(info.TargetID)))
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, protocolErr("Target.attachToTarget", c.ctx, err)
	}

	p := &Page{
		conn:     c,
		ctx:      tabCtx,
		TargetID: info.TargetID,
		URL:      info.URL,
	}
	if t := chromedp.FromContext(tabCtx).Target; t != nil {
		p.SessionID = string(t.SessionID)
	}
	c.mu.Lock()
	c.pages[info.TargetID] = p
	c.mu.Unlock()
	return p, nil
}

// NewPage opens a tab at url and attaches to it.
func (c *CDP) NewPage(ctx context.Context, url string) (*Page, error) {
	ectx, done, err := c.browser(ctx)
	if err != nil {
		return nil, fmt.Errorf("Target.createTarget: %w", err)
	}
	id, err := target.CreateTarget(url).Do(ectx)
	done()
	if err != nil {
		return nil, protocolErr("Target.createTarget", c.ctx, err)
	}
	return c.Attach(ctx, TargetInfo{TargetID: string(id), Type: "page", URL: url})
}

// CloseTarget closes a tab.
func (c *CDP) CloseTarget(ctx context.Context, targetID string) error {
	c.mu.Lock()
	p, attached := c.pages[targetID]
	c.mu.Unlock()
	if attached {
		return p.Close(ctx)
	}

	ectx, done, err := c.browser(ctx)
	if err != nil {
		return fmt.Errorf("Target.closeTarget: %w", err)
	}
	defer done()
	return protocolErr("Target.closeTarget", c.ctx, target.CloseTarget(target.ID(targetID)).Do(ectx))
}

func (c *CDP) forget(targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, targetID)
}

// Page is an attached tab.
type Page struct {
	conn *CDP
	ctx  context.Context // chromedp tab context

	TargetID  string
	SessionID string
	URL       string
}

func (p *Page) exec(ctx context.Context) (context.Context, context.CancelFunc, error) {
	var exec cdp.Executor
	if cc := chromedp.FromContext(p.ctx); cc != nil && cc.Target != nil {
		exec = cc.Target
	}
	return executor(ctx, p.ctx, exec)
}

// Navigate loads url and waits for the document to finish loading.
func (p *Page) Navigate(ctx context.Context, url string) error {
	ectx, done, err := p.exec(ctx)
	if err != nil {
		return fmt.Errorf("Page.navigate: %w", err)
	}
	_, _, errorText, err := page.Navigate(url).Do(ectx)
	done()
	if err != nil {
		return protocolErr("Page.navigate", p.ctx, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigate %s: %s", url, errorText)
	}
	p.URL = url
	return p.WaitLoad(ctx)
}

// loadTimeout bounds WaitLoad.
const loadTimeout = 60 * time.Second

// WaitLoad polls document.readyState until it is complete. Evaluation
// errors while the old document is torn down are expected and retried.
func (p *Page) WaitLoad(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	for {
		var state string
		err := p.Evaluate(ctx, "document.readyState", &state)
		if err == nil && state == "complete" {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err := sleep(ctx, 250*time.Millisecond); err != nil {
			return fmt.Errorf("wait for %s to load: %w", p.URL, err)
		}
	}
}

// Evaluate runs a JavaScript expression in the page and decodes its
// by-value result into out. Promises are awaited.
func (p *Page) Evaluate(ctx context.Context, expression string, out interface{}) error {
	ectx, done, err := p.exec(ctx)
	if err != nil {
		return fmt.Errorf("Runtime.evaluate: %w", err)
	}
	defer done()

	res, exc, err := runtime.Evaluate(expression).
		WithReturnByValue(true).
		WithAwaitPromise(true).
		Do(ectx)
	if err != nil {
		return protocolErr("Runtime.evaluate", p.ctx, err)
	}
	if exc != nil {
		text := exc.Text
		if exc.Exception != nil && exc.Exception.Description != "" {
			text = exc.Exception.Description
		}
		return &EvalError{Text: strings.TrimSpace(text)}
	}
	if out == nil || res == nil || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("decode evaluate result: %w", err)
	}
	return nil
}

// Close closes the tab.
func (p *Page) Close(context.Context) error {
	p.conn.forget(p.TargetID)
	return protocolErr("Target.closeTarget", context.Background(), chromedp.Cancel(p.ctx))
}
