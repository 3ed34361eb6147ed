package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ErrElementNotFound is returned when a click or fill target is missing.
var ErrElementNotFound = errors.New("element not found")

// domHelpers is prepended to scripts that search by text or visibility.
const domHelpers = `
const visible = (el) => !!el && el.getClientRects().length > 0 &&
	getComputedStyle(el).visibility !== "hidden";
const byText = (root, sel, text, exact) => {
	const all = Array.from(root.querySelectorAll(sel)).filter(visible);
	const hits = all.filter((el) => {
		const t = (el.innerText || el.textContent || "").trim();
		return exact ? t === text : t.includes(text);
	});
	// innermost match wins
	return hits.filter((el) => !hits.some((o) => o !== el && el.contains(o)));
};
const press = (el) => { el.scrollIntoView({block: "center"}); el.click(); return true; };
`

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func testID(id string) string {
	return `[data-testid="` + id + `"]`
}

// script wraps body in an IIFE with the DOM helpers in scope.
func script(body string) string {
	return "(() => {" + domHelpers + body + "})()"
}

func (p *Page) evalBool(ctx context.Context, expr string) (bool, error) {
	var ok bool
	if err := p.Evaluate(ctx, expr, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (p *Page) mustAct(ctx context.Context, what, expr string) error {
	ok, err := p.evalBool(ctx, expr)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, what)
	}
	return nil
}

// Exists reports whether a visible element matches selector.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	return p.evalBool(ctx, script(fmt.Sprintf(
		`return visible(document.querySelector(%s));`, jsString(selector))))
}

// Click clicks the first element matching selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	return p.mustAct(ctx, "click "+selector, script(fmt.Sprintf(`
		const el = document.querySelector(%s);
		return el ? press(el) : false;`, jsString(selector))))
}

// Fill sets the value of an input the way typing would, so that
// framework-bound inputs see the change.
func (p *Page) Fill(ctx context.Context, selector, value string) error {
	return p.mustAct(ctx, "fill "+selector, script(fmt.Sprintf(`
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		const setter = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, "value").set;
		setter.call(el, %s);
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return true;`, jsString(selector), jsString(value))))
}

// HasText reports whether a visible element contains text.
func (p *Page) HasText(ctx context.Context, text string) (bool, error) {
	return p.evalBool(ctx, script(fmt.Sprintf(
		`return byText(document, "body *", %s, false).length > 0;`, jsString(text))))
}

// ClickText clicks the innermost visible element containing text.
func (p *Page) ClickText(ctx context.Context, text string) error {
	return p.mustAct(ctx, fmt.Sprintf("click text %q", text), script(fmt.Sprintf(`
		const hits = byText(document, "body *", %s, false);
		return hits.length ? press(hits[0]) : false;`, jsString(text))))
}

// ClickButton clicks a visible button whose label contains name.
func (p *Page) ClickButton(ctx context.Context, name string) error {
	return p.mustAct(ctx, fmt.Sprintf("click button %q", name), script(fmt.Sprintf(`
		const hits = byText(document, "button, [role=button]", %s, false);
		return hits.length ? press(hits[0]) : false;`, jsString(name))))
}
