package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultQuestURL is the Linea campaign page on Intract.
const DefaultQuestURL = "https://www.intract.io/quest/66bb5618c8ff56cba848ea8f"

const (
	signInText        = "Sign In"
	walletChoiceText  = "MetaMask"
	verifyButton      = "Verify"
	continueButton    = "Continue"
	primaryWalletText = "Choose primary wallet"
	confirmButton     = "Confirm"
)

// signInSettle is the wait between the wallet connection and the
// signature popup.
const signInSettle = 5 * time.Second

// QuestSite drives the campaign page.
type QuestSite struct {
	session *Session
	url     string
}

// Open navigates to the campaign page and signs in with the wallet when
// the page asks for it.
func (q *QuestSite) Open(ctx context.Context) error {
	s := q.session
	page, err := s.Page(ctx)
	if err != nil {
		return err
	}

	attempts := s.cfg.NavigateAttempts
	for attempt := 1; ; attempt++ {
		err = page.Navigate(ctx, q.url)
		if err == nil {
			break
		}
		if attempt >= attempts || ctx.Err() != nil {
			return fmt.Errorf("open quest site after %d attempts: %w", attempt, err)
		}
		s.logger.Warn("quest site navigation failed",
			slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}
	if err := s.pause(ctx, s.cfg.SitePause); err != nil {
		return err
	}

	signIn, err := page.HasText(ctx, signInText)
	if err != nil || !signIn {
		return err
	}

	s.logger.Info("signing in to quest site")
	if err := page.ClickText(ctx, signInText); err != nil {
		return err
	}
	if err := page.ClickText(ctx, walletChoiceText); err != nil {
		return err
	}
	if err := s.wallet.Confirm(ctx, PopupConnect, PopupConfirmTx); err != nil {
		return err
	}
	if err := sleep(ctx, min(signInSettle, s.cfg.PopupTimeout)); err != nil {
		return err
	}

	sig, err := s.CatchPage(ctx, s.cfg.PopupTimeout, PopupSignature)
	if err != nil {
		// Already-linked wallets skip the signature step.
		s.logger.Debug("no signature request", slog.String("error", err.Error()))
		return nil
	}
	if err := sig.WaitLoad(ctx); err != nil {
		return err
	}
	if err := sig.Click(ctx, walletConfirmNext); err != nil {
		return fmt.Errorf("sign in signature: %w", err)
	}
	return page.WaitLoad(ctx)
}

// Completed reports whether the task block for text carries the
// completion badge.
func (q *QuestSite) Completed(ctx context.Context, text string) (bool, error) {
	page, err := q.session.Page(ctx)
	if err != nil {
		return false, err
	}
	return page.evalBool(ctx, script(fmt.Sprintf(`
		const blocks = Array.from(document.querySelectorAll('div[class*="task_trigger_container"]'))
			.filter((el) => (el.innerText || el.textContent || "").includes(%s));
		return blocks.some((b) => visible(b.querySelector('img[alt="check task logo badge"]')));`,
		jsString(text))))
}

// Interact opens the task for text and presses Verify, picking a primary
// wallet if the site asks for one.
func (q *QuestSite) Interact(ctx context.Context, text string) error {
	s := q.session
	page, err := s.Page(ctx)
	if err != nil {
		return err
	}

	if err := page.ClickText(ctx, text); err != nil {
		return err
	}
	err = page.mustAct(ctx, "open task modal", script(fmt.Sprintf(`
		const modal = Array.from(document.querySelectorAll("div.modal-dialog")).find(visible);
		if (!modal) return false;
		const btn = Array.from(modal.querySelectorAll("button"))
			.find((b) => visible(b) && !(b.innerText || "").includes(%s));
		return btn ? press(btn) : false;`, jsString(continueButton))))
	if err != nil {
		return err
	}
	if err := page.ClickButton(ctx, verifyButton); err != nil {
		return err
	}
	if err := s.pause(ctx, s.cfg.SitePause); err != nil {
		return err
	}

	choose, err := page.evalBool(ctx, script(fmt.Sprintf(
		`return byText(document, "h1, h2, h3, h4, h5, h6, [role=heading]", %s, false).length > 0;`,
		jsString(primaryWalletText))))
	if err != nil || !choose {
		return err
	}

	s.logger.Info("choosing primary wallet")
	if err := page.mustAct(ctx, "pick wallet tab", script(`
		const tab = Array.from(document.querySelectorAll("div.tab-link-text")).find(visible);
		return tab ? press(tab) : false;`)); err != nil {
		return err
	}
	if err := page.ClickButton(ctx, confirmButton); err != nil {
		return err
	}
	if err := s.pause(ctx, s.cfg.SitePause); err != nil {
		return err
	}
	return page.ClickButton(ctx, verifyButton)
}
