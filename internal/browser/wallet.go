package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrWalletLocked is returned when the wallet stays locked after the
// password was submitted.
var ErrWalletLocked = errors.New("wallet still locked after unlock")

var (
	walletUnlockedMarker = testID("account-options-menu-button")
	walletPassword       = testID("unlock-password")
	walletUnlockSubmit   = testID("unlock-submit")
	walletPopoverClose   = testID("popover-close")
	walletConfirmNext    = testID("page-container-footer-next")
	walletConfirmFooter  = testID("confirm-footer-button")
)

// Popup URL fragments of the wallet extension.
const (
	PopupConnect   = "connect"
	PopupConfirmTx = "confirm-transaction"
	PopupSignature = "signature-request"
)

// Wallet drives the MetaMask extension pages of a session.
type Wallet struct {
	session  *Session
	url      string
	password string
}

// Unlock opens the extension and submits the password unless it is
// already unlocked.
func (w *Wallet) Unlock(ctx context.Context) error {
	logger := w.session.logger
	page, err := w.session.Page(ctx)
	if err != nil {
		return err
	}
	if err := page.Navigate(ctx, w.url); err != nil {
		return fmt.Errorf("open wallet: %w", err)
	}

	unlocked, err := page.Exists(ctx, walletUnlockedMarker)
	if err != nil {
		return err
	}
	if unlocked {
		logger.Info("wallet already unlocked")
		return nil
	}

	if err := page.Fill(ctx, walletPassword, w.password); err != nil {
		return err
	}
	if err := page.Click(ctx, walletUnlockSubmit); err != nil {
		return err
	}
	if err := page.WaitLoad(ctx); err != nil {
		return err
	}
	if err := sleep(ctx, w.session.cfg.WalletSettle); err != nil {
		return err
	}

	if popover, err := page.Exists(ctx, walletPopoverClose); err == nil && popover {
		if err := page.Click(ctx, walletPopoverClose); err != nil {
			logger.Debug("popover close failed", slog.String("error", err.Error()))
		}
	}

	if unlocked, err = page.Exists(ctx, walletUnlockedMarker); err != nil {
		return err
	}
	if !unlocked {
		return fmt.Errorf("profile %d: %w", w.session.profile, ErrWalletLocked)
	}
	logger.Info("wallet unlocked")
	return nil
}

// Confirm waits for a wallet popup whose URL contains one of kinds and
// presses its confirm button.
func (w *Wallet) Confirm(ctx context.Context, kinds ...string) error {
	popup, err := w.session.CatchPage(ctx, w.session.cfg.PopupTimeout, kinds...)
	if err != nil {
		return fmt.Errorf("wallet popup: %w", err)
	}
	if err := popup.WaitLoad(ctx); err != nil {
		return err
	}

	button := walletConfirmNext
	if ok, err := popup.Exists(ctx, button); err != nil {
		return err
	} else if !ok {
		button = walletConfirmFooter
	}
	if err := popup.Click(ctx, button); err != nil {
		return fmt.Errorf("confirm wallet popup: %w", err)
	}
	if err := w.session.pause(ctx, w.session.cfg.ConfirmPause); err != nil {
		return err
	}

	// Two-step popups (connect, then permissions) keep the tab open.
	if w.session.pageOpen(ctx, popup.TargetID) {
		if err := popup.Click(ctx, button); err != nil {
			w.session.logger.Debug("second confirm click failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
