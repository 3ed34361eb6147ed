package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/gateway-fm/questrunner/internal/account"
	"github.com/gateway-fm/questrunner/internal/jitter"
)

// ErrProxyNotConfigured is returned when proxies are enabled but the
// profile only has the placeholder proxy.
var ErrProxyNotConfigured = errors.New("proxy list is empty while use_proxy is enabled")

// ErrPageNotFound is returned when no tab matches within the timeout.
var ErrPageNotFound = errors.New("page not found")

// LauncherConfig configures browser sessions.
type LauncherConfig struct {
	Ads *Ads

	WalletURL string
	QuestURL  string

	UseProxy    bool
	MobileProxy bool
	ChangeIPURL string

	// NavigateAttempts bounds quest site navigation retries.
	NavigateAttempts int
	// PopupTimeout bounds the search for wallet popups.
	PopupTimeout time.Duration
	// WalletSettle is the pause after submitting the wallet password.
	WalletSettle time.Duration
	// SitePause and ConfirmPause are random pauses, in seconds, after page
	// loads and popup clicks.
	SitePause    jitter.Range
	ConfirmPause jitter.Range

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Launcher opens browser sessions for accounts.
type Launcher struct {
	cfg    LauncherConfig
	http   *http.Client
	logger *slog.Logger
}

// NewLauncher creates a launcher. Zero-valued fields get defaults.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.Ads == nil {
		cfg.Ads = NewAds(AdsConfig{Logger: cfg.Logger})
	}
	if cfg.NavigateAttempts <= 0 {
		cfg.NavigateAttempts = 3
	}
	if cfg.PopupTimeout <= 0 {
		cfg.PopupTimeout = 10 * time.Second
	}
	if cfg.SitePause == (jitter.Range{}) {
		cfg.SitePause = jitter.Range{Min: 3, Max: 5}
	}
	if cfg.ConfirmPause == (jitter.Range{}) {
		cfg.ConfirmPause = jitter.Range{Min: 1, Max: 3}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, http: httpClient, logger: logger}
}

// Session is one running browser profile attached over DevTools.
type Session struct {
	profile int
	ads     *Ads
	cdp     *CDP
	page    *Page
	cfg     LauncherConfig
	rnd     *rand.Rand
	logger  *slog.Logger

	wallet *Wallet
	site   *QuestSite
}

// Open prepares the profile's proxy, starts the browser, attaches to its
// first tab and closes the others.
func (l *Launcher) Open(ctx context.Context, acc *account.Account) (*Session, error) {
	logger := l.logger.With(slog.Int("profile", acc.Profile))

	if l.cfg.UseProxy {
		if acc.Proxy.Placeholder() {
			return nil, fmt.Errorf("profile %d: %w", acc.Profile, ErrProxyNotConfigured)
		}
		if err := l.cfg.Ads.SetProxy(ctx, acc.Profile, acc.Proxy); err != nil {
			return nil, err
		}
		if l.cfg.MobileProxy && l.cfg.ChangeIPURL != "" {
			if err := l.rotateIP(ctx); err != nil {
				logger.Warn("mobile proxy ip change failed", slog.String("error", err.Error()))
			}
		}
	}

	endpoint, err := l.cfg.Ads.Launch(ctx, acc.Profile)
	if err != nil {
		return nil, err
	}
	conn, err := DialCDP(ctx, endpoint, logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		profile: acc.Profile,
		ads:     l.cfg.Ads,
		cdp:     conn,
		cfg:     l.cfg,
		rnd:     jitter.New(),
		logger:  logger,
	}
	if err := s.prepare(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("prepare browser for profile %d: %w", acc.Profile, err)
	}
	s.wallet = &Wallet{session: s, url: l.cfg.WalletURL, password: acc.Password}
	s.site = &QuestSite{session: s, url: l.cfg.QuestURL}
	logger.Info("browser session opened")
	return s, nil
}

func (l *Launcher) rotateIP(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.ChangeIPURL, nil)
	if err != nil {
		return err
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// prepare keeps a single tab open and attaches to it.
func (s *Session) prepare(ctx context.Context) error {
	pages, err := s.cdp.Pages(ctx)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		s.page, err = s.cdp.NewPage(ctx, "about:blank")
		return err
	}
	for _, extra := range pages[1:] {
		if err := s.cdp.CloseTarget(ctx, extra.TargetID); err != nil {
			return err
		}
	}
	s.page, err = s.cdp.Attach(ctx, pages[0])
	return err
}

// Page returns the main tab, reopening it if it was closed.
func (s *Session) Page(ctx context.Context) (*Page, error) {
	pages, err := s.cdp.Pages(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pages {
		if s.page != nil && p.TargetID == s.page.TargetID {
			return s.page, nil
		}
	}
	if err := s.prepare(ctx); err != nil {
		return nil, err
	}
	return s.page, nil
}

// CatchPage waits up to timeout for a tab whose URL contains any of
// substrings and attaches to it.
func (s *Session) CatchPage(ctx context.Context, timeout time.Duration, substrings ...string) (*Page, error) {
	deadline := time.Now().Add(timeout)
	for {
		pages, err := s.cdp.Pages(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range pages {
			for _, sub := range substrings {
				if strings.Contains(p.URL, sub) {
					return s.cdp.Attach(ctx, p)
				}
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: url containing %v", ErrPageNotFound, substrings)
		}
		if err := sleep(ctx, 500*time.Millisecond); err != nil {
			return nil, err
		}
	}
}

// pageOpen reports whether a tab is still open.
func (s *Session) pageOpen(ctx context.Context, targetID string) bool {
	pages, err := s.cdp.Pages(ctx)
	if err != nil {
		return false
	}
	for _, p := range pages {
		if p.TargetID == targetID {
			return true
		}
	}
	return false
}

func (s *Session) pause(ctx context.Context, r jitter.Range) error {
	return jitter.Sleep(ctx, s.rnd, r.Min, r.Max)
}

// Wallet returns the wallet extension driver.
func (s *Session) Wallet() *Wallet { return s.wallet }

// Site returns the quest site driver.
func (s *Session) Site() *QuestSite { return s.site }

// UnlockWallet unlocks the wallet extension.
func (s *Session) UnlockWallet(ctx context.Context) error { return s.wallet.Unlock(ctx) }

// OpenSite opens the quest site and signs in when needed.
func (s *Session) OpenSite(ctx context.Context) error { return s.site.Open(ctx) }

// QuestCompleted reports whether the site shows the quest as done.
func (s *Session) QuestCompleted(ctx context.Context, text string) (bool, error) {
	return s.site.Completed(ctx, text)
}

// InteractQuest walks the site's verification flow for the quest.
func (s *Session) InteractQuest(ctx context.Context, text string) error {
	return s.site.Interact(ctx, text)
}

// Close detaches from the browser and stops the profile.
func (s *Session) Close(ctx context.Context) error {
	cdpErr := s.cdp.Close()
	if err := s.ads.Stop(ctx, s.profile); err != nil {
		return err
	}
	s.logger.Info("browser session closed")
	if cdpErr != nil && !errors.Is(cdpErr, ErrClosed) {
		s.logger.Debug("devtools close", slog.String("error", cdpErr.Error()))
	}
	return nil
}
