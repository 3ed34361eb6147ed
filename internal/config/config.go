// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/questrunner/internal/jitter"
)

// Config holds runner configuration.
type Config struct {
	Threads int
	RPCURL  string

	// WalletURL is the extension home page opened to unlock the wallet.
	WalletURL string
	QuestURL  string
	AdsAPIURL string
	// QuoteAPIURL is the aggregator API base used for quotes and prices.
	QuoteAPIURL string

	PriorityMultiplier jitter.Range // gas_multiple
	GasLimitMultiplier jitter.Range
	MinBalance         jitter.Range // native reserve in ETH kept by withdraw-to-CEX
	Cooldown           jitter.Range // seconds between on-chain actions

	ShuffleProfiles bool
	UseProxy        bool
	MobileProxy     bool
	ChangeIPURL     string
	WithdrawToCEX   bool

	OKX OKXConfig

	TelegramToken  string
	TelegramChatID string

	AccountTimeout   time.Duration
	AccountAttempts  int
	QuestAttempts    int
	InteractAttempts int

	ConfigPath   string
	DataDir      string // account input files
	ABIDir       string // empty uses the embedded ABIs
	DatabasePath string
	ListenAddr   string // empty disables the status listener
	LogLevel     slog.Level
}

// OKXConfig holds exchange API credentials.
type OKXConfig struct {
	APIKey     string `yaml:"okx_api_key"`
	SecretKey  string `yaml:"okx_secret_key"`
	Passphrase string `yaml:"okx_passphrase"`
}

// Configured reports whether any credential is set.
func (o OKXConfig) Configured() bool {
	return o.APIKey != "" || o.SecretKey != "" || o.Passphrase != ""
}

// Defaults
const (
	DefaultConfigPath       = "config/settings.yaml"
	DefaultDataDir          = "config/data"
	DefaultDatabasePath     = "./data/quests.db"
	DefaultThreads          = 1
	DefaultWalletURL        = "chrome-extension://nkbihfbeogaeaoehlefnkodbefgpgknn/home.html"
	DefaultQuestURL         = "https://www.intract.io/quest/66bb5618c8ff56cba848ea8f"
	DefaultAdsAPIURL        = "http://local.adspower.net:50325/api/v1/"
	DefaultQuoteAPIURL      = "https://api-gateway.wowmax.exchange"
	DefaultAccountTimeout   = 900 * time.Second
	DefaultAccountAttempts  = 1
	DefaultQuestAttempts    = 3
	DefaultInteractAttempts = 3
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Threads:            DefaultThreads,
		WalletURL:          DefaultWalletURL,
		QuestURL:           DefaultQuestURL,
		AdsAPIURL:          DefaultAdsAPIURL,
		QuoteAPIURL:        DefaultQuoteAPIURL,
		PriorityMultiplier: jitter.Range{Min: 1, Max: 1},
		GasLimitMultiplier: jitter.Range{Min: 1.1, Max: 1.2},
		MinBalance:         jitter.Range{Min: 0.001, Max: 0.002},
		Cooldown:           jitter.Range{Min: 20, Max: 40},
		AccountTimeout:     DefaultAccountTimeout,
		AccountAttempts:    DefaultAccountAttempts,
		QuestAttempts:      DefaultQuestAttempts,
		InteractAttempts:   DefaultInteractAttempts,
		ConfigPath:         DefaultConfigPath,
		DataDir:            DefaultDataDir,
		DatabasePath:       DefaultDatabasePath,
		LogLevel:           slog.LevelInfo,
	}
}

// fileConfig mirrors settings.yaml. Pointers distinguish absent keys.
type fileConfig struct {
	Threads          *int          `yaml:"threads"`
	RPCLinea         *string       `yaml:"rpc_linea"`
	MetamaskURL      *string       `yaml:"metamask_url"`
	GasMultiple      *jitter.Range `yaml:"gas_multiple"`
	GasLimitMultiple *jitter.Range `yaml:"gas_limit_multiple"`
	ShuffleProfiles  *bool         `yaml:"shuffle_profiles"`
	UseProxy         *bool         `yaml:"use_proxy"`
	IsMobileProxy    *bool         `yaml:"is_mobile_proxy"`
	LinkChangeIP     *string       `yaml:"link_change_ip"`
	IsWithdrawToCEX  *bool         `yaml:"is_withdraw_to_cex"`
	MinBalance       *jitter.Range `yaml:"min_balance"`
	Cooldown         *jitter.Range `yaml:"cooldown"`
	OKX              *OKXConfig    `yaml:"okx"`
	TelegramToken    *string       `yaml:"tg_token"`
	TelegramChatID   *string       `yaml:"tg_chat_id"`
	AccountTimeout   *int          `yaml:"account_timeout"` // seconds
	AccountAttempts  *int          `yaml:"account_attempts"`
	QuestAttempts    *int          `yaml:"quest_attempts"`
	InteractAttempts *int          `yaml:"interact_attempts"`
	QuestURL         *string       `yaml:"quest_url"`
	AdsAPIURL        *string       `yaml:"ads_api_url"`
	QuoteAPIURL      *string       `yaml:"quote_api_url"`
	DatabasePath     *string       `yaml:"database_path"`
	ABIDir           *string       `yaml:"abi_dir"`
	MetricsListen    *string       `yaml:"metrics_listen"`
}

// Load builds the configuration from defaults, the settings file, .env and
// environment variables, then command-line flags, each overriding the last.
// A missing settings file is allowed only at the default path.
func Load(args []string) (*Config, error) {
	cfg := Default()

	flags := flag.NewFlagSet("questrunner", flag.ContinueOnError)
	var (
		configPath = flags.String("config", cfg.ConfigPath, "Settings YAML file")
		dataDir    = flags.String("data-dir", cfg.DataDir, "Directory with profiles, keys, passwords, proxies and withdraw addresses")
		threads    = flags.Int("threads", cfg.Threads, "Accounts run concurrently")
		database   = flags.String("database", cfg.DatabasePath, "SQLite quest status database")
		listen     = flags.String("listen", "", "Status HTTP listen address (empty disables)")
		logLevel   = flags.String("log-level", "info", "Log level (debug, info, warn, error)")
		shuffle    = flags.Bool("shuffle", false, "Shuffle profile order")
	)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg.ConfigPath = *configPath
	if err := cfg.loadFile(cfg.ConfigPath, set["config"]); err != nil {
		return nil, err
	}

	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if set["data-dir"] {
		cfg.DataDir = *dataDir
	}
	if set["threads"] {
		cfg.Threads = *threads
	}
	if set["database"] {
		cfg.DatabasePath = *database
	}
	if set["listen"] {
		cfg.ListenAddr = *listen
	}
	if set["shuffle"] {
		cfg.ShuffleProfiles = *shuffle
	}
	if set["log-level"] {
		level, err := ParseLevel(*logLevel)
		if err != nil {
			return nil, err
		}
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges settings.yaml into c.
func (c *Config) loadFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read settings: %w", err)
	}
	return c.applyYAML(data, filepath.Base(path))
}

func (c *Config) applyYAML(data []byte, name string) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}

	setInt(&c.Threads, f.Threads)
	setString(&c.RPCURL, f.RPCLinea)
	setString(&c.WalletURL, f.MetamaskURL)
	setRange(&c.PriorityMultiplier, f.GasMultiple)
	setRange(&c.GasLimitMultiplier, f.GasLimitMultiple)
	setBool(&c.ShuffleProfiles, f.ShuffleProfiles)
	setBool(&c.UseProxy, f.UseProxy)
	setBool(&c.MobileProxy, f.IsMobileProxy)
	setString(&c.ChangeIPURL, f.LinkChangeIP)
	setBool(&c.WithdrawToCEX, f.IsWithdrawToCEX)
	setRange(&c.MinBalance, f.MinBalance)
	setRange(&c.Cooldown, f.Cooldown)
	if f.OKX != nil {
		c.OKX = *f.OKX
	}
	setString(&c.TelegramToken, f.TelegramToken)
	setString(&c.TelegramChatID, f.TelegramChatID)
	if f.AccountTimeout != nil {
		c.AccountTimeout = time.Duration(*f.AccountTimeout) * time.Second
	}
	setInt(&c.AccountAttempts, f.AccountAttempts)
	setInt(&c.QuestAttempts, f.QuestAttempts)
	setInt(&c.InteractAttempts, f.InteractAttempts)
	setString(&c.QuestURL, f.QuestURL)
	setString(&c.AdsAPIURL, f.AdsAPIURL)
	setString(&c.QuoteAPIURL, f.QuoteAPIURL)
	setString(&c.DatabasePath, f.DatabasePath)
	setString(&c.ABIDir, f.ABIDir)
	setString(&c.ListenAddr, f.MetricsListen)
	return nil
}

// applyEnv overrides c from environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("RPC_LINEA"); v != "" {
		c.RPCURL = v
	}
	if v := getenv("OKX_API_KEY"); v != "" {
		c.OKX.APIKey = v
	}
	if v := getenv("OKX_SECRET_KEY"); v != "" {
		c.OKX.SecretKey = v
	}
	if v := getenv("OKX_PASSPHRASE"); v != "" {
		c.OKX.Passphrase = v
	}
	if v := getenv("TG_TOKEN"); v != "" {
		c.TelegramToken = v
	}
	if v := getenv("TG_CHAT_ID"); v != "" {
		c.TelegramChatID = v
	}
	if v := getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("THREADS: %w", err)
		}
		c.Threads = n
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		level, err := ParseLevel(v)
		if err != nil {
			return err
		}
		c.LogLevel = level
	}
	return nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Threads <= 0 {
		add("threads must be positive")
	}
	if c.RPCURL == "" {
		add("rpc_linea is required")
	}
	if c.WalletURL == "" {
		add("metamask_url is required")
	}
	for _, r := range []struct {
		name string
		jitter.Range
	}{
		{"gas_multiple", c.PriorityMultiplier},
		{"gas_limit_multiple", c.GasLimitMultiplier},
		{"min_balance", c.MinBalance},
		{"cooldown", c.Cooldown},
	} {
		if !r.Valid() {
			add("%s: min %g exceeds max %g", r.name, r.Min, r.Max)
		}
		if r.Min < 0 {
			add("%s: values must not be negative", r.name)
		}
	}
	if c.AccountTimeout <= 0 {
		add("account_timeout must be positive")
	}
	if c.AccountAttempts <= 0 {
		add("account_attempts must be positive")
	}
	if c.QuestAttempts <= 0 {
		add("quest_attempts must be positive")
	}
	if c.InteractAttempts <= 0 {
		add("interact_attempts must be positive")
	}
	if c.OKX.Configured() && (c.OKX.APIKey == "" || c.OKX.SecretKey == "" || c.OKX.Passphrase == "") {
		add("okx: api key, secret key and passphrase must be set together")
	}
	if c.MobileProxy && c.ChangeIPURL == "" {
		add("link_change_ip is required when is_mobile_proxy is set")
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == "") {
		add("tg_token and tg_chat_id must be set together")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setRange(dst *jitter.Range, v *jitter.Range) {
	if v != nil {
		*dst = *v
	}
}
