// Package account holds the wallet profiles the runner operates on.
package account

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PlaceholderProxy is written when no proxy list is provided.
const PlaceholderProxy = "1.1.1.1:1111"

// PlaceholderWithdrawAddress marks an account without a CEX deposit address.
const PlaceholderWithdrawAddress = "0x"

// Account is one browser profile plus the wallet it controls.
// It is built once at startup and never mutated.
type Account struct {
	Profile         int
	PrivateKey      *ecdsa.PrivateKey
	Address         common.Address
	Password        string
	Proxy           Proxy
	WithdrawAddress string
}

// NewAccount creates an account from a private key.
func NewAccount(profile int, privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		Profile:         profile,
		PrivateKey:      privateKey,
		Address:         crypto.PubkeyToAddress(privateKey.PublicKey),
		WithdrawAddress: PlaceholderWithdrawAddress,
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
// A 0x prefix is accepted.
func NewAccountFromHex(profile int, hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("profile %d: invalid private key: %w", profile, err)
	}
	return NewAccount(profile, privateKey), nil
}

// WithdrawTarget returns the CEX deposit address. ok is false when the
// address is a placeholder, the zero address or malformed.
func (a *Account) WithdrawTarget() (common.Address, bool) {
	s := strings.TrimSpace(a.WithdrawAddress)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// LogValue keeps keys and passwords out of structured logs.
func (a *Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("profile", a.Profile),
		slog.String("address", a.Address.Hex()),
	)
}

// Proxy is an HTTP proxy assigned to a browser profile.
type Proxy struct {
	Host     string
	Port     string
	Login    string
	Password string
}

// ParseProxy accepts host:port, login:password@host:port and
// host:port:login:password, optionally prefixed with a scheme.
func ParseProxy(s string) (Proxy, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Proxy{}, fmt.Errorf("empty proxy")
	}
	if i := strings.Index(s, "://"); i >= 0 {
		u, err := url.Parse(s)
		if err != nil {
			return Proxy{}, fmt.Errorf("parse proxy: %w", err)
		}
		p := Proxy{Host: u.Hostname(), Port: u.Port()}
		if u.User != nil {
			p.Login = u.User.Username()
			p.Password, _ = u.User.Password()
		}
		return p, p.validate(s)
	}

	var p Proxy
	if at := strings.LastIndex(s, "@"); at >= 0 {
		creds, hostPort := s[:at], s[at+1:]
		p.Login, p.Password, _ = strings.Cut(creds, ":")
		p.Host, p.Port, _ = strings.Cut(hostPort, ":")
		return p, p.validate(s)
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		p.Host, p.Port = parts[0], parts[1]
	case 4:
		p.Host, p.Port, p.Login, p.Password = parts[0], parts[1], parts[2], parts[3]
	default:
		return Proxy{}, fmt.Errorf("unrecognised proxy format %q", s)
	}
	return p, p.validate(s)
}

func (p Proxy) validate(raw string) error {
	if p.Host == "" || p.Port == "" {
		return fmt.Errorf("proxy %q needs host and port", raw)
	}
	return nil
}

// Placeholder reports whether this proxy is the filler used when no list exists.
func (p Proxy) Placeholder() bool {
	return p.Host == "1.1.1.1"
}

func (p Proxy) String() string {
	if p.Login == "" {
		return p.Host + ":" + p.Port
	}
	return p.Login + ":***@" + p.Host + ":" + p.Port
}
