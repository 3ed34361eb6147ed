package account

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Input file names inside the data directory.
const (
	ProfilesFile          = "profiles.txt"
	PrivateKeysFile       = "private_keys.txt"
	PasswordsFile         = "passwords.txt"
	ProxiesFile           = "proxies.txt"
	WithdrawAddressesFile = "withdraw_addresses.txt"
)

// ErrEmptyFile is returned when a required input file has no entries.
var ErrEmptyFile = errors.New("file is empty")

// LoadDir reads the account list from the text files in dir. Lines are
// matched by position across files. Proxies and withdraw addresses are
// optional and fall back to placeholders.
func LoadDir(dir string) ([]*Account, error) {
	profiles, err := readLines(filepath.Join(dir, ProfilesFile), true)
	if err != nil {
		return nil, err
	}
	keys, err := readLines(filepath.Join(dir, PrivateKeysFile), true)
	if err != nil {
		return nil, err
	}
	passwords, err := readLines(filepath.Join(dir, PasswordsFile), true)
	if err != nil {
		return nil, err
	}
	proxies, err := readOptional(filepath.Join(dir, ProxiesFile), len(profiles), PlaceholderProxy)
	if err != nil {
		return nil, err
	}
	withdraw, err := readOptional(filepath.Join(dir, WithdrawAddressesFile), len(profiles), PlaceholderWithdrawAddress)
	if err != nil {
		return nil, err
	}

	n := len(profiles)
	for name, lines := range map[string][]string{
		PrivateKeysFile:       keys,
		PasswordsFile:         passwords,
		ProxiesFile:           proxies,
		WithdrawAddressesFile: withdraw,
	} {
		if len(lines) != n {
			return nil, fmt.Errorf("%s has %d lines, %s has %d: every input file needs one line per profile",
				name, len(lines), ProfilesFile, n)
		}
	}

	accounts := make([]*Account, 0, n)
	seen := make(map[int]bool, n)
	for i := range profiles {
		profile, err := strconv.Atoi(profiles[i])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: profile number %q: %w", ProfilesFile, i+1, profiles[i], err)
		}
		if seen[profile] {
			return nil, fmt.Errorf("%s line %d: duplicate profile %d", ProfilesFile, i+1, profile)
		}
		seen[profile] = true

		acc, err := NewAccountFromHex(profile, keys[i])
		if err != nil {
			return nil, err
		}
		proxy, err := ParseProxy(proxies[i])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", ProxiesFile, i+1, err)
		}
		acc.Password = passwords[i]
		acc.Proxy = proxy
		acc.WithdrawAddress = withdraw[i]
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func readLines(path string, required bool) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if required && len(lines) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}
	return lines, nil
}

// readOptional returns n copies of fallback when the file is missing, empty
// or still holds template lines (comments or <placeholders>).
func readOptional(path string, n int, fallback string) ([]string, error) {
	lines, err := readLines(path, false)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if len(lines) == 0 || isTemplate(lines) {
		lines = make([]string, n)
		for i := range lines {
			lines[i] = fallback
		}
	}
	return lines, nil
}

func isTemplate(lines []string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, "<") {
			return true
		}
	}
	return false
}
