package contracts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abis/*.json
var embedded embed.FS

// ConfigurationError reports a missing or unusable ABI definition.
type ConfigurationError struct {
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("abi %q: %v", e.Name, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrNoABI is returned for descriptors that have no callable interface.
var ErrNoABI = errors.New("no abi registered")

// ABISource loads ABI files by name and keeps parsed results.
type ABISource struct {
	fsys fs.FS

	mu     sync.Mutex
	parsed map[string]*abi.ABI
}

// NewABISource reads ABI files from dir. An empty dir uses the definitions
// compiled into the binary.
func NewABISource(dir string) *ABISource {
	var fsys fs.FS
	if dir == "" {
		sub, _ := fs.Sub(embedded, "abis")
		fsys = sub
	} else {
		fsys = os.DirFS(dir)
	}
	return NewABISourceFS(fsys)
}

// NewABISourceFS reads ABI files from an arbitrary filesystem.
func NewABISourceFS(fsys fs.FS) *ABISource {
	return &ABISource{fsys: fsys, parsed: make(map[string]*abi.ABI)}
}

// Load returns the parsed ABI stored as <name>.json.
func (s *ABISource) Load(name string) (*abi.ABI, error) {
	if name == "" {
		return nil, &ConfigurationError{Name: name, Err: ErrNoABI}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.parsed[name]; ok {
		return a, nil
	}

	raw, err := fs.ReadFile(s.fsys, name+".json")
	if err != nil {
		return nil, &ConfigurationError{Name: name, Err: err}
	}
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ConfigurationError{Name: name, Err: fmt.Errorf("parse: %w", err)}
	}

	s.parsed[name] = &parsed
	return &parsed, nil
}

// Preload parses every ABI the registry references so configuration
// problems surface at startup.
func (s *ABISource) Preload() error {
	seen := make(map[string]bool)
	for _, set := range [][]Descriptor{Tokens, Contracts} {
		for _, d := range set {
			if d.Native || d.ABI == "" || seen[d.ABI] {
				continue
			}
			seen[d.ABI] = true
			if _, err := s.Load(d.ABI); err != nil {
				return err
			}
		}
	}
	return nil
}
