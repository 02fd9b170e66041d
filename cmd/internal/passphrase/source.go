package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when the passphrase is not in the environment and
// stdin cannot be prompted.
var ErrNoTerminal = errors.New("passphrase: no terminal available")

// Source lazily resolves the wallet keystore passphrase from an environment
// variable or by prompting the operator. The first result is cached.
type Source struct {
	envVar string
	prompt io.Writer
	stdin  int

	isTerminal   func(fd int) bool
	readPassword func(fd int) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar:       strings.TrimSpace(envVar),
		prompt:       os.Stderr,
		stdin:        int(os.Stdin.Fd()),
		isTerminal:   term.IsTerminal,
		readPassword: term.ReadPassword,
	}
}

// Get returns the cached passphrase or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if value, ok, err := s.fromEnv(); ok || err != nil {
			s.value, s.err = value, err
			return
		}
		s.value, s.err = s.fromTerminal()
	})
	return s.value, s.err
}

func (s *Source) fromEnv() (string, bool, error) {
	if s.envVar == "" {
		return "", false, nil
	}
	value, ok := os.LookupEnv(s.envVar)
	if !ok {
		return "", false, nil
	}
	if strings.TrimSpace(value) == "" {
		return "", true, fmt.Errorf("%s is set but empty", s.envVar)
	}
	return value, true, nil
}

func (s *Source) fromTerminal() (string, error) {
	if !s.isTerminal(s.stdin) {
		if s.envVar != "" {
			return "", fmt.Errorf("%w: set %s or run interactively", ErrNoTerminal, s.envVar)
		}
		return "", ErrNoTerminal
	}
	fmt.Fprint(s.prompt, "Enter wallet keystore passphrase: ")
	raw, err := s.readPassword(s.stdin)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("wallet keystore passphrase cannot be empty")
	}
	return string(raw), nil
}

// Lookup adapts Source to a per-variable resolver.
func Lookup(envVar string) (string, error) {
	return NewSource(envVar).Get()
}
