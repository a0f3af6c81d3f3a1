package ssh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultVerifyTimeout bounds the whole verification
	DefaultVerifyTimeout = 5 * time.Minute

	// DefaultCheckInterval separates connection attempts
	DefaultCheckInterval = 15 * time.Second

	// DefaultConnectTimeout bounds a single attempt
	DefaultConnectTimeout = 30 * time.Second
)

// VerifyResult reports how verification went
type VerifyResult struct {
	Success   bool
	Duration  time.Duration
	Attempts  int
	LastError string
}

// Verifier waits for a freshly created instance to accept SSH and
// answer a shell command. Connections go through the executor so both
// paths dial the same way.
type Verifier struct {
	verifyTimeout time.Duration
	checkInterval time.Duration
	exec          *Executor
}

// Option configures the Verifier
type Option func(*Verifier)

// WithVerifyTimeout sets the total verification timeout
func WithVerifyTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.verifyTimeout = d
	}
}

// WithCheckInterval sets the delay between attempts
func WithCheckInterval(d time.Duration) Option {
	return func(v *Verifier) {
		v.checkInterval = d
	}
}

// WithConnectTimeout sets the per-attempt connection timeout
func WithConnectTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		v.exec = NewExecutor(
			WithExecutorConnectTimeout(d),
			WithExecutorCommandTimeout(d))
	}
}

// NewVerifier builds a verifier with default timeouts
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		verifyTimeout: DefaultVerifyTimeout,
		checkInterval: DefaultCheckInterval,
		exec: NewExecutor(
			WithExecutorConnectTimeout(DefaultConnectTimeout),
			WithExecutorCommandTimeout(DefaultConnectTimeout)),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify retries until the host answers or the timeout elapses. The
// result is populated even on failure so callers can log attempt
// counts.
func (v *Verifier) Verify(ctx context.Context, host string, port int, user, privateKey string) (*VerifyResult, error) {
	if err := checkTarget(host, port, user, privateKey); err != nil {
		return nil, err
	}

	// Reject unparseable keys before the retry loop spends the timeout
	if _, err := ssh.ParsePrivateKey([]byte(privateKey)); err != nil {
		return &VerifyResult{LastError: err.Error()}, fmt.Errorf("failed to parse private key: %w", err)
	}

	start := time.Now()
	deadline := start.Add(v.verifyTimeout)
	result := &VerifyResult{}

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			result.LastError = err.Error()
			return result, err
		}
		if time.Now().After(deadline) {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("ssh verification timed out after %d attempts: %s",
				result.Attempts, result.LastError)
		}

		result.Attempts++
		err := v.attempt(ctx, host, port, user, privateKey)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result, nil
		}
		result.LastError = err.Error()
		slog.Debug("ssh verification attempt failed",
			slog.String("host", host),
			slog.Int("attempt", result.Attempts),
			slog.String("error", err.Error()))

		wait := v.checkInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			result.Duration = time.Since(start)
			result.LastError = ctx.Err().Error()
			return result, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// VerifyOnce makes a single attempt with no retry
func (v *Verifier) VerifyOnce(ctx context.Context, host string, port int, user, privateKey string) error {
	if err := checkTarget(host, port, user, privateKey); err != nil {
		return err
	}
	return v.attempt(ctx, host, port, user, privateKey)
}

// attempt dials the host and runs a throwaway command
func (v *Verifier) attempt(ctx context.Context, host string, port int, user, privateKey string) error {
	conn, err := v.exec.Connect(ctx, host, port, user, privateKey)
	if err != nil {
		return err
	}
	defer conn.Close()

	return v.exec.CheckHealth(ctx, conn)
}

func checkTarget(host string, port int, user, privateKey string) error {
	switch {
	case host == "":
		return fmt.Errorf("host cannot be empty")
	case port <= 0:
		return fmt.Errorf("port must be positive")
	case user == "":
		return fmt.Errorf("user cannot be empty")
	case privateKey == "":
		return fmt.Errorf("private key cannot be empty")
	}
	return nil
}
