// Package credentials implements the Credential Provider: it mints and
// refreshes a short-lived cloud access token and exposes GetToken to the
// rest of the host core, which treats the result as an opaque string.
package credentials

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alphacore/vmvalidate/internal/auth"
	"github.com/alphacore/vmvalidate/internal/crypto"
)

// ErrNotConfigured is returned by GetToken when no token source has been
// configured and Start has not adopted an environment-provided token.
var ErrNotConfigured = fmt.Errorf("credentials: no token source configured")

const (
	minBackoff = time.Second
	maxBackoff = 300 * time.Second
)

// Provider supplies a current access token on demand, per §4.5.
type Provider struct {
	envVar       string
	credsFile    string
	devIssuer    *auth.DevTokenIssuer
	defaultTTL   time.Duration
	refreshSkew  time.Duration

	mu        sync.Mutex
	token      string
	expiry     time.Time
	lastError  error
	started    bool
	envAdopted bool

	stop   chan struct{}
	done   chan struct{}
}

// Config configures a new Provider.
type Config struct {
	// EnvVar names the environment variable carrying a pre-minted token.
	// If set when Start is called, that token is adopted verbatim and no
	// refresh loop runs.
	EnvVar string

	// CredsFile, if set, names a file holding a pre-provisioned access
	// token, stored in the enc:/plain: wire format produced by
	// internal/crypto. Read and decrypted on every mint so a rotated file
	// on disk is picked up by the next refresh cycle.
	CredsFile string

	// DevTokenSecret, if set, no env token was adopted and CredsFile is
	// empty, causes the provider to mint short-lived self-signed JWTs so
	// the service is exercisable without a real credential. A configured
	// CredsFile that fails to load is reported as an error; it does not
	// fall back to dev minting.
	DevTokenSecret string

	DefaultTTL  time.Duration
	RefreshSkew time.Duration
}

// New creates an unstarted Provider.
func New(cfg Config) *Provider {
	p := &Provider{
		envVar:      cfg.EnvVar,
		credsFile:   cfg.CredsFile,
		defaultTTL:  cfg.DefaultTTL,
		refreshSkew: cfg.RefreshSkew,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if p.defaultTTL <= 0 {
		p.defaultTTL = 30 * time.Minute
	}
	if p.refreshSkew < 30*time.Second {
		p.refreshSkew = 30 * time.Second
	}
	if cfg.DevTokenSecret != "" {
		p.devIssuer = auth.NewDevTokenIssuer(cfg.DevTokenSecret)
	}
	return p
}

// Start is idempotent. If an environment-provided token is set, it is
// adopted and nothing else happens. Otherwise a key file (or, in dev mode,
// the self-signed issuer) mints an initial token and a background refresh
// loop is spawned.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if p.envVar != "" {
		if v := os.Getenv(p.envVar); v != "" {
			p.mu.Lock()
			p.token = v
			p.expiry = time.Now().Add(365 * 24 * time.Hour) // env tokens are assumed long-lived
			p.envAdopted = true
			p.mu.Unlock()
			log.Printf("credentials: adopted token from %s", p.envVar)
			return nil
		}
	}

	if err := p.mintOnce(); err != nil {
		p.mu.Lock()
		p.lastError = err
		p.mu.Unlock()
		log.Printf("credentials: initial mint failed: %v", err)
	}

	go p.refreshLoop(ctx)
	return nil
}

// GetToken returns the current token, or ErrNotConfigured / the last
// refresh error if none is available.
func (p *Provider) GetToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" {
		return p.token, nil
	}
	if p.lastError != nil {
		return "", p.lastError
	}
	return "", ErrNotConfigured
}

// Ready reports whether a usable token is currently held.
func (p *Provider) Ready() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return true, ""
	}
	if p.lastError != nil {
		return false, p.lastError.Error()
	}
	return false, ErrNotConfigured.Error()
}

// Stop cancels the refresh loop and joins it. Idempotent.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.started || p.envAdopted {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	select {
	case <-p.stop:
		// already closed
	default:
		close(p.stop)
	}
	<-p.done
}

func (p *Provider) refreshLoop(ctx context.Context) {
	defer close(p.done)

	backoff := minBackoff
	for {
		p.mu.Lock()
		expiry := p.expiry
		lastErr := p.lastError
		p.mu.Unlock()

		var wait time.Duration
		if lastErr != nil {
			wait = backoff
		} else {
			wait = time.Until(expiry.Add(-p.refreshSkew))
			if wait < 30*time.Second {
				wait = 30 * time.Second
			}
		}

		select {
		case <-time.After(wait):
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		}

		if err := p.mintOnce(); err != nil {
			p.mu.Lock()
			p.lastError = err
			p.mu.Unlock()
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			log.Printf("credentials: refresh failed, retrying in %s: %v", backoff, err)
			continue
		}
		backoff = minBackoff
	}
}

// mintOnce produces a fresh (token, expiry) pair and installs it atomically.
func (p *Provider) mintOnce() error {
	if p.credsFile != "" {
		raw, err := os.ReadFile(p.credsFile)
		if err != nil {
			return fmt.Errorf("read creds file %s: %w", p.credsFile, err)
		}
		token, err := crypto.Decrypt(strings.TrimSpace(string(raw)))
		if err != nil {
			return fmt.Errorf("decrypt creds file %s: %w", p.credsFile, err)
		}
		p.mu.Lock()
		p.token = token
		p.expiry = time.Now().Add(p.defaultTTL)
		p.lastError = nil
		p.mu.Unlock()
		return nil
	}

	if p.devIssuer != nil {
		token, expiry, err := p.devIssuer.Mint(p.defaultTTL)
		if err != nil {
			return fmt.Errorf("mint dev token: %w", err)
		}
		p.mu.Lock()
		p.token = token
		p.expiry = expiry
		p.lastError = nil
		p.mu.Unlock()
		return nil
	}

	return fmt.Errorf("no credential source configured (set %s, a creds file, or a dev token secret)", p.envVar)
}
