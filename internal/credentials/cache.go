// Package credentials supplies the bearer token the proxy presents upstream.
// A Cache holds a single token and refreshes it through a Source when it is
// missing or close to expiry.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sofatutor/vertex-proxy/internal/obfuscate"
	"go.uber.org/zap"
)

// RefreshSkew is how long before its expiry a token is already treated as expired.
const RefreshSkew = 5 * time.Minute

// Token is a bearer token and the instant it stops being valid.
// A zero Expiry means the source did not report one.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Source mints bearer tokens. Implementations may block on network I/O.
type Source interface {
	Token(ctx context.Context) (Token, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (Token, error)

// Token calls f(ctx).
func (f SourceFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// CacheOptions defines the options for the token cache
type CacheOptions struct {
	// Skew before expiry at which a refresh is forced (default: RefreshSkew)
	Skew time.Duration

	// Clock used for expiry checks (default: time.Now)
	Now func() time.Time

	// Logger for refresh outcomes (default: no-op)
	Logger *zap.Logger

	// OnRefresh is called after every refresh attempt with its outcome.
	OnRefresh func(err error, elapsed time.Duration)
}

// Cache holds one bearer token and refreshes it on demand. It is safe for
// concurrent use; refreshes are serialized so that callers racing on a
// stale token trigger a single Source call. Expiry and Invalidate never wait
// for a refresh in flight.
type Cache struct {
	source    Source
	skew      time.Duration
	now       func() time.Time
	logger    *zap.Logger
	onRefresh func(err error, elapsed time.Duration)

	// sem serializes refreshes; a one-slot channel so waiters can give up
	// when their context ends.
	sem chan struct{}

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewCache creates an empty cache backed by source.
func NewCache(source Source, options ...CacheOptions) *Cache {
	var opts CacheOptions
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Skew <= 0 {
		opts.Skew = RefreshSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Cache{
		source:    source,
		skew:      opts.Skew,
		now:       opts.Now,
		logger:    opts.Logger,
		onRefresh: opts.OnRefresh,
		sem:       make(chan struct{}, 1),
	}
}

// Token returns a valid bearer token, refreshing it first when no expiry is
// recorded or when now+skew has reached the recorded expiry. Refresh
// failures are returned as *CredentialError and are not retried.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if err := c.lock(ctx); err != nil {
		return "", err
	}
	defer c.unlock()

	if token, ok := c.current(); ok {
		return token, nil
	}
	return c.refresh(ctx)
}

// Expiry reports the expiry of the cached token; zero when none is cached.
// During a refresh it reports the previous value.
func (c *Cache) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

// Invalidate drops the cached token so the next Token call refreshes. A
// refresh already in flight still stores its result.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

func (c *Cache) lock(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &CredentialError{Err: fmt.Errorf("waiting for token refresh: %w", ctx.Err())}
	}
}

func (c *Cache) unlock() { <-c.sem }

// current returns the cached token unless it is missing or within skew of
// its expiry.
func (c *Cache) current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" || c.expiry.IsZero() {
		return "", false
	}
	if !c.now().Add(c.skew).Before(c.expiry) {
		return "", false
	}
	return c.token, true
}

// refresh must be called with sem held.
func (c *Cache) refresh(ctx context.Context) (string, error) {
	start := time.Now()
	tok, err := c.source.Token(ctx)
	if err == nil && tok.AccessToken == "" {
		err = errors.New("credential source returned an empty token")
	}
	elapsed := time.Since(start)
	if c.onRefresh != nil {
		c.onRefresh(err, elapsed)
	}
	if err != nil {
		c.logger.Error("Token refresh failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return "", credErr
		}
		return "", &CredentialError{Err: err}
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.expiry = tok.Expiry
	c.mu.Unlock()
	c.logger.Info("Token refreshed",
		zap.String("token", obfuscate.Token(tok.AccessToken)),
		zap.Time("expiry", tok.Expiry),
		zap.Duration("elapsed", elapsed))
	return tok.AccessToken, nil
}
