package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/wombat/internal/models"
)

var (
	// ErrUnhealthy is returned by Connect for accounts whose credentials have not been verified.
	ErrUnhealthy = errors.New("account is not healthy")
	// ErrUnreachable is returned when the server cannot be dialed.
	ErrUnreachable = errors.New("imap server unreachable")
	// ErrAuthFailed is returned when the server rejects the credentials.
	ErrAuthFailed = errors.New("imap authentication failed")
)

const defaultDialTimeout = 5 * time.Second

// Config holds the gateway's connection settings.
type Config struct {
	DialTimeout time.Duration
	// Debug receives the raw protocol exchange when set.
	Debug     io.Writer
	TLSConfig *tls.Config
}

// Gateway opens authenticated sessions to remote IMAP stores.
type Gateway struct {
	cfg Config
}

// NewGateway creates a gateway. A zero DialTimeout means five seconds.
func NewGateway(cfg Config) *Gateway {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Gateway{cfg: cfg}
}

// Connect opens an authenticated session for a healthy account.
// The caller owns the session and must call Logout.
func (g *Gateway) Connect(ctx context.Context, account *models.Account) (Session, error) {
	if !account.Healthy {
		return nil, ErrUnhealthy
	}
	return g.open(ctx, account)
}

// Probe dials and logs in regardless of the account's health flag.
// It returns nil when the credentials work.
func (g *Gateway) Probe(ctx context.Context, account *models.Account) error {
	sess, err := g.open(ctx, account)
	if err != nil {
		return err
	}
	_ = sess.Logout()
	return nil
}

// CheckCredentials reports whether the account can log in.
func (g *Gateway) CheckCredentials(ctx context.Context, account *models.Account) bool {
	return g.Probe(ctx, account) == nil
}

func (g *Gateway) open(ctx context.Context, account *models.Account) (Session, error) {
	c, err := g.dial(ctx, account)
	if err != nil {
		return nil, err
	}

	if g.cfg.Debug != nil {
		c.SetDebug(g.cfg.Debug)
	}

	if err := c.Login(account.Username, account.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	return &clientSession{client: c}, nil
}

// dial connects with the configured timeout, bounded by the context deadline.
func (g *Gateway) dial(ctx context.Context, account *models.Account) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	dialer := &net.Dialer{
		Timeout: g.cfg.DialTimeout,
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	addr := account.Address()
	if account.UseTLS {
		tlsConfig := g.cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: account.Host}
		}
		c, err := client.DialWithDialerTLS(dialer, addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to dial %s with TLS: %w", ErrUnreachable, addr, err)
		}
		return c, nil
	}

	c, err := client.DialWithDialer(dialer, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dial %s: %w", ErrUnreachable, addr, err)
	}
	return c, nil
}
