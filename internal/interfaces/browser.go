package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/authkeeper/internal/models"
)

// Browser opens isolated automation sessions
type Browser interface {
	NewSession(ctx context.Context) (BrowserSession, error)
}

// BrowserSession is one isolated browser profile. Every call honours ctx.
type BrowserSession interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string) error
	Exists(ctx context.Context, selector string) (bool, error)
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error

	Cookies(ctx context.Context) ([]models.Cookie, error)
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	// LocalStorage returns the entries of the current page's origin
	LocalStorage(ctx context.Context) (models.OriginState, error)

	Close() error
}

// CodeProvider supplies one-time verification codes (e.g. from an email inbox)
type CodeProvider interface {
	WaitForCode(ctx context.Context, service, account string, since time.Time) (string, error)
}
