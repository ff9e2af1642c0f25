package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// AutoRefresher keeps an OIDCProvider's session fresh via a background goroutine.
// Each tick asks the provider for its session, which refreshes it when it is
// close to expiry. A refresh token rejected by the issuer signs the user out.
type AutoRefresher struct {
	provider *OIDCProvider
	interval time.Duration
	mu       sync.Mutex // prevent concurrent runs (scheduled + on-demand)
	stop     chan struct{}
	done     chan struct{}
}

// NewAutoRefresher creates and starts a refresher. If interval is 0, no
// goroutine is started and only RunOnce does any work.
func NewAutoRefresher(provider *OIDCProvider, interval time.Duration) *AutoRefresher {
	r := &AutoRefresher{
		provider: provider,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval > 0 {
		go r.run()
	} else {
		close(r.done)
	}

	return r
}

func (r *AutoRefresher) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.done)

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(context.Background()); err != nil {
				slog.Error("session auto-refresh failed", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}

// RunOnce performs a single refresh check. Transient failures are returned and
// the session is kept; an invalid_grant response ends the session.
func (r *AutoRefresher) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.provider.GetSession(ctx)
	if err == nil {
		return nil
	}
	if isInvalidGrant(err) {
		slog.Warn("refresh token rejected, signing out", "error", err)
		return r.provider.SignOut(ctx)
	}
	return err
}

// Shutdown stops the refresher and waits for it to finish.
func (r *AutoRefresher) Shutdown() {
	close(r.stop)
	<-r.done
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}
