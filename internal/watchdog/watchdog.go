package watchdog

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"bridgehost/internal/domain"
	"bridgehost/internal/registry"
)

// Bridge is the collaborator that actually talks to terminals. The
// watchdog only ever asks it to reconnect or drop an account.
type Bridge interface {
	Reconnect(ctx context.Context, accountID string) error
	Disconnect(ctx context.Context, accountID string) error
}

// Notifier receives operator-facing alerts. May be nil.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Watchdog scans the registry for connections whose external data has
// gone stale and drives reconnection through the bridge. Stale means no
// terminal data within the threshold; it is a soft signal meant to
// absorb terminal UI pauses, not a verdict of permanent failure.
type Watchdog struct {
	reg      *registry.Registry
	bridge   Bridge
	notifier Notifier

	threshold time.Duration
	interval  time.Duration
	// maxAttempts bounds reconnects per outage; 0 keeps retrying
	// indefinitely, mirroring the original product.
	maxAttempts int

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func New(reg *registry.Registry, bridge Bridge, notifier Notifier, threshold, interval time.Duration, maxAttempts int) *Watchdog {
	return &Watchdog{
		reg:         reg,
		bridge:      bridge,
		notifier:    notifier,
		threshold:   threshold,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
}

// Stop halts the scan loop and waits for the in-flight tick to finish.
// Safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

func (w *Watchdog) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			w.Sweep(now.UTC())
		}
	}
}

// Sweep runs one staleness pass. Exposed for deterministic tests.
func (w *Watchdog) Sweep(now time.Time) {
	for _, accountID := range w.reg.StaleConnected(now, w.threshold) {
		w.reconnect(accountID)
	}
}

func (w *Watchdog) reconnect(accountID string) {
	snap, err := w.reg.GetSnapshot(accountID)
	if err != nil {
		return
	}
	if !snap.Session.AutoReconnect {
		return
	}
	if w.maxAttempts > 0 && snap.Session.ReconnectAttempts >= w.maxAttempts {
		msg := fmt.Sprintf("account %s: max reconnect attempts exceeded (%d)", accountID, w.maxAttempts)
		log.Printf("watchdog: %s", msg)
		_ = w.reg.SetStatus(accountID, domain.StatusError, "max_reconnect_attempts_exceeded")
		if w.notifier != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.notifier.Notify(ctx, msg)
		}
		return
	}

	attempts, ok := w.reg.BeginReconnect(accountID)
	if !ok {
		return
	}
	log.Printf("watchdog: account %s stale, reconnect attempt %d", accountID, attempts)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.bridge.Reconnect(ctx, accountID); err != nil {
		log.Printf("watchdog: reconnect %s: %v", accountID, err)
	}
}
