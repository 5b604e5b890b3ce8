// Package refresh implements the Refresh Loop: a periodic task that
// pulls SIP credentials and the intercom list from the subscriber REST
// backend, rebuilds the VoIP Coordinator whenever credentials change,
// and keeps a derived intercom-state map for the host integration to
// read.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/doorvoip/internal/restclient"
	"github.com/sebas/doorvoip/internal/sipendpoint"
	"github.com/sebas/doorvoip/internal/voiperr"
)

const (
	// DefaultInterval is the cycle period used when the host does not
	// configure one.
	DefaultInterval = 3600 * time.Second
	// MinInterval is the smallest cycle period honored; anything
	// shorter is clamped up to it.
	MinInterval = 600 * time.Second

	jitterLow  = 60 * time.Second
	jitterHigh = 180 * time.Second

	maxFirstCycleRetries = 10
	firstCycleRetryStep  = 5 * time.Second

	safeStartRetries = 10
	safeStartSleep   = 5 * time.Second
)

// Coordinator is the subset of *coordinator.Coordinator the Refresh
// Loop drives. Depending on this interface rather than the concrete
// type keeps the loop testable against a fake.
type Coordinator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SafeStart(ctx context.Context, retry int, sleep time.Duration) error
	Status() string
	ActiveCalls() int
}

// CoordinatorFactory builds a fresh Coordinator bound to cfg, the way
// internal/coordinator.New does.
type CoordinatorFactory func(cfg sipendpoint.Config) Coordinator

// IntercomState is one entry of the derived intercom map the host
// integration reads.
type IntercomState struct {
	StreamURL string
	Mute      bool
	SipLogin  string
}

// Loop runs the periodic credential/intercom refresh cycle and owns
// the current Coordinator, rebuilding it whenever SIP credentials
// change.
type Loop struct {
	client   *restclient.Client
	localIP  string
	interval time.Duration
	newCoord CoordinatorFactory

	mu          sync.Mutex
	creds       sipendpoint.Config
	haveCreds   bool
	intercoms   map[int]IntercomState
	coordinator Coordinator
	degraded    bool
}

// New builds a Loop. interval is clamped to [MinInterval, +inf);
// passing 0 selects DefaultInterval. factory is responsible for wiring
// the host's Observer (and diagnostics tracers) into every Coordinator
// it builds — the loop itself only decides when to rebuild.
func New(client *restclient.Client, localIP string, interval time.Duration, factory CoordinatorFactory) *Loop {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Loop{
		client:    client,
		localIP:   localIP,
		interval:  interval,
		newCoord:  factory,
		intercoms: map[int]IntercomState{},
	}
}

// Intercoms returns a snapshot of the derived intercom-state map.
func (l *Loop) Intercoms() map[int]IntercomState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int]IntercomState, len(l.intercoms))
	for k, v := range l.intercoms {
		out[k] = v
	}
	return out
}

// Degraded reports whether the most recent refresh cycle (after the
// first) failed, whatever the kind of error.
func (l *Loop) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Current returns the Coordinator currently built from the last
// known-good credentials, or nil before the first successful cycle.
func (l *Loop) Current() Coordinator {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.coordinator
}

// Run drives the refresh cycle until ctx is cancelled. The first cycle
// runs immediately; every later cycle is preceded by a randomized 1-3
// minute jitter sleep.
func (l *Loop) Run(ctx context.Context) {
	first := true
	for {
		if !first {
			select {
			case <-ctx.Done():
				return
			case <-time.After(randomJitter()):
			}
		}

		if err := l.cycle(ctx, first); err != nil {
			if first {
				if !l.retryFirstCycle(ctx, err) {
					return
				}
			} else {
				slog.Debug("[Refresh] cycle failed, surfacing as degraded", "error", err)
				l.setDegraded(true)
			}
		} else {
			l.setDegraded(false)
		}
		first = false

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

// retryFirstCycle retries the first cycle with linear back-off (5s,
// 10s, 15s, ...) up to maxFirstCycleRetries times, but only for
// transient connection failures; any other error is fatal to startup.
func (l *Loop) retryFirstCycle(ctx context.Context, firstErr error) bool {
	if !errors.Is(firstErr, voiperr.ErrConnection) {
		slog.Error("[Refresh] first cycle failed non-transiently", "error", firstErr)
		return false
	}

	err := firstErr
	for attempt := 1; attempt <= maxFirstCycleRetries; attempt++ {
		slog.Debug("[Refresh] first cycle retry", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * firstCycleRetryStep):
		}

		err = l.cycle(ctx, true)
		if err == nil {
			return true
		}
		if !errors.Is(err, voiperr.ErrConnection) {
			slog.Error("[Refresh] first cycle failed non-transiently", "error", err)
			return false
		}
	}
	slog.Error("[Refresh] first cycle exhausted retries", "error", err)
	return false
}

// cycle performs one REST sip_settings + intercoms pull, rebuilding
// the Coordinator if credentials changed.
func (l *Loop) cycle(ctx context.Context, first bool) error {
	settings, err := l.client.SipSettings(ctx)
	if err != nil {
		return err
	}

	next := sipendpoint.Config{
		Address:  settings.SipAddress,
		Port:     settings.SipPort,
		Username: settings.SipLogin,
		Password: settings.SipPassword,
		LocalIP:  l.localIP,
	}

	if l.credentialsChanged(next) {
		l.rebuildCoordinator(ctx, next)
	}

	intercoms, err := l.client.Intercoms(ctx)
	if err != nil {
		return err
	}
	l.setIntercoms(intercoms)

	return nil
}

func (l *Loop) credentialsChanged(next sipendpoint.Config) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.haveCreds || l.creds != next
}

func (l *Loop) rebuildCoordinator(ctx context.Context, next sipendpoint.Config) {
	l.mu.Lock()
	old := l.coordinator
	c := l.newCoord(next)
	l.coordinator = c
	l.creds = next
	l.haveCreds = true
	l.mu.Unlock()

	if old != nil {
		_ = old.Stop(ctx)
	}

	go func() {
		if err := c.SafeStart(ctx, safeStartRetries, safeStartSleep); err != nil {
			slog.Error("[Refresh] coordinator safe_start failed", "error", err)
		}
	}()
}

func (l *Loop) setIntercoms(list []restclient.Intercom) {
	next := make(map[int]IntercomState, len(list))
	for _, ic := range list {
		next[ic.ID] = IntercomState{StreamURL: ic.StreamURL, Mute: ic.Mute, SipLogin: ic.SipLogin}
	}

	l.mu.Lock()
	l.intercoms = next
	l.mu.Unlock()
}

func (l *Loop) setDegraded(v bool) {
	l.mu.Lock()
	l.degraded = v
	l.mu.Unlock()
}

func randomJitter() time.Duration {
	span := int64(jitterHigh - jitterLow)
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return jitterLow
	}
	n := int64(binary.BigEndian.Uint64(b[:])) % span
	if n < 0 {
		n = -n
	}
	return jitterLow + time.Duration(n)
}
