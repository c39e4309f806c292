// Package watchdog runs the background loops that suspend idle tenants,
// wake suspended tenants on inbound traffic, and fire scheduled wake timers.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lobsterlabs/lobsterd/internal/config"
	"github.com/lobsterlabs/lobsterd/internal/errdefs"
	"github.com/lobsterlabs/lobsterd/internal/registry"
	"github.com/lobsterlabs/lobsterd/internal/tenant"
)

// Watchdog owns the three loops. All actual work happens through the
// engine, whose per-tenant gate guarantees no overlapping operations; a
// trigger that finds its tenant in-flight is dropped and the next tick
// retries if the condition still holds.
type Watchdog struct {
	cfg    *config.Config
	engine *tenant.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	idleSince map[string]time.Time
	wakeTimer map[string]*time.Timer
	stopped   bool

	log *logrus.Entry
}

func New(cfg *config.Config, engine *tenant.Engine) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		engine:    engine,
		idleSince: make(map[string]time.Time),
		wakeTimer: make(map[string]*time.Timer),
		log:       logrus.WithField("component", "watchdog"),
	}
}

// Start launches the loops. They run until Stop.
func (w *Watchdog) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(3)
	go w.trafficLoop()
	go w.idleLoop()
	go w.maintenanceLoop()

	// One-shot wake timers come from registry state; arm the existing ones
	// and re-arm whenever a suspend completes.
	w.rearmWakeTimers()
	events, unsub := w.engine.Events.Subscribe()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer unsub()
		for {
			select {
			case <-w.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == tenant.EventSuspendComplete || ev.Kind == tenant.EventResumeComplete {
					w.rearmWakeTimers()
				}
			}
		}
	}()

	w.log.Info("watchdog started")
}

// Stop cancels the timers, refuses further triggers and waits for in-flight
// operations to finish.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	for name, timer := range w.wakeTimer {
		timer.Stop()
		delete(w.wakeTimer, name)
	}
	w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("watchdog stopped")
}

func (w *Watchdog) interval(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// trafficLoop watches suspended tenants' tap rx counters and wakes a tenant
// on any increase. A counter that went backwards (device recreated, counter
// wrap) resets the baseline instead of waking.
func (w *Watchdog) trafficLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval(w.cfg.Watchdog.TrafficPollMs, 5*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.pollTraffic()
		}
	}
}

func (w *Watchdog) pollTraffic() {
	tenants, err := w.engine.List()
	if err != nil {
		w.log.WithError(err).Warn("traffic poll: registry")
		return
	}
	for _, t := range tenants {
		if t.Status != registry.StatusSuspended || t.SuspendInfo == nil {
			continue
		}
		rx, err := w.engine.Net.RxBytes(t.TapDev)
		if err != nil {
			w.log.WithField("tenant", t.Name).WithError(err).Debug("rx_bytes")
			continue
		}
		switch {
		case rx > t.SuspendInfo.LastRxBytes:
			w.log.WithFields(logrus.Fields{"tenant": t.Name, "rx": rx}).Info("traffic on suspended tenant")
			w.trigger(t.Name, "traffic", func(ctx context.Context) error {
				_, err := w.engine.Resume(ctx, t.Name, "traffic")
				return err
			})
		case rx < t.SuspendInfo.LastRxBytes:
			name := t.Name
			if _, err := w.engine.Store.Mutate(func(r *registry.Registry) error {
				if row := r.Find(name); row != nil && row.SuspendInfo != nil {
					row.SuspendInfo.LastRxBytes = rx
				}
				return nil
			}); err != nil {
				w.log.WithField("tenant", name).WithError(err).Debug("reset rx baseline")
			}
		}
	}
}

// idleLoop queries each active tenant's connection count and suspends after
// a sustained idle window. An unreachable agent neither starts nor clears
// the idle mark.
func (w *Watchdog) idleLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval(w.cfg.Watchdog.IntervalMs, 15*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.pollIdle()
		}
	}
}

func (w *Watchdog) pollIdle() {
	tenants, err := w.engine.List()
	if err != nil {
		w.log.WithError(err).Warn("idle poll: registry")
		return
	}
	threshold := w.interval(w.cfg.Watchdog.IdleThresholdMs, 10*time.Minute)
	now := time.Now()
	live := map[string]bool{}
	for _, t := range tenants {
		live[t.Name] = true
		if t.Status != registry.StatusActive {
			w.clearIdle(t.Name)
			continue
		}
		conns, err := w.engine.AgentFor(t).GetActiveConnections()
		if err != nil {
			continue
		}
		if conns > 0 {
			w.clearIdle(t.Name)
			continue
		}
		w.mu.Lock()
		since, seen := w.idleSince[t.Name]
		if !seen {
			w.idleSince[t.Name] = now
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()
		if now.Sub(since) >= threshold {
			w.log.WithFields(logrus.Fields{"tenant": t.Name, "idle": now.Sub(since)}).Info("idle threshold reached")
			name := t.Name
			w.trigger(name, "idle", func(ctx context.Context) error {
				_, err := w.engine.Suspend(ctx, name, "idle")
				if err == nil {
					w.clearIdle(name)
				}
				return err
			})
		}
	}
	// Drop idle marks for tenants that no longer exist.
	w.mu.Lock()
	for name := range w.idleSince {
		if !live[name] {
			delete(w.idleSince, name)
		}
	}
	w.mu.Unlock()
}

func (w *Watchdog) clearIdle(name string) {
	w.mu.Lock()
	delete(w.idleSince, name)
	w.mu.Unlock()
}

// rearmWakeTimers sets a one-shot timer per suspended tenant with a pending
// wake time, replacing whatever was armed before.
func (w *Watchdog) rearmWakeTimers() {
	tenants, err := w.engine.List()
	if err != nil {
		w.log.WithError(err).Warn("wake timers: registry")
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	for name, timer := range w.wakeTimer {
		timer.Stop()
		delete(w.wakeTimer, name)
	}
	now := time.Now()
	for _, t := range tenants {
		if t.Status != registry.StatusSuspended || t.SuspendInfo == nil || t.SuspendInfo.NextWakeAtMs == 0 {
			continue
		}
		name := t.Name
		delay := time.UnixMilli(t.SuspendInfo.NextWakeAtMs).Sub(now)
		if delay < 0 {
			delay = 0
		}
		w.wakeTimer[name] = time.AfterFunc(delay, func() {
			w.trigger(name, "cron", func(ctx context.Context) error {
				_, err := w.engine.Resume(ctx, name, "cron")
				return err
			})
		})
	}
}

// maintenanceLoop runs a periodic molt sweep, honoring the per-tenant
// repair cooldown.
func (w *Watchdog) maintenanceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(10 * w.interval(w.cfg.Watchdog.IntervalMs, 15*time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	tenants, err := w.engine.List()
	if err != nil {
		return
	}
	for _, t := range tenants {
		if t.Status == registry.StatusDegraded {
			continue
		}
		if !w.engine.RepairCooldownOk(t.Name, time.Now()) {
			continue
		}
		name := t.Name
		w.trigger(name, "repair", func(ctx context.Context) error {
			w.engine.Events.Emit(tenant.Event{Kind: tenant.EventRepairStart, Tenant: name})
			results, err := w.engine.Molt(ctx, name, nil)
			if err != nil {
				w.engine.Events.Emit(tenant.Event{Kind: tenant.EventRepairFailed, Tenant: name, Error: err.Error()})
				return err
			}
			for _, r := range results {
				if !r.Healthy {
					w.engine.Events.Emit(tenant.Event{Kind: tenant.EventRepairFailed, Tenant: name})
					return nil
				}
				if len(r.Actions) > 0 {
					w.engine.Events.Emit(tenant.Event{Kind: tenant.EventRepairComplete, Tenant: name})
				}
			}
			return nil
		})
	}
}

// trigger runs fn on its own goroutine unless the watchdog is stopping. An
// in-flight tenant drops the trigger silently.
func (w *Watchdog) trigger(name, kind string, fn func(context.Context) error) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		if err := fn(w.ctx); err != nil {
			if errors.Is(err, errdefs.ErrOperationInFlight) {
				return
			}
			w.log.WithFields(logrus.Fields{"tenant": name, "trigger": kind}).WithError(err).Warn("trigger failed")
		}
	}()
}
