package risk

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied is returned when a privileged operation is
	// attempted with the wrong admin code.
	ErrPermissionDenied = errors.New("risk: permission denied")

	// ErrNotActive is returned when deactivating a switch that is not set.
	ErrNotActive = errors.New("risk: kill switch not active")
)

const (
	// KillStateActive and KillStateInactive are the From/To values on
	// kill-switch audit events.
	KillStateActive   = "active"
	KillStateInactive = "inactive"

	killKindGlobal   = "kill_switch_global"
	killKindStrategy = "kill_switch_strategy"

	// ScopeGlobal marks audit events for the global bit.
	ScopeGlobal = "global"
)

// Activation records why a halt bit is set.
type Activation struct {
	Reason string    `json:"reason"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// KillSwitch is a global halt bit plus a per-producer map of halt bits.
// A producer is halted when the global bit is set or its own bit is.
// Activation always succeeds and may come from any source; deactivation
// requires the operator admin code. There is no system path that clears
// a bit.
type KillSwitch struct {
	logger    *slog.Logger
	adminCode string

	mu         sync.RWMutex
	global     *Activation
	strategies map[string]*Activation
	audit      auditLog

	notifyCh chan AuditEvent
}

// NewKillSwitch builds an inactive switch guarded by adminCode.
func NewKillSwitch(adminCode string, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		logger:     logger.With("component", "killswitch"),
		adminCode:  adminCode,
		strategies: make(map[string]*Activation),
		notifyCh:   make(chan AuditEvent, 8),
	}
}

// IsActive reports whether the given producer is halted. An empty
// producer asks about the global bit alone.
func (k *KillSwitch) IsActive(producer string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.global != nil {
		return true
	}
	if producer == "" {
		return false
	}
	return k.strategies[producer] != nil
}

// Active returns the activation that halts the given producer, global
// bit first. The second return is false when nothing is set.
func (k *KillSwitch) Active(producer string) (Activation, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.global != nil {
		return *k.global, true
	}
	if producer != "" {
		if act := k.strategies[producer]; act != nil {
			return *act, true
		}
	}
	return Activation{}, false
}

// ActivateGlobal sets the global bit. Re-activation overwrites the
// stored reason; every call appends an audit event.
func (k *KillSwitch) ActivateGlobal(reason, source string) AuditEvent {
	k.mu.Lock()
	from := KillStateInactive
	if k.global != nil {
		from = KillStateActive
	}
	k.global = &Activation{Reason: reason, Source: source, At: time.Now().UTC()}
	ev := newAuditEvent(killKindGlobal, ScopeGlobal, from, KillStateActive,
		fmt.Sprintf("%s: %s", source, reason))
	k.audit.append(ev)
	k.mu.Unlock()

	k.logger.Error("kill switch activated", "scope", "global", "reason", reason, "source", source)
	k.notify(ev)
	return ev
}

// ActivateStrategy sets the halt bit for a single producer.
func (k *KillSwitch) ActivateStrategy(producer, reason, source string) AuditEvent {
	k.mu.Lock()
	from := KillStateInactive
	if k.strategies[producer] != nil {
		from = KillStateActive
	}
	k.strategies[producer] = &Activation{Reason: reason, Source: source, At: time.Now().UTC()}
	ev := newAuditEvent(killKindStrategy, producer, from, KillStateActive,
		fmt.Sprintf("%s: %s", source, reason))
	k.audit.append(ev)
	k.mu.Unlock()

	k.logger.Error("kill switch activated", "scope", producer, "reason", reason, "source", source)
	k.notify(ev)
	return ev
}

// DeactivateGlobal clears the global bit. The admin code is compared in
// constant time and is masked in the audit trail.
func (k *KillSwitch) DeactivateGlobal(adminCode, reason string) (AuditEvent, error) {
	if !k.authorize(adminCode) {
		return AuditEvent{}, ErrPermissionDenied
	}
	k.mu.Lock()
	if k.global == nil {
		k.mu.Unlock()
		return AuditEvent{}, ErrNotActive
	}
	k.global = nil
	ev := newAuditEvent(killKindGlobal, ScopeGlobal, KillStateActive, KillStateInactive,
		fmt.Sprintf("operator(%s): %s", maskCode(adminCode), reason))
	k.audit.append(ev)
	k.mu.Unlock()

	k.logger.Warn("kill switch deactivated", "scope", "global", "reason", reason)
	k.notify(ev)
	return ev, nil
}

// DeactivateStrategy clears a producer's halt bit.
func (k *KillSwitch) DeactivateStrategy(producer, adminCode, reason string) (AuditEvent, error) {
	if !k.authorize(adminCode) {
		return AuditEvent{}, ErrPermissionDenied
	}
	k.mu.Lock()
	if k.strategies[producer] == nil {
		k.mu.Unlock()
		return AuditEvent{}, ErrNotActive
	}
	delete(k.strategies, producer)
	ev := newAuditEvent(killKindStrategy, producer, KillStateActive, KillStateInactive,
		fmt.Sprintf("operator(%s): %s", maskCode(adminCode), reason))
	k.audit.append(ev)
	k.mu.Unlock()

	k.logger.Warn("kill switch deactivated", "scope", producer, "reason", reason)
	k.notify(ev)
	return ev, nil
}

// Events returns a copy of the audit tail, optionally filtered by
// scope. A limit of zero or less means everything.
func (k *KillSwitch) Events(limit int, scope string) []AuditEvent {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.audit.tail(limit, scope)
}

// Notifications exposes kill-switch transitions to the engine. The
// channel is never closed; stale events are dropped in favor of fresh
// ones, so consumers always see the latest transition.
func (k *KillSwitch) Notifications() <-chan AuditEvent {
	return k.notifyCh
}

func (k *KillSwitch) authorize(adminCode string) bool {
	return subtle.ConstantTimeCompare([]byte(adminCode), []byte(k.adminCode)) == 1
}

// notify pushes an event without blocking. If the buffer is full the
// oldest entry is dropped to make room.
func (k *KillSwitch) notify(ev AuditEvent) {
	select {
	case k.notifyCh <- ev:
	default:
		select {
		case <-k.notifyCh:
		default:
		}
		select {
		case k.notifyCh <- ev:
		default:
		}
	}
}

// maskCode hides an admin code for audit output, keeping only the first
// four characters.
func maskCode(code string) string {
	r := []rune(code)
	if len(r) > 4 {
		r = r[:4]
	}
	return string(r) + "..."
}
