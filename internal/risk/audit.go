package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AuditEvent is one entry in an append-only control-state log. Every
// kill-switch and circuit-breaker transition produces one. Value and
// Threshold are zero for events not triggered by a numeric breach.
type AuditEvent struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Scope     string          `json:"scope"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Trigger   string          `json:"trigger"`
	Value     decimal.Decimal `json:"value"`
	Threshold decimal.Decimal `json:"threshold"`
	At        time.Time       `json:"at"`
}

func newAuditEvent(kind, scope, from, to, trigger string) AuditEvent {
	return AuditEvent{
		ID:      uuid.New().String(),
		Kind:    kind,
		Scope:   scope,
		From:    from,
		To:      to,
		Trigger: trigger,
		At:      time.Now().UTC(),
	}
}

// auditLog is an append-only slice of events. Callers synchronize.
type auditLog struct {
	events []AuditEvent
}

func (l *auditLog) append(ev AuditEvent) {
	l.events = append(l.events, ev)
}

// tail returns a copy of the most recent events, newest last. A limit
// of zero or less means all. An optional scope filters the result.
func (l *auditLog) tail(limit int, scope string) []AuditEvent {
	src := l.events
	if scope != "" {
		src = nil
		for _, ev := range l.events {
			if ev.Scope == scope {
				src = append(src, ev)
			}
		}
	}
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]AuditEvent, len(src))
	copy(out, src)
	return out
}
