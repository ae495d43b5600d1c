package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/notifications"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	User         string
	Level        AlertLevel
	PeriodTokens int
	TokenCount   int
	Percentage   float64
	NextReset    time.Time
	Timestamp    time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Monitor raises an alert the first time a user's usage crosses a threshold
// within a reset window.
type Monitor struct {
	mu         sync.RWMutex
	handlers   []AlertHandler
	thresholds Thresholds
	dedup      AlertDeduplicator
}

func NewMonitor(thresholds Thresholds, dedup AlertDeduplicator) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		thresholds: thresholds,
		dedup:      dedup,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *Monitor) level(ratio float64) (AlertLevel, bool) {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded, true
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical, true
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning, true
	}
	return "", false
}

// Check dispatches an alert for snap if one is due and returns it.
func (m *Monitor) Check(ctx context.Context, user string, snap domain.QuotaSnapshot) *Alert {
	if snap.PeriodTokens <= 0 {
		return nil
	}

	ratio := float64(snap.TokenCount) / float64(snap.PeriodTokens)
	level, ok := m.level(ratio)
	if !ok {
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, user, snap.LastReset, level) {
		return nil
	}

	alert := &Alert{
		User:         user,
		Level:        level,
		PeriodTokens: snap.PeriodTokens,
		TokenCount:   snap.TokenCount,
		Percentage:   ratio * 100,
		NextReset:    snap.NextReset,
		Timestamp:    time.Now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

func LogAlertHandler(_ context.Context, alert Alert) {
	slog.Warn("quota alert",
		"user", alert.User,
		"level", alert.Level,
		"period_tokens", alert.PeriodTokens,
		"token_count", alert.TokenCount,
		"percentage", alert.Percentage,
	)
}

// NotifyHandler forwards alerts to a notifier. Send failures are logged.
func NotifyHandler(n notifications.Notifier) AlertHandler {
	return func(ctx context.Context, alert Alert) {
		kind := notifications.NotificationQuotaWarning
		switch alert.Level {
		case AlertLevelCritical:
			kind = notifications.NotificationQuotaCritical
		case AlertLevelExceeded:
			kind = notifications.NotificationQuotaExceeded
		}

		err := n.Send(ctx, notifications.Notification{
			Type:    kind,
			User:    alert.User,
			Message: fmt.Sprintf("user %s used %.1f%% of %d tokens", alert.User, alert.Percentage, alert.PeriodTokens),
			Data: map[string]interface{}{
				"token_count":   alert.TokenCount,
				"period_tokens": alert.PeriodTokens,
				"next_reset":    alert.NextReset.Format(time.RFC3339),
			},
		})
		if err != nil {
			slog.Error("quota notification failed", "user", alert.User, "error", err)
		}
	}
}

// AlertDeduplicator ensures an alert level fires once per user per window,
// even with several gateway instances.
type AlertDeduplicator interface {
	ShouldAlert(ctx context.Context, user string, window time.Time, level AlertLevel) bool
}

type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]time.Time
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		sent: make(map[string]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(_ context.Context, user string, window time.Time, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := user + ":" + string(level)
	if last, ok := d.sent[key]; ok && last.Equal(window) {
		return false
	}
	d.sent[key] = window
	return true
}

// RedisDeduplicator uses SETNX so only one instance dispatches each alert.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator keys expire after ttl, which should cover one reset
// window.
func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, user string, window time.Time, level AlertLevel) bool {
	key := fmt.Sprintf("quota:alert:%s:%d:%s", user, window.UnixMilli(), level)

	acquired, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// fail open
		return true
	}
	return acquired
}
