package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/rag-gateway/internal/domain"
	"github.com/felipepmaragno/rag-gateway/internal/notifications"
)

func snapshot(count, period int, window time.Time) domain.QuotaSnapshot {
	return domain.QuotaSnapshot{
		TokenCount:   count,
		PeriodTokens: period,
		LastReset:    window,
		NextReset:    window.Add(24 * time.Hour),
	}
}

func TestMonitor_Levels(t *testing.T) {
	window := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		count int
		want  AlertLevel
	}{
		{"below warning", 79, ""},
		{"warning", 80, AlertLevelWarning},
		{"critical", 95, AlertLevelCritical},
		{"exceeded", 100, AlertLevelExceeded},
		{"over", 140, AlertLevelExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(DefaultThresholds(), nil)
			alert := m.Check(context.Background(), "u", snapshot(tt.count, 100, window))

			if tt.want == "" {
				if alert != nil {
					t.Errorf("unexpected alert %+v", alert)
				}
				return
			}
			if alert == nil || alert.Level != tt.want {
				t.Errorf("alert = %+v, want level %s", alert, tt.want)
			}
		})
	}
}

func TestMonitor_DisabledQuotaNeverAlerts(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), nil)
	if alert := m.Check(context.Background(), "u", snapshot(500, Disabled, time.Now())); alert != nil {
		t.Errorf("alert = %+v", alert)
	}
}

func TestNotifyHandler(t *testing.T) {
	notifier := notifications.NewInMemoryNotifier()
	m := NewMonitor(DefaultThresholds(), nil)
	m.OnAlert(NotifyHandler(notifier))

	window := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	m.Check(context.Background(), "alice", snapshot(96, 100, window))
	m.Check(context.Background(), "alice", snapshot(97, 100, window))

	sent := notifier.GetNotifications()
	if len(sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(sent))
	}
	n := sent[0]
	if n.Type != notifications.NotificationQuotaCritical || n.User != "alice" {
		t.Errorf("notification = %+v", n)
	}
	if n.Data["next_reset"] != "2024-03-02T00:00:00Z" {
		t.Errorf("next_reset = %v", n.Data["next_reset"])
	}
}

func TestInMemoryDeduplicator(t *testing.T) {
	d := NewInMemoryDeduplicator()
	ctx := context.Background()
	w1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w2 := w1.Add(24 * time.Hour)

	if !d.ShouldAlert(ctx, "u", w1, AlertLevelWarning) {
		t.Error("first alert suppressed")
	}
	if d.ShouldAlert(ctx, "u", w1, AlertLevelWarning) {
		t.Error("duplicate alert in same window")
	}
	if !d.ShouldAlert(ctx, "u", w1, AlertLevelCritical) {
		t.Error("new level suppressed")
	}
	if !d.ShouldAlert(ctx, "u", w2, AlertLevelWarning) {
		t.Error("alert in new window suppressed")
	}
}

func TestRedisDeduplicator(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis deduplicator test")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	window := time.UnixMilli(time.Now().UnixMilli())
	a := NewRedisDeduplicator(client, time.Minute)
	b := NewRedisDeduplicator(client, time.Minute)

	if !a.ShouldAlert(ctx, "dedup-test", window, AlertLevelWarning) {
		t.Fatal("first instance suppressed")
	}
	if b.ShouldAlert(ctx, "dedup-test", window, AlertLevelWarning) {
		t.Error("second instance dispatched the same alert")
	}
	if !b.ShouldAlert(ctx, "dedup-test", window.Add(time.Hour), AlertLevelWarning) {
		t.Error("alert in new window suppressed")
	}
}
