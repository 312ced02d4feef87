package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/spendguard/internal/bus"
	"github.com/opensource-finance/spendguard/internal/domain"
)

func testAlert() *domain.AnomalyAlert {
	return &domain.AnomalyAlert{
		TxID:       "tx-001",
		UserID:     "user-001",
		Amount:     "1250.00",
		Currency:   "INR",
		Date:       "Mar 10, 2025 9:30 AM UTC",
		Merchant:   "Acme Corp",
		Category:   "Shopping",
		Confidence: 85,
		Reason:     "First time spending at merchant 'Acme Corp'",
	}
}

func TestFormatMoney(t *testing.T) {
	tests := []struct {
		amount   string
		currency string
		want     string
	}{
		{"1250.00", "INR", "₹1,250.00"},
		{"1250.5", "usd", "$1,250.50"},
		{"1250.4", "JPY", "¥1,250"},
		{"12.5", "XYZ", "12.50 XYZ"},
		{"garbage", "INR", "garbage INR"},
	}

	for _, tt := range tests {
		t.Run(tt.currency+"_"+tt.amount, func(t *testing.T) {
			if got := FormatMoney(tt.amount, tt.currency); got != tt.want {
				t.Errorf("FormatMoney(%q, %q) = %q, want %q", tt.amount, tt.currency, got, tt.want)
			}
		})
	}
}

func renderMerchant(t *testing.T, merchant string) *Email {
	t.Helper()
	a := testAlert()
	a.Merchant = merchant
	email, err := RenderAlert(a, "")
	if err != nil {
		t.Fatalf("RenderAlert failed: %v", err)
	}
	return email
}

func TestRenderAlert(t *testing.T) {
	email, err := RenderAlert(testAlert(), "alerts@example.com")
	if err != nil {
		t.Fatalf("RenderAlert failed: %v", err)
	}

	if email.Subject != AlertSubject {
		t.Errorf("Subject = %q, want %q", email.Subject, AlertSubject)
	}
	if email.To != "user-001" || email.From != "alerts@example.com" {
		t.Errorf("unexpected envelope to=%q from=%q", email.To, email.From)
	}
	for _, want := range []string{"<table>", "₹1,250.00", "Acme Corp", "85%", "Mar 10, 2025 9:30 AM UTC", "First time spending at merchant 'Acme Corp'"} {
		if !strings.Contains(email.HTML, want) {
			t.Errorf("HTML missing %q:\n%s", want, email.HTML)
		}
	}
	if !strings.Contains(email.Markdown, "**Reason**") {
		t.Error("Markdown missing the reason row")
	}

	t.Run("NoReason", func(t *testing.T) {
		a := testAlert()
		a.Reason = ""
		email, err := RenderAlert(a, "")
		if err != nil {
			t.Fatalf("RenderAlert failed: %v", err)
		}
		if strings.Contains(email.Markdown, "**Reason**") {
			t.Error("empty reason should drop the row")
		}
	})

	t.Run("UnknownMerchant", func(t *testing.T) {
		if email := renderMerchant(t, ""); !strings.Contains(email.HTML, domain.UnknownMerchant) {
			t.Errorf("HTML missing %q", domain.UnknownMerchant)
		}
	})

	t.Run("EscapesUserText", func(t *testing.T) {
		email := renderMerchant(t, "<script>alert(1)</script> | pipe")
		if strings.Contains(email.HTML, "<script>") {
			t.Errorf("raw HTML passed through:\n%s", email.HTML)
		}
		if !strings.Contains(email.HTML, "pipe") {
			t.Error("text after the pipe was lost")
		}
	})

	t.Run("MerchantCannotInjectLink", func(t *testing.T) {
		email := renderMerchant(t, "[Verify your account](https://phish.example/login)")
		if strings.Contains(email.HTML, "<a ") {
			t.Errorf("merchant rendered as a link:\n%s", email.HTML)
		}
		if !strings.Contains(email.HTML, "[Verify your account](https://phish.example/login)") {
			t.Errorf("merchant text not shown literally:\n%s", email.HTML)
		}
	})

	t.Run("MerchantCannotInjectImage", func(t *testing.T) {
		email := renderMerchant(t, "![x](https://tracker.example/pixel.png)")
		if strings.Contains(email.HTML, "<img") {
			t.Errorf("merchant rendered as an image:\n%s", email.HTML)
		}
	})

	t.Run("MerchantCannotInjectAutolink", func(t *testing.T) {
		email := renderMerchant(t, "<https://phish.example>")
		if strings.Contains(email.HTML, "<a ") {
			t.Errorf("merchant rendered as an autolink:\n%s", email.HTML)
		}
	})

	t.Run("EscapesAmpersand", func(t *testing.T) {
		email := renderMerchant(t, "AT&T &lt;b&gt;")
		if !strings.Contains(email.HTML, "AT&amp;T &amp;lt;b&amp;gt;") {
			t.Errorf("ampersands not escaped:\n%s", email.HTML)
		}
	})

	t.Run("KeepsEmphasisLiteral", func(t *testing.T) {
		email := renderMerchant(t, "**Bold** _Shop_ ~~x~~")
		for _, tag := range []string{"<strong>", "<em>", "<del>"} {
			if strings.Contains(email.HTML, tag) {
				t.Errorf("merchant produced %s:\n%s", tag, email.HTML)
			}
		}
	})
}

func TestEscapeCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Corp", "Acme Corp"},
		{"a|b", `a\|b`},
		{"[x](y)", `\[x\]\(y\)`},
		{"line\nbreak", "line break"},
		{"Café", "Café"},
	}
	for _, tt := range tests {
		if got := escapeCell(tt.in); got != tt.want {
			t.Errorf("escapeCell(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type recordingMailer struct {
	mu     sync.Mutex
	emails []*Email
	fail   int
	calls  int
}

func (m *recordingMailer) Send(ctx context.Context, email *Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.fail {
		return errors.New("smtp unavailable")
	}
	m.emails = append(m.emails, email)
	return nil
}

func (m *recordingMailer) snapshot() (int, []*Email) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, append([]*Email(nil), m.emails...)
}

func publishAlert(t *testing.T, b domain.EventBus, userID string, a *domain.AnomalyAlert) {
	t.Helper()
	payload, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("failed to encode alert: %v", err)
	}
	if err := b.Publish(context.Background(), userID, domain.TopicAnomalyAlert, payload); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

// waitUntil polls cond for up to a second.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &recordingMailer{}, Config{UserIDs: []string{"user-001", "user-002"}})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("SubscriptionCount = %d, want 2", stats.SubscriptionCount)
		}
		if len(stats.Topics) != 2 || stats.Topics[0] != domain.TopicAnomalyAlert || stats.Topics[1] != domain.TopicAnomalyAlert {
			t.Errorf("Topics = %v, want two %s", stats.Topics, domain.TopicAnomalyAlert)
		}

		if err := w.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("SubscriptionCount after Stop = %d, want 0", n)
		}
	})

	t.Run("DeliversGlobalAlerts", func(t *testing.T) {
		mailer := &recordingMailer{}
		w := NewWorker(eventBus, mailer, Config{From: "alerts@example.com"})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		publishAlert(t, eventBus, "user-001", testAlert())

		waitUntil(t, "one email", func() bool {
			_, emails := mailer.snapshot()
			return len(emails) == 1
		})

		_, emails := mailer.snapshot()
		if emails[0].Subject != AlertSubject || emails[0].To != "user-001" {
			t.Errorf("unexpected email %+v", emails[0])
		}
		if sent := w.GetStats().Sent; sent != 1 {
			t.Errorf("Sent = %d, want 1", sent)
		}
	})

	t.Run("RetriesDelivery", func(t *testing.T) {
		mailer := &recordingMailer{fail: 2}
		w := NewWorker(eventBus, mailer, Config{UserIDs: []string{"user-retry"}, SendDelay: time.Millisecond})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		a := testAlert()
		a.UserID = "user-retry"
		publishAlert(t, eventBus, "user-retry", a)

		waitUntil(t, "a sent email", func() bool { return w.GetStats().Sent == 1 })

		if calls, _ := mailer.snapshot(); calls != 3 {
			t.Errorf("mailer called %d times, want 3", calls)
		}
	})

	t.Run("GivesUpAfterAttempts", func(t *testing.T) {
		mailer := &recordingMailer{fail: 10}
		w := NewWorker(eventBus, mailer, Config{UserIDs: []string{"user-down"}, SendAttempts: 2, SendDelay: time.Millisecond})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		a := testAlert()
		a.UserID = "user-down"
		publishAlert(t, eventBus, "user-down", a)

		waitUntil(t, "a failed email", func() bool { return w.GetStats().Failed == 1 })

		if calls, _ := mailer.snapshot(); calls != 2 {
			t.Errorf("mailer called %d times, want 2", calls)
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(eventBus, &recordingMailer{}, Config{UserIDs: []string{"user-bad"}})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		if err := eventBus.Publish(context.Background(), "user-bad", domain.TopicAnomalyAlert, []byte("{")); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitUntil(t, "a failed payload", func() bool { return w.GetStats().Failed == 1 })
	})
}

func TestLogMailer(t *testing.T) {
	var sb strings.Builder
	m := NewLogMailer(slog.New(slog.NewTextHandler(&sb, nil)))

	if err := m.Send(context.Background(), &Email{To: "user-001", Subject: AlertSubject}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	for _, want := range []string{"email dispatched", "user-001"} {
		if !strings.Contains(sb.String(), want) {
			t.Errorf("log output %q missing %q", sb.String(), want)
		}
	}
}
