package notify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSMSClientPostsForm(t *testing.T) {
	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != "AC123" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Store(r.URL.Path + "|" + r.PostForm.Get("To") + "|" + r.PostForm.Get("From") + "|" + r.PostForm.Get("Body"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := NewSMSClient(SMSConfig{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550000",
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	if err := client.SendText(context.Background(), "+15551234", "hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	want := "/2010-04-01/Accounts/AC123/Messages.json|+15551234|+15550000|hello"
	if got, _ := received.Load().(string); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSMSClientOpensBreakerAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var transitions []string
	client, err := NewSMSClient(SMSConfig{
		BaseURL:    server.URL,
		AccountSID: "AC123",
		AuthToken:  "secret",
		FromNumber: "+15550000",
		OnStateChange: func(from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := client.SendText(context.Background(), "+15551234", "hello")
		if err == nil || !strings.Contains(err.Error(), "provider responded 503") {
			t.Fatalf("attempt %d: expected provider error, got %v", i, err)
		}
	}
	err = client.SendText(context.Background(), "+15551234", "hello")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected provider to be skipped once open, got %d calls", calls.Load())
	}
	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Fatalf("unexpected transitions %v", transitions)
	}
}

func TestNewSMSClientValidatesConfig(t *testing.T) {
	if _, err := NewSMSClient(SMSConfig{FromNumber: "+1555"}); !errors.Is(err, ErrMissingSMSAccount) {
		t.Fatalf("expected missing account, got %v", err)
	}
	if _, err := NewSMSClient(SMSConfig{AccountSID: "a", AuthToken: "b"}); !errors.Is(err, ErrMissingSMSSender) {
		t.Fatalf("expected missing sender, got %v", err)
	}
	client, err := NewSMSClient(SMSConfig{AccountSID: "a", AuthToken: "b", FromNumber: "+1555"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendText(context.Background(), " ", "hi"); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected missing recipient, got %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	message := string(buildMessage(
		"Atelier <noreply@example.com>",
		[]string{"a@example.com", "b@example.com"},
		"New\nmeasurement",
		"line one\nline two",
		time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	))

	for _, want := range []string{
		"From: Atelier <noreply@example.com>\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Subject: New measurement\r\n",
		"Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n",
		"\r\n\r\nline one\r\nline two\r\n",
	} {
		if !strings.Contains(message, want) {
			t.Fatalf("expected message to contain %q, got:\n%s", want, message)
		}
	}
}

func TestSMTPMailerConfigAndDialFailure(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{From: "x@example.com"}); !errors.Is(err, ErrMissingSMTPHost) {
		t.Fatalf("expected missing host, got %v", err)
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "localhost", From: "x@example.com", TLS: "ssl3"}); err == nil {
		t.Fatalf("expected unsupported tls mode error")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	mailer, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: port, From: "x@example.com", TLS: TLSModeNone, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build mailer: %v", err)
	}
	if err := mailer.SendEmail(context.Background(), []string{"to@example.com"}, "s", "b"); err == nil {
		t.Fatalf("expected dial failure")
	}
	if err := mailer.SendEmail(context.Background(), []string{" "}, "s", "b"); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected missing recipient, got %v", err)
	}
}

func TestLogSenderMasksPhone(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sender := LogSender{Logger: zap.New(core)}
	if err := sender.SendText(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries := logs.FilterMessage("sms delivery disabled").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["to"]; got != "********4567" {
		t.Fatalf("expected masked phone, got %v", got)
	}
}
