package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/model"
	logx "reminderd/pkg/logx"
)

func exhaustion() model.Exhaustion {
	return model.Exhaustion{
		Key:       "k1",
		RuleID:    "r1",
		EntityID:  "claim-12",
		Channel:   model.ChannelEmail,
		Attempts:  5,
		LastError: "451 try later",
		At:        time.Date(2024, 5, 31, 1, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	mu   sync.Mutex
	got  []model.Exhaustion
	fail error
}

func (r *recordingSink) Name() string { return "recording" }

func (r *recordingSink) Alert(ctx context.Context, ex model.Exhaustion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ex)
	return r.fail
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestServiceFansOutAndToleratesFailure(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	failing := &recordingSink{fail: errors.New("down")}
	ok := &recordingSink{}
	svc := NewService(bus, logx.Nop(), failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Wait until Run has subscribed.
	deadline := time.Now().Add(2 * time.Second)
	for ok.count() == 0 && time.Now().Before(deadline) {
		bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Data: model.DeliveryRecord{}})
		bus.Publish(eventbus.Event{Type: eventbus.DeliveryExhausted, Data: exhaustion()})
		time.Sleep(20 * time.Millisecond)
	}
	if ok.count() == 0 {
		t.Fatal("healthy sink never received the alert")
	}
	if failing.count() == 0 {
		t.Fatal("failing sink was not called")
	}
	ok.mu.Lock()
	got := ok.got[0]
	ok.mu.Unlock()
	if got.Key != "k1" || got.Attempts != 5 {
		t.Fatalf("alert = %+v", got)
	}
}

func TestText(t *testing.T) {
	t.Parallel()
	s := Text(exhaustion())
	for _, want := range []string{"claim-12", "r1", "email", "attempts: 5", "451 try later", "key: k1"} {
		if !strings.Contains(s, want) {
			t.Fatalf("text %q missing %q", s, want)
		}
	}
}

func fakeTelegram(t *testing.T, fail int32, status int, desc string) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var calls atomic.Int32
	var body atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= fail {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":`+strconv.Itoa(status)+`,"description":"`+desc+`"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":42},"date":0}}`)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, &body
}

func TestTelegramSinkRetriesServerErrors(t *testing.T) {
	t.Parallel()
	srv, calls, body := fakeTelegram(t, 1, http.StatusBadGateway, "Bad Gateway")
	sink, err := NewTelegramSink(TelegramConfig{
		Token:  "123:abc",
		ChatID: 42,
		APIURL: srv.URL,
		Delay:  10 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Alert(context.Background(), exhaustion()); err != nil {
		t.Fatalf("Alert: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if s, _ := body.Load().(string); !strings.Contains(s, "claim-12") {
		t.Fatalf("request body = %q", s)
	}
}

func TestTelegramSinkDoesNotRetryBadRequest(t *testing.T) {
	t.Parallel()
	srv, calls, _ := fakeTelegram(t, 10, http.StatusBadRequest, "Bad Request: chat not found")
	sink, err := NewTelegramSink(TelegramConfig{
		Token:  "123:abc",
		ChatID: 42,
		APIURL: srv.URL,
		Delay:  10 * time.Millisecond,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Alert(context.Background(), exhaustion()); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestNewTelegramSinkValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "1:a"}, logx.Nop()); err == nil {
		t.Fatal("expected chat id error")
	}
}
