package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"reminderd/internal/eventbus"
	"reminderd/internal/ledger"
	"reminderd/internal/model"
	"reminderd/internal/pipeline"
	logx "reminderd/pkg/logx"
)

type fakeTemplates struct{ last string }

func (f *fakeTemplates) Invalidate(purpose string) int {
	f.last = purpose
	return 3
}

type fakeCycles struct {
	err  error
	runs int
}

func (f *fakeCycles) RunOnce(ctx context.Context, now time.Time) (eventbus.CycleInfo, error) {
	f.runs++
	return eventbus.CycleInfo{ID: "c1", Now: now, Submitted: 2}, f.err
}

func (f *fakeCycles) Last() (eventbus.CycleInfo, bool) {
	if f.runs == 0 {
		return eventbus.CycleInfo{}, false
	}
	return eventbus.CycleInfo{ID: "c1"}, true
}

func newTestHandler(t *testing.T) (http.Handler, *ledger.Memory, *fakeTemplates, *fakeCycles) {
	t.Helper()
	led := ledger.NewMemory()
	tpl := &fakeTemplates{}
	cy := &fakeCycles{}
	h := NewHandler(Deps{Ledger: led, Templates: tpl, Cycles: cy, Log: logx.Nop()})
	return h, led, tpl, cy
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, led, _, _ := newTestHandler(t)
	if rr := do(h, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	led.SetFailure(errors.New("down"))
	if rr := do(h, http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestDeliveryLookup(t *testing.T) {
	t.Parallel()
	h, led, _, _ := newTestHandler(t)
	key := model.IdempotencyKey("r1", "claim-12", model.ChannelEmail, time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC), model.BucketInstance)
	if _, _, err := led.CreateIfAbsent(context.Background(), model.DeliveryRecord{Key: key, Status: model.StatusSent, Attempts: 1}); err != nil {
		t.Fatal(err)
	}

	rr := do(h, http.MethodGet, "/deliveries/"+url.PathEscape(key))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	var rec model.DeliveryRecord
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if rec.Key != key || rec.Status != model.StatusSent {
		t.Fatalf("record = %+v", rec)
	}

	if rr := do(h, http.MethodGet, "/deliveries/nope"); rr.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rr.Code)
	}
	led.SetFailure(errors.New("down"))
	if rr := do(h, http.MethodGet, "/deliveries/nope"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("unavailable status = %d", rr.Code)
	}
}

func TestInvalidateTemplates(t *testing.T) {
	t.Parallel()
	h, _, tpl, _ := newTestHandler(t)
	rr := do(h, http.MethodPost, "/templates/deadline/invalidate")
	if rr.Code != http.StatusOK || tpl.last != "deadline" {
		t.Fatalf("status = %d, purpose = %q", rr.Code, tpl.last)
	}
	rr = do(h, http.MethodPost, "/templates/invalidate")
	if rr.Code != http.StatusOK || tpl.last != "" {
		t.Fatalf("status = %d, purpose = %q", rr.Code, tpl.last)
	}
}

func TestRunCycle(t *testing.T) {
	t.Parallel()
	h, _, _, cy := newTestHandler(t)
	rr := do(h, http.MethodPost, "/cycles/run")
	if rr.Code != http.StatusOK || cy.runs != 1 {
		t.Fatalf("status = %d, runs = %d", rr.Code, cy.runs)
	}
	var info eventbus.CycleInfo
	if err := json.NewDecoder(rr.Body).Decode(&info); err != nil || info.Submitted != 2 {
		t.Fatalf("info = %+v, %v", info, err)
	}

	cy.err = pipeline.ErrCycleRunning
	if rr := do(h, http.MethodPost, "/cycles/run"); rr.Code != http.StatusConflict {
		t.Fatalf("busy status = %d", rr.Code)
	}
	cy.err = ledger.ErrUnavailable
	if rr := do(h, http.MethodPost, "/cycles/run"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("aborted status = %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/cycles/run"); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", rr.Code)
	}
}

func TestProfilingIsOptIn(t *testing.T) {
	t.Parallel()
	h, _, _, _ := newTestHandler(t)
	if rr := do(h, http.MethodGet, "/debug/pprof/"); rr.Code != http.StatusNotFound {
		t.Fatalf("pprof without profiling: status = %d", rr.Code)
	}
	h = NewHandler(Deps{Ledger: ledger.NewMemory(), Templates: &fakeTemplates{}, Cycles: &fakeCycles{}, Profiling: true})
	if rr := do(h, http.MethodGet, "/debug/pprof/"); rr.Code != http.StatusOK {
		t.Fatalf("pprof with profiling: status = %d", rr.Code)
	}
}
