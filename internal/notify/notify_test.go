package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/config"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/notify"
)

func TestFromConfigDisabled(t *testing.T) {
	cfg := config.Default("plant-1")
	if d := notify.FromConfig(cfg); d != nil {
		t.Fatalf("expected nil dispatcher when disabled")
	}
	cfg.Notifier.Enabled = true
	cfg.Notifier.URL = "  "
	if d := notify.FromConfig(cfg); d != nil {
		t.Fatalf("expected nil dispatcher on blank url")
	}
}

func TestNotifyPostsNotice(t *testing.T) {
	var gotBody map[string]any
	var gotEvent, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get("X-Trialcard-Event")
		gotSecret = r.Header.Get("X-Trialcard-Secret")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := &notify.Dispatcher{URL: srv.URL, Secret: "s3cr3t", LinkBase: "http://cards.local"}
	acct := domain.Account{Username: "mach.op", Email: "mach.op@example.com", DisplayName: "Machining Op"}
	err := d.Notify(context.Background(), acct, notify.Notice{
		Event:        "trial.routed",
		TrialID:      "t-1",
		CardNo:       "TC-1",
		DepartmentID: "MACHINING",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotEvent != "trial.routed" || gotSecret != "s3cr3t" {
		t.Fatalf("headers: event=%q secret=%q", gotEvent, gotSecret)
	}
	if gotBody["to"] != "mach.op" || gotBody["to_email"] != "mach.op@example.com" {
		t.Fatalf("recipient fields: %+v", gotBody)
	}
	if gotBody["link"] != "http://cards.local/trials/t-1" {
		t.Fatalf("link = %v", gotBody["link"])
	}
}

// The engine fires one delivery goroutine per committed transition, so a
// shared dispatcher must tolerate overlapping Notify calls.
func TestNotifyConcurrentDeliveries(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Default("plant-1")
	cfg.Notifier.Enabled = true
	cfg.Notifier.URL = srv.URL
	d := notify.FromConfig(cfg)
	if d == nil {
		t.Fatalf("dispatcher disabled")
	}

	const deliveries = 4
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Notify(context.Background(), domain.Account{Username: "mach.op"}, notify.Notice{
				Event:   "trial.routed",
				TrialID: "t-1",
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(&hits); got != deliveries {
		t.Fatalf("relay hit %d times, want %d", got, deliveries)
	}
}

func TestNotifyRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay down", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := &notify.Dispatcher{URL: srv.URL}
	err := d.Notify(context.Background(), domain.Account{Username: "x"}, notify.Notice{Event: "trial.routed", TrialID: "t-1"})
	if err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *notify.Dispatcher
	if err := d.Notify(context.Background(), domain.Account{}, notify.Notice{}); err != nil {
		t.Fatalf("nil dispatcher: %v", err)
	}
}
