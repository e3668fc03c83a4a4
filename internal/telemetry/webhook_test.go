package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookDisabledDeliverIsNoop(t *testing.T) {
	w := NewWebhook(context.Background(), WebhookConfig{})
	w.Deliver([]byte(`{"test_id":"t1"}`))
	delivered, dropped, failed := w.Stats()
	if delivered != 0 || dropped != 0 || failed != 0 {
		t.Fatalf("expected no activity when disabled, got delivered=%d dropped=%d failed=%d", delivered, dropped, failed)
	}
	w.Close()
}

func TestWebhookDeliversSignedRequest(t *testing.T) {
	received := make(chan *http.Request, 1)
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		received <- r
		rw.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w := NewWebhook(context.Background(), WebhookConfig{URL: server.URL, Secret: "shh"})
	defer w.Close()

	w.Deliver([]byte(`{"test_id":"t1"}`))

	select {
	case r := <-received:
		if r.Header.Get("X-Webhook-Signature") == "" {
			t.Fatal("expected a signature header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if delivered, _, _ := w.Stats(); delivered == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected delivered count to reach 1")
}
