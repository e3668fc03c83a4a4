package wsconn

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/loopqueue/bufferbloat-server/internal/metrics"
	"github.com/loopqueue/bufferbloat-server/internal/types"
)

type fakeRegistry struct {
	added   []string
	removed []string
}

func (f *fakeRegistry) Add(id string)    { f.added = append(f.added, id) }
func (f *fakeRegistry) Remove(id string) { f.removed = append(f.removed, id) }

func TestUpgradeStartsInAcceptedState(t *testing.T) {
	reg := &fakeRegistry{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, Options{Persona: types.PersonaGaming, TestID: "t1", Registry: reg})
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		if c.State() != types.ConnAccepted {
			t.Errorf("expected accepted state, got %s", c.State())
		}
		c.Authenticate()
		if c.State() != types.ConnAuthenticated {
			t.Errorf("expected authenticated state, got %s", c.State())
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()
}

func TestForceCloseIsIdempotentAndRemovesFromRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	tracker := metrics.NewConnTracker()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, Options{Persona: types.PersonaBulk, TestID: "t2", Registry: reg, Tracker: tracker})
		if err != nil {
			return
		}
		c.Authenticate()
		c.state.Store(types.ConnRunning)
		reg.Add(c.id)
		c.forceClose(DrainClientClose)
		c.forceClose(DrainClientClose) // must not panic on double-close
		if c.State() != types.ConnClosed {
			t.Errorf("expected closed state, got %s", c.State())
		}
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	if len(reg.removed) == 0 {
		t.Fatal("expected the connection id to be removed from the registry")
	}
}
