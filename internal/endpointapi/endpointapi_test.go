package endpointapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pushgate/connd/internal/ids"
	"github.com/pushgate/connd/internal/registry"
)

func TestHandlePushRoutesToConnectedClient(t *testing.T) {
	reg := registry.New()
	uaid := ids.NewUAID()
	sink := reg.Connect(uaid, ids.NewUID())

	srv := New(reg, zerolog.Nop())
	body := []byte(`{"channel_id":"` + mustChannelIDString(t) + `","version":"v1","ttl":60}`)
	req := httptest.NewRequest(http.MethodPut, "/push/"+uaid.String(), bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	select {
	case sig := <-sink:
		if sig.Kind != registry.SignalNotification {
			t.Fatalf("expected a notification signal, got %v", sig.Kind)
		}
	default:
		t.Fatal("expected a signal queued on the sink")
	}
}

func TestHandlePushUnknownClientReturns404(t *testing.T) {
	reg := registry.New()
	srv := New(reg, zerolog.Nop())

	body := []byte(`{"channel_id":"` + mustChannelIDString(t) + `","version":"v1","ttl":60}`)
	req := httptest.NewRequest(http.MethodPut, "/push/"+ids.NewUAID().String(), bytes.NewReader(body))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandlePushRejectsNonPut(t *testing.T) {
	reg := registry.New()
	srv := New(reg, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/push/"+ids.NewUAID().String(), nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleNotifRoutesCheckStorage(t *testing.T) {
	reg := registry.New()
	uaid := ids.NewUAID()
	sink := reg.Connect(uaid, ids.NewUID())
	srv := New(reg, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPut, "/notif/"+uaid.String(), nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if sig := <-sink; sig.Kind != registry.SignalCheckStorage {
		t.Fatalf("expected SignalCheckStorage, got %v", sig.Kind)
	}
}

func TestHandleStatusAndLbHeartbeat(t *testing.T) {
	srv := New(registry.New(), zerolog.Nop())
	for _, path := range []string{"/status", "/__lbheartbeat__"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte(`"status":"ok"`)) {
			t.Fatalf("%s: expected status ok body, got %s", path, w.Body.String())
		}
	}
}

func TestHandleErrorCheckReturnsTeapot(t *testing.T) {
	srv := New(registry.New(), zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/__error__", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}
}

func mustChannelIDString(t *testing.T) string {
	t.Helper()
	cid, ok := ids.ParseChannelIDStrict(ids.NewUAID().String())
	if !ok {
		t.Fatal("failed to build channel id")
	}
	return cid.String()
}
