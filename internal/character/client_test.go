package character

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPBackendCreateSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/session" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["character_id"] != "char1" {
			t.Errorf("character_id = %q", req["character_id"])
		}
		json.NewEncoder(w).Encode(map[string]string{
			"handle":   "sess-1",
			"name":     "Mira",
			"greeting": "hello!",
		})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "cred123")
	info, err := b.CreateSession(context.Background(), "char1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.Handle != "sess-1" || info.Name != "Mira" || info.Greeting != "hello!" {
		t.Fatalf("unexpected info: %+v", info)
	}
	if gotAuth != "Bearer cred123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestHTTPBackendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such character", http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "")
	if _, err := b.CreateSession(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestHTTPBackendTimeout(t *testing.T) {
	// The handler outsleeps the client deadline and then returns, so
	// srv.Close does not wait on a parked handler.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.SendMessage(ctx, "sess-1", "hi")
	if !errors.Is(err, ErrBackendTimeout) {
		t.Fatalf("err = %v, want ErrBackendTimeout", err)
	}
}

func TestHTTPBackendRequestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/request" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"pending_token": "tok-9"})
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, "")
	tok, err := b.RequestLogin(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("RequestLogin: %v", err)
	}
	if tok != "tok-9" {
		t.Fatalf("token = %q", tok)
	}
}
