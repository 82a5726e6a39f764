package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{URL: srv.URL, APIKey: "test-key", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing URL")
	}
	if _, err := New(Config{URL: "http://x"}); err == nil {
		t.Fatal("expected error for missing APIKey")
	}
}

func TestQueryBuilderEncoding(t *testing.T) {
	var gotURL string
	var gotAccept string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL.String()
		gotAccept = r.Header.Get("Accept")
		if r.Header.Get("apikey") != "test-key" {
			t.Errorf("apikey header missing")
		}
		w.Write([]byte(`[]`))
	}))

	_, err := c.From("messages").
		Select("*").
		Eq("conversation_id", "c1").
		Lt("created_at", "2026-01-01T00:00:00Z").
		Order("created_at", false).
		Limit(50).
		Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := "/rest/v1/messages?conversation_id=eq.c1&created_at=lt.2026-01-01T00%3A00%3A00Z&limit=50&order=created_at.desc&select=%2A"
	if gotURL != want {
		t.Fatalf("url = %s, want %s", gotURL, want)
	}
	if gotAccept != "application/json" {
		t.Fatalf("accept = %s", gotAccept)
	}
}

func TestSingleSetsAcceptHeader(t *testing.T) {
	var gotAccept string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{}`))
	}))

	if _, err := c.From("profiles").Eq("user_id", "u1").Single().Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotAccept != "application/vnd.pgrst.object+json" {
		t.Fatalf("accept = %s", gotAccept)
	}
}

func TestUpsertPreferHeader(t *testing.T) {
	var gotPrefer, gotConflict string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPrefer = r.Header.Get("Prefer")
		gotConflict = r.Header.Get("On-Conflict")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`[{"id":"1"}]`))
	}))

	resp, err := c.From("profiles").Upsert("user_id").ExecuteInsert(context.Background(), map[string]string{"user_id": "u1"})
	if err != nil {
		t.Fatalf("ExecuteInsert: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPrefer != "resolution=merge-duplicates,return=representation" {
		t.Fatalf("prefer = %s", gotPrefer)
	}
	if gotConflict != "user_id" {
		t.Fatalf("on-conflict = %s", gotConflict)
	}
}

func TestResponseError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "duplicate key"})
	}))

	resp, err := c.From("profiles").ExecuteInsert(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("ExecuteInsert: %v", err)
	}
	if resp.Error() == nil {
		t.Fatal("expected error for 409")
	}
}

func TestAuthRefresh(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %s", r.URL.Query().Get("grant_type"))
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["refresh_token"] != "rt-1" {
			t.Errorf("refresh_token = %s", payload["refresh_token"])
		}
		json.NewEncoder(w).Encode(AuthResponse{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresIn: 3600})
	}))

	resp, err := c.Auth().Refresh(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.AccessToken != "at-2" || resp.RefreshToken != "rt-2" {
		t.Fatalf("unexpected tokens: %+v", resp)
	}
}

func TestGetUserInvalidToken(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"msg": "invalid JWT"})
	}))

	if _, err := c.Auth().GetUser(context.Background(), "bad-token"); err == nil {
		t.Fatal("expected error for invalid token")
	}
}
