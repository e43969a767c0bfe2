package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchProfilesParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-KEY"); got != "secret" {
			t.Fatalf("X-API-KEY = %q, want secret", got)
		}
		w.Write([]byte(`[{"entityType":"app","entityId":1,"displayName":"Deepseek"}]`))
	}))
	defer srv.Close()

	c := NewClient("secret", 0)
	records, err := c.FetchProfiles(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchProfiles() error = %v", err)
	}
	if len(records) != 1 || records[0].DisplayName != "Deepseek" {
		t.Fatalf("FetchProfiles() = %+v, want one Deepseek row", records)
	}
}

func TestFetchAppsRejectsNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient("secret", 0)
	if _, err := c.FetchApps(context.Background(), srv.URL); err == nil {
		t.Fatal("FetchApps() expected an error for a non-JSON response")
	}
}

func TestPostSurfacesUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("secret", 0)
	if _, err := c.FetchApps(context.Background(), srv.URL); err == nil {
		t.Fatal("FetchApps() expected an error for a 502 response")
	}
}
