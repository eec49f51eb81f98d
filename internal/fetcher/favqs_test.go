package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFavQsFetchQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/qotd" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != `Token token="secret"` {
			t.Fatalf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"qotd_date":"2025-01-01","quote":{"id":1,"body":"  Stay hungry.  ","author":"Steve Jobs"}}`))
	}))
	defer srv.Close()

	f := NewFavQs(ClientOptions{BaseURL: srv.URL, APIKey: "secret"}, noopLogger())
	q, err := f.FetchQuote(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Body != "Stay hungry." || q.Author != "Steve Jobs" {
		t.Fatalf("unexpected quote: %+v", q)
	}
	if q.RawBody != "  Stay hungry.  " {
		t.Fatalf("raw body must keep source whitespace: %q", q.RawBody)
	}
}

func TestFavQsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quote":{"body":"","author":"x"}}`))
	}))
	defer srv.Close()

	f := NewFavQs(ClientOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := f.FetchQuote(context.Background()); err == nil {
		t.Fatal("empty body should fail")
	}
}
