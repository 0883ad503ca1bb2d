package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMarketFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTC" {
			t.Errorf("unexpected symbol: %s", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":42000.5,"volume":120000}`))
	}))
	defer srv.Close()

	f := NewMarketFetcher(srv.URL, 5*time.Second)
	payload, err := f.Fetch(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload["price"].(float64) != 42000.5 {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestMarketFetcherNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewMarketFetcher(srv.URL, 5*time.Second)
	if _, err := f.Fetch(context.Background(), "BTC"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestMarketFetcherHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := NewMarketFetcher(srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := f.Fetch(ctx, "BTC"); err == nil {
		t.Fatalf("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("fetch must be bounded by the context deadline")
	}
}

func TestNewsFetcherExtractsHeadlines(t *testing.T) {
	page := `<html><body>
<article><a href="/a1">Bitcoin rallies past resistance</a></article>
<h2><a href="/a2">Miners expand capacity</a></h2>
<h3><a href="/a3">  </a></h3>
<h3><a>ETF flows turn positive</a></h3>
<p><a href="/ignored">Not a headline slot</a></p>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "BTC" {
			t.Errorf("unexpected query: %s", got)
		}
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f := NewNewsFetcher(srv.URL, 5*time.Second)
	payload, err := f.Fetch(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload["headline_count"].(int) != 3 {
		t.Fatalf("unexpected count: %#v", payload["headline_count"])
	}
	headlines := payload["headlines"].([]map[string]string)
	if headlines[0]["title"] != "Bitcoin rallies past resistance" || headlines[0]["url"] != "/a1" {
		t.Fatalf("unexpected first headline: %#v", headlines[0])
	}
	if _, ok := headlines[2]["url"]; ok {
		t.Fatalf("headline without href must omit url: %#v", headlines[2])
	}
}

func TestNewsFetcherCapsHeadlines(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 30; i++ {
		b.WriteString(`<h2><a href="/x">Headline</a></h2>`)
	}
	b.WriteString("</body></html>")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(b.String()))
	}))
	defer srv.Close()

	f := NewNewsFetcher(srv.URL, 5*time.Second)
	payload, err := f.Fetch(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if payload["headline_count"].(int) != maxHeadlines {
		t.Fatalf("expected cap at %d, got %#v", maxHeadlines, payload["headline_count"])
	}
}

func TestDeepClientAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer secret" {
			t.Errorf("unexpected auth header: %s", auth)
		}
		var req deepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Subject != "BTC" {
			t.Errorf("unexpected subject: %s", req.Subject)
		}
		_, _ = w.Write([]byte(`{"verdict":"hold","confidence":0.7}`))
	}))
	defer srv.Close()

	c := NewDeepClient(srv.URL, "secret")
	result, err := c.Analyze(context.Background(), "BTC", json.RawMessage(`{"depth":2}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !strings.Contains(string(result), `"verdict":"hold"`) {
		t.Fatalf("unexpected result: %s", result)
	}
}

func TestDeepClientNon200CarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewDeepClient(srv.URL, "")
	_, err := c.Analyze(context.Background(), "BTC", nil)
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error must carry the response body: %v", err)
	}
}

func TestDeepClientRejectsInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	c := NewDeepClient(srv.URL, "")
	if _, err := c.Analyze(context.Background(), "BTC", nil); err == nil {
		t.Fatalf("expected invalid JSON error")
	}
}
