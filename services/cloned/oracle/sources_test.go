package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticSource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := &Registry{Now: func() time.Time { return now }}
	src, err := reg.Build("", "static", "", "", nil, map[string]string{"xau/usd": "2400.5"})
	require.NoError(t, err)
	require.Equal(t, "static", src.Name())

	q, err := src.Fetch(context.Background(), "XAU", "usd")
	require.NoError(t, err)
	require.Equal(t, "2400.5", q.Price.String())
	require.Equal(t, now, q.Timestamp)

	_, err = src.Fetch(context.Background(), "ETH", "USD")
	require.Error(t, err)

	_, err = reg.Build("bad", "static", "", "", nil, map[string]string{"XAUUSD": "1"})
	require.Error(t, err)
	_, err = reg.Build("bad", "static", "", "", nil, map[string]string{"XAU/USD": "-1"})
	require.Error(t, err)
	_, err = reg.Build("bad", "pyth", "", "", nil, nil)
	require.Error(t, err)
}

func TestCoinGeckoSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("ids") != "pax-gold" || q.Get("vs_currencies") != "usd" || r.Header.Get("x-cg-pro-api-key") != "key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"pax-gold":{"usd":2401.25,"last_updated_at":1700000000}}`))
	}))
	t.Cleanup(srv.Close)

	reg := NewRegistry()
	src, err := reg.Build("cg", "coingecko", srv.URL, "key", map[string]string{"xau": "pax-gold"}, nil)
	require.NoError(t, err)
	q, err := src.Fetch(context.Background(), "XAU", "USD")
	require.NoError(t, err)
	require.Equal(t, "2401.25", q.Price.String())
	require.Equal(t, int64(1_700_000_000), q.Timestamp.Unix())
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices/ETH/USD" {
			http.Error(w, "unknown pair", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"price":"1999.99"}`))
	}))
	t.Cleanup(srv.Close)

	reg := NewRegistry()
	src, err := reg.Build("feed", "http", srv.URL+"/prices/{base}/{quote}", "", nil, nil)
	require.NoError(t, err)
	q, err := src.Fetch(context.Background(), "eth", "usd")
	require.NoError(t, err)
	require.Equal(t, "1999.99", q.Price.String())

	_, err = src.Fetch(context.Background(), "XAU", "USD")
	require.ErrorContains(t, err, "status 404")

	_, err = reg.Build("feed", "http", "", "", nil, nil)
	require.Error(t, err)
}
