package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cloneprotocol/native/fixed"
)

// Quote is one upstream reading for a base/quote pair.
type Quote struct {
	Price     fixed.Decimal
	Timestamp time.Time
}

// Source resolves a price quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Registry constructs sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey string, assets, prices map[string]string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "static":
		return NewStaticSource(label(name, "static"), prices, r.now())
	case "coingecko":
		return &coinGeckoSource{name: label(name, "coingecko"), client: r.client(), endpoint: endpoint, apiKey: apiKey, ids: normaliseMap(assets), now: r.now()}, nil
	case "http":
		if strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("http source %s requires an endpoint", name)
		}
		return &httpSource{name: label(name, "http"), client: r.client(), endpoint: endpoint, apiKey: apiKey, now: r.now()}, nil
	default:
		return nil, fmt.Errorf("unknown source type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) now() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

func pairKey(base, quote string) string {
	return strings.ToUpper(strings.TrimSpace(base)) + "/" + strings.ToUpper(strings.TrimSpace(quote))
}

func normaliseMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}

// StaticSource serves fixed prices keyed by "BASE/QUOTE".
type StaticSource struct {
	name   string
	prices map[string]fixed.Decimal
	now    func() time.Time
}

// NewStaticSource parses the configured price table.
func NewStaticSource(name string, prices map[string]string, now func() time.Time) (*StaticSource, error) {
	if now == nil {
		now = time.Now
	}
	parsed := make(map[string]fixed.Decimal, len(prices))
	for pair, raw := range prices {
		base, quote, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("static source %s: pair %q must be BASE/QUOTE", name, pair)
		}
		price, err := parsePrice(raw)
		if err != nil {
			return nil, fmt.Errorf("static source %s: %s: %w", name, pair, err)
		}
		parsed[pairKey(base, quote)] = price
	}
	return &StaticSource{name: name, prices: parsed, now: now}, nil
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(_ context.Context, base, quote string) (Quote, error) {
	price, ok := s.prices[pairKey(base, quote)]
	if !ok {
		return Quote{}, fmt.Errorf("static source %s: no price for %s", s.name, pairKey(base, quote))
	}
	return Quote{Price: price, Timestamp: s.now()}, nil
}

func parsePrice(raw string) (fixed.Decimal, error) {
	price, err := fixed.FromString(strings.TrimSpace(raw))
	if err != nil {
		return fixed.Decimal{}, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return fixed.Decimal{}, fmt.Errorf("invalid price %q: must be positive", raw)
	}
	return price, nil
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// coinGeckoSource adapts the simple price API. The assets map translates
// base symbols to CoinGecko ids.
type coinGeckoSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
	ids      map[string]string
	now      func() time.Time
}

func (s *coinGeckoSource) Name() string { return s.name }

func (s *coinGeckoSource) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	id := s.ids[strings.ToUpper(strings.TrimSpace(base))]
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(base))
	}
	vs := strings.ToLower(strings.TrimSpace(quote))
	endpoint := strings.TrimSpace(s.endpoint)
	if endpoint == "" {
		endpoint = defaultCoinGeckoEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", vs)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.apiKey)
	}
	var payload map[string]map[string]json.Number
	if err := getJSON(s.client, req, &payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko source %s: %w", s.name, err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source %s: quote missing for %s", s.name, id)
	}
	raw, ok := entry[vs]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko source %s: no %s price for %s", s.name, vs, id)
	}
	price, err := parsePrice(raw.String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko source %s: %w", s.name, err)
	}
	ts := s.now()
	if updated, ok := entry["last_updated_at"]; ok {
		if secs, err := strconv.ParseInt(updated.String(), 10, 64); err == nil && secs > 0 {
			ts = time.Unix(secs, 0)
		}
	}
	return Quote{Price: price, Timestamp: ts}, nil
}

// httpSource reads {"price": "...", "timestamp": unix} from an endpoint
// whose {base} and {quote} placeholders are substituted per pair.
type httpSource struct {
	name     string
	client   *http.Client
	endpoint string
	apiKey   string
	now      func() time.Time
}

func (s *httpSource) Name() string { return s.name }

func (s *httpSource) Fetch(ctx context.Context, base, quote string) (Quote, error) {
	endpoint := strings.NewReplacer(
		"{base}", url.PathEscape(strings.ToUpper(strings.TrimSpace(base))),
		"{quote}", url.PathEscape(strings.ToUpper(strings.TrimSpace(quote))),
	).Replace(s.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	var payload struct {
		Price     json.Number `json:"price"`
		Timestamp int64       `json:"timestamp"`
	}
	if err := getJSON(s.client, req, &payload); err != nil {
		return Quote{}, fmt.Errorf("http source %s: %w", s.name, err)
	}
	price, err := parsePrice(payload.Price.String())
	if err != nil {
		return Quote{}, fmt.Errorf("http source %s: %w", s.name, err)
	}
	ts := s.now()
	if payload.Timestamp > 0 {
		ts = time.Unix(payload.Timestamp, 0)
	}
	return Quote{Price: price, Timestamp: ts}, nil
}

func getJSON(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
