package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"cloneprotocol/core/state"
	"cloneprotocol/native/clone"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/oracle"
	"cloneprotocol/storage"
)

const testSecret = "test-secret"

var (
	admin       = common.HexToAddress("0xad")
	treasury    = common.HexToAddress("0x7e")
	lp          = common.HexToAddress("0x11")
	stranger    = common.HexToAddress("0x99")
	reserveMint = common.HexToAddress("0xa0")
	onGold      = common.HexToAddress("0xb0")
	goldFeed    = common.HexToAddress("0xf0")
)

type memPrices struct {
	mu        sync.Mutex
	overrides map[common.Address]fixed.Decimal
}

func (m *memPrices) SetOverride(feed common.Address, price fixed.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overrides == nil {
		m.overrides = make(map[common.Address]fixed.Decimal)
	}
	m.overrides[feed] = price
	return nil
}

func (m *memPrices) ClearOverride(feed common.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.overrides[feed]
	delete(m.overrides, feed)
	return ok
}

func (m *memPrices) Latest() map[common.Address]fixed.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[common.Address]fixed.Decimal, len(m.overrides))
	for k, v := range m.overrides {
		out[k] = v
	}
	return out
}

// newTestEngine bootstraps one pool at price 100 with a single LP
// committing 1,000,000 of reserve.
func newTestEngine(t *testing.T) *clone.Engine {
	t.Helper()
	e := clone.NewEngine(state.NewManager(storage.NewMemDB()))
	e.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, e.ApplyGenesis(clone.Genesis{
		Parameters: clone.Config{Admin: admin.Hex(), Treasury: treasury.Hex()},
		Oracles:    []string{goldFeed.Hex()},
		Collaterals: []clone.GenesisCollateral{{
			Mint: reserveMint.Hex(), Scale: 6, CollateralizationRatio: fixed.New(1, 0),
		}},
		Pools: []clone.GenesisPool{{
			OnassetMint:                    onGold.Hex(),
			TreasuryTradingFeeBps:          20,
			LiquidityTradingFeeBps:         30,
			ILHealthScoreCoefficient:       fixed.New(1, 0),
			PositionHealthScoreCoefficient: fixed.New(5, 0),
		}},
	}))
	feed := oracle.NewMemoryFeed()
	feed.Set(goldFeed, fixed.New(100, 0))
	e.SetPriceFeed(feed)
	e.SetSlot(1)
	require.NoError(t, e.UpdatePrices(context.Background(), []uint64{0}))

	amount := fixed.MustFromString("1000000")
	require.NoError(t, e.InitializeUser(lp))
	require.NoError(t, e.Deposit(reserveMint, lp, amount, 6))
	require.NoError(t, e.AddCollateralToComet(lp, 0, amount))
	require.NoError(t, e.AddLiquidityToComet(lp, 0, amount))
	return e
}

func newTestServer(t *testing.T, limit RateLimit) (*httptest.Server, *memPrices) {
	t.Helper()
	prices := &memPrices{}
	srv, err := New(Config{
		Auth:      AuthConfig{HMACSecret: testSecret, Audience: "cloned"},
		RateLimit: limit,
	}, newTestEngine(t), prices, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, prices
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func token(t *testing.T, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "ops",
		"aud":   "cloned",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestHealthAndRequestID(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})
	var body map[string]any
	resp := getJSON(t, ts.URL+"/healthz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(1), body["slot"])
	_, err := uuid.Parse(resp.Header.Get(RequestIDHeader))
	require.NoError(t, err)
}

func TestPoolsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})

	var list struct {
		Pools []poolView `json:"pools"`
	}
	resp := getJSON(t, ts.URL+"/v1/pools", &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Pools, 1)
	require.Equal(t, "active", list.Pools[0].Status)
	require.Equal(t, "1000000.000000", list.Pools[0].CommittedCollateralLiquidity.String())
	require.Equal(t, "100.00000000", list.Pools[0].OraclePrice.String())

	var one poolView
	resp = getJSON(t, ts.URL+"/v1/pools/0", &one)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, onGold, one.OnassetMint)

	var failure errorBody
	resp = getJSON(t, ts.URL+"/v1/pools/3", &failure)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "InvalidInputPositionIndex", failure.Code)
	require.Equal(t, uint32(6014), failure.Value)

	resp = getJSON(t, ts.URL+"/v1/pools/abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var cols struct {
		Collaterals []collateralView `json:"collaterals"`
	}
	getJSON(t, ts.URL+"/v1/collaterals", &cols)
	require.Len(t, cols.Collaterals, 1)
	require.True(t, cols.Collaterals[0].Stable)
	require.Nil(t, cols.Collaterals[0].OracleIndex)
	require.Equal(t, clone.DeriveVault(reserveMint), cols.Collaterals[0].Vault)
}

func TestQuoteEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})

	var q quoteView
	url := ts.URL + "/v1/quote?input_mint=" + reserveMint.Hex() + "&output_mint=" + onGold.Hex() + "&amount=10000"
	resp := getJSON(t, url, &q)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "exact_in", q.Mode)
	require.Equal(t, "98.51485149", q.OutAmount.String())
	require.Equal(t, onGold, q.FeeMint)

	var failure errorBody
	resp = getJSON(t, ts.URL+"/v1/quote?input_mint="+onGold.Hex()+"&output_mint="+onGold.Hex()+"&amount=1", &failure)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "InvalidAccountLoaderOwner", failure.Code)

	for _, bad := range []string{"amount=-1", "amount=1&mode=sideways", "amount=x"} {
		resp = getJSON(t, ts.URL+"/v1/quote?input_mint="+reserveMint.Hex()+"&output_mint="+onGold.Hex()+"&"+bad, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
}

func TestUserEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{})

	var u userView
	resp := getJSON(t, ts.URL+"/v1/users/"+lp.Hex(), &u)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, lp, u.Authority)
	require.Len(t, u.Positions, 1)
	require.Equal(t, "1000000.000000", u.Positions[0].CommittedCollateralLiquidity.String())
	require.Empty(t, u.Borrows)

	var h healthView
	resp = getJSON(t, ts.URL+"/v1/users/"+lp.Hex()+"/health", &h)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, h.Healthy)
	require.Equal(t, "95", h.Score.String())
	require.Equal(t, uint64(1), h.Slot)

	resp = getJSON(t, ts.URL+"/v1/users/"+stranger.Hex(), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = getJSON(t, ts.URL+"/v1/users/not-an-address/health", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, RateLimit{RequestsPerMinute: 1, Burst: 2})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp := getJSON(t, ts.URL+"/v1/parameters", nil)
		codes = append(codes, resp.StatusCode)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Health and metrics are not limited.
	resp := getJSON(t, ts.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "clone_api_throttles_total")
}

func adminRequest(t *testing.T, method, url, bearer, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAdminPrices(t *testing.T) {
	ts, prices := newTestServer(t, RateLimit{})
	url := ts.URL + "/admin/prices/" + goldFeed.Hex()

	resp := adminRequest(t, http.MethodPut, url, "", `{"price":"101"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = adminRequest(t, http.MethodPut, url, "garbage", `{"price":"101"}`)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = adminRequest(t, http.MethodPut, url, token(t, "prices:read"), `{"price":"101"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	write := token(t, ScopePricesWrite)
	resp = adminRequest(t, http.MethodPut, url, write, `{"price":101}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = adminRequest(t, http.MethodPut, url, write, `{"price":"101.25"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "101.25", prices.Latest()[goldFeed].String())

	resp = adminRequest(t, http.MethodGet, ts.URL+"/admin/prices", write, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed struct {
		Slot   uint64      `json:"slot"`
		Prices []priceView `json:"prices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed.Prices, 1)
	require.Equal(t, goldFeed, listed.Prices[0].Feed)

	resp = adminRequest(t, http.MethodDelete, url, write, "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = adminRequest(t, http.MethodDelete, url, write, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminRoutesDisabledWithoutSecret(t *testing.T) {
	srv, err := New(Config{}, newTestEngine(t), &memPrices{}, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	resp := adminRequest(t, http.MethodGet, ts.URL+"/admin/prices", token(t, ScopePricesWrite), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
