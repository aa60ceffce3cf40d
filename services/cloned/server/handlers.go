package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	cloneerr "cloneprotocol/core/errors"
	"cloneprotocol/native/fixed"
	"cloneprotocol/native/pool"
	"cloneprotocol/native/registry"
)

type parametersView struct {
	Admin                              common.Address `json:"admin"`
	Treasury                           common.Address `json:"treasury"`
	CometCollateralILDLiquidatorFeeBps uint16         `json:"comet_collateral_ild_liquidator_fee_bps"`
	CometOnassetILDLiquidatorFeeBps    uint16         `json:"comet_onasset_ild_liquidator_fee_bps"`
	MaxHealthLiquidation               uint64         `json:"max_health_liquidation"`
	LiquidationDiscountRateBps         uint16         `json:"liquidation_discount_rate_bps"`
	MaxOwnershipPct                    uint64         `json:"max_ownership_pct"`
	EventCounter                       uint64         `json:"event_counter"`
}

type poolView struct {
	Index                        uint8          `json:"index"`
	Status                       string         `json:"status"`
	OnassetMint                  common.Address `json:"onasset_mint"`
	OracleIndex                  uint64         `json:"oracle_index"`
	OraclePrice                  fixed.Decimal  `json:"oracle_price"`
	CommittedCollateralLiquidity fixed.Decimal  `json:"committed_collateral_liquidity"`
	CollateralILD                fixed.Decimal  `json:"collateral_ild"`
	OnassetILD                   fixed.Decimal  `json:"onasset_ild"`
	TreasuryTradingFeeBps        uint16         `json:"treasury_trading_fee_bps"`
	LiquidityTradingFeeBps       uint16         `json:"liquidity_trading_fee_bps"`
	TotalMintedAmount            fixed.Decimal  `json:"total_minted_amount"`
	SuppliedMintCollateralAmount fixed.Decimal  `json:"supplied_mint_collateral_amount"`
	ILHealthScoreCoefficient     fixed.Decimal  `json:"il_health_score_coefficient"`
	PositionHealthCoefficient    fixed.Decimal  `json:"position_health_score_coefficient"`
	StableCollateralRatio        fixed.Decimal  `json:"stable_collateral_ratio"`
	UnderlyingMint               common.Address `json:"underlying_mint"`
	LivePositions                uint64         `json:"live_positions"`
}

func newPoolView(td *registry.TokenData, index uint8) (poolView, error) {
	p, err := td.Pool(index)
	if err != nil {
		return poolView{}, err
	}
	price, err := td.CachedPoolPrice(index)
	if err != nil {
		return poolView{}, err
	}
	return poolView{
		Index:                        index,
		Status:                       p.Status.String(),
		OnassetMint:                  p.AssetInfo.OnassetMint,
		OracleIndex:                  p.AssetInfo.OracleInfoIndex,
		OraclePrice:                  price,
		CommittedCollateralLiquidity: p.CommittedCollateralLiquidity,
		CollateralILD:                p.CollateralILD,
		OnassetILD:                   p.OnassetILD,
		TreasuryTradingFeeBps:        p.TreasuryTradingFeeBps,
		LiquidityTradingFeeBps:       p.LiquidityTradingFeeBps,
		TotalMintedAmount:            p.TotalMintedAmount,
		SuppliedMintCollateralAmount: p.SuppliedMintCollateralAmount,
		ILHealthScoreCoefficient:     p.AssetInfo.ILHealthScoreCoefficient,
		PositionHealthCoefficient:    p.AssetInfo.PositionHealthScoreCoefficient,
		StableCollateralRatio:        p.AssetInfo.StableCollateralRatio,
		UnderlyingMint:               p.AssetInfo.UnderlyingMint,
		LivePositions:                p.LivePositions,
	}, nil
}

type collateralView struct {
	Index                  uint8          `json:"index"`
	Mint                   common.Address `json:"mint"`
	Vault                  common.Address `json:"vault"`
	Scale                  uint8          `json:"scale"`
	Stable                 bool           `json:"stable"`
	OracleIndex            *uint64        `json:"oracle_index,omitempty"`
	CollateralizationRatio fixed.Decimal  `json:"collateralization_ratio"`
	VaultCometSupply       fixed.Decimal  `json:"vault_comet_supply"`
	VaultMintSupply        fixed.Decimal  `json:"vault_mint_supply"`
	Deprecated             bool           `json:"deprecated"`
}

type positionView struct {
	PoolIndex                    uint8         `json:"pool_index"`
	CommittedCollateralLiquidity fixed.Decimal `json:"committed_collateral_liquidity"`
	CollateralILDRebate          fixed.Decimal `json:"collateral_ild_rebate"`
	OnassetILDRebate             fixed.Decimal `json:"onasset_ild_rebate"`
}

type holdingView struct {
	CollateralIndex uint8         `json:"collateral_index"`
	Amount          fixed.Decimal `json:"amount"`
}

type borrowView struct {
	PoolIndex        uint8         `json:"pool_index"`
	CollateralIndex  uint8         `json:"collateral_index"`
	CollateralAmount fixed.Decimal `json:"collateral_amount"`
	BorrowedOnasset  fixed.Decimal `json:"borrowed_onasset"`
}

type userView struct {
	Authority   common.Address `json:"authority"`
	Collaterals []holdingView  `json:"collaterals"`
	Positions   []positionView `json:"positions"`
	Borrows     []borrowView   `json:"borrows"`
}

type healthView struct {
	Score               fixed.Decimal `json:"score"`
	Healthy             bool          `json:"healthy"`
	ILTerm              fixed.Decimal `json:"il_term"`
	PositionTerm        fixed.Decimal `json:"position_term"`
	EffectiveCollateral fixed.Decimal `json:"effective_collateral"`
	Slot                uint64        `json:"slot"`
}

type quoteView struct {
	PoolIndex uint8          `json:"pool_index"`
	Mode      string         `json:"mode"`
	InAmount  fixed.Decimal  `json:"in_amount"`
	OutAmount fixed.Decimal  `json:"out_amount"`
	FeeAmount fixed.Decimal  `json:"fee_amount"`
	FeeMint   common.Address `json:"fee_mint"`
	FeePct    fixed.Decimal  `json:"fee_pct"`
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	p, err := s.protocol.Parameters()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, parametersView{
		Admin:                              p.Admin,
		Treasury:                           p.Treasury,
		CometCollateralILDLiquidatorFeeBps: p.CometCollateralILDLiquidatorFeeBps,
		CometOnassetILDLiquidatorFeeBps:    p.CometOnassetILDLiquidatorFeeBps,
		MaxHealthLiquidation:               p.MaxHealthLiquidation,
		LiquidationDiscountRateBps:         p.LiquidationDiscountRateBps,
		MaxOwnershipPct:                    p.MaxOwnershipPct,
		EventCounter:                       p.EventCounter,
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	td, err := s.protocol.TokenData()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	includeRemoved := r.URL.Query().Get("include_removed") == "true"
	out := make([]poolView, 0, len(td.Pools))
	for i := range td.Pools {
		if td.Pools[i].Removed && !includeRemoved {
			continue
		}
		view, err := newPoolView(td, uint8(i))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 8)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "pool index must be an integer in [0, 255]", "")
		return
	}
	td, err := s.protocol.TokenData()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := newPoolView(td, uint8(index))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCollaterals(w http.ResponseWriter, r *http.Request) {
	td, err := s.protocol.TokenData()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]collateralView, 0, len(td.Collaterals))
	for i, c := range td.Collaterals {
		view := collateralView{
			Index:                  uint8(i),
			Mint:                   c.Mint,
			Vault:                  c.Vault,
			Scale:                  c.Scale,
			Stable:                 c.IsStable(),
			CollateralizationRatio: c.CollateralizationRatio,
			VaultCometSupply:       c.VaultCometSupply,
			VaultMintSupply:        c.VaultMintSupply,
			Deprecated:             c.Deprecated,
		}
		if !c.IsStable() {
			idx := c.OracleInfoIndex
			view.OracleIndex = &idx
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collaterals": out})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inputMint, ok := parseAddress(q.Get("input_mint"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "input_mint must be a hex address", "")
		return
	}
	outputMint, ok := parseAddress(q.Get("output_mint"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "output_mint must be a hex address", "")
		return
	}
	amount, err := fixed.FromString(strings.TrimSpace(q.Get("amount")))
	if err != nil || !amount.IsPositive() {
		writeJSONError(w, http.StatusBadRequest, "amount must be a positive decimal", "")
		return
	}
	mode := pool.ExactIn
	switch strings.ToLower(strings.TrimSpace(q.Get("mode"))) {
	case "", "exact_in":
	case "exact_out":
		mode = pool.ExactOut
	default:
		writeJSONError(w, http.StatusBadRequest, "mode must be exact_in or exact_out", "")
		return
	}
	quote, err := s.protocol.Quote(inputMint, outputMint, amount, mode)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView{
		PoolIndex: quote.PoolIndex,
		Mode:      mode.String(),
		InAmount:  quote.InAmount,
		OutAmount: quote.OutAmount,
		FeeAmount: quote.FeeAmount,
		FeeMint:   quote.FeeMint,
		FeePct:    quote.FeePct,
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "address must be hex", "")
		return
	}
	u, err := s.protocol.User(addr)
	if err != nil {
		s.writeUserError(w, r, err)
		return
	}
	view := userView{
		Authority:   u.Authority,
		Collaterals: make([]holdingView, 0, len(u.Comet.Collaterals)),
		Positions:   make([]positionView, 0, len(u.Comet.Positions)),
		Borrows:     make([]borrowView, 0, len(u.Borrows)),
	}
	for _, c := range u.Comet.Collaterals {
		view.Collaterals = append(view.Collaterals, holdingView{CollateralIndex: c.CollateralIndex, Amount: c.Amount})
	}
	for _, p := range u.Comet.Positions {
		view.Positions = append(view.Positions, positionView{
			PoolIndex:                    p.PoolIndex,
			CommittedCollateralLiquidity: p.CommittedCollateralLiquidity,
			CollateralILDRebate:          p.CollateralILDRebate,
			OnassetILDRebate:             p.OnassetILDRebate,
		})
	}
	for _, b := range u.Borrows {
		view.Borrows = append(view.Borrows, borrowView{
			PoolIndex:        b.PoolIndex,
			CollateralIndex:  b.CollateralIndex,
			CollateralAmount: b.CollateralAmount,
			BorrowedOnasset:  b.BorrowedOnasset,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUserHealth(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(chi.URLParam(r, "address"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "address must be hex", "")
		return
	}
	res, err := s.protocol.HealthScore(addr)
	if err != nil {
		s.writeUserError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, healthView{
		Score:               res.Score,
		Healthy:             res.Healthy(),
		ILTerm:              res.ILTerm,
		PositionTerm:        res.PositionTerm,
		EffectiveCollateral: res.EffectiveCollateral,
		Slot:                s.protocol.Slot(),
	})
}

// writeUserError reports a missing account as 404.
func (s *Server) writeUserError(w http.ResponseWriter, r *http.Request, err error) {
	if cloneerr.NameOf(err) == cloneerr.ErrInvalidAccountLoaderOwner.Name {
		writeJSONError(w, http.StatusNotFound, err.Error(), cloneerr.ErrInvalidAccountLoaderOwner.Name)
		return
	}
	s.writeError(w, r, err)
}

type priceView struct {
	Feed  common.Address `json:"feed"`
	Price fixed.Decimal  `json:"price"`
}

func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	latest := s.prices.Latest()
	out := make([]priceView, 0, len(latest))
	for feed, price := range latest {
		out = append(out, priceView{Feed: feed, Price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed.Hex() < out[j].Feed.Hex() })
	writeJSON(w, http.StatusOK, map[string]any{"slot": s.protocol.Slot(), "prices": out})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	feed, ok := parseAddress(chi.URLParam(r, "feed"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "feed must be a hex address", "")
		return
	}
	var req struct {
		Price fixed.Decimal `json:"price"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid payload", "")
		return
	}
	if err := s.prices.SetOverride(feed, req.Price); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	s.logger.Info("admin price override", "feed", feed.Hex(), "price", req.Price.String(),
		"subject", subject(r.Context()), "request_id", requestID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearPrice(w http.ResponseWriter, r *http.Request) {
	feed, ok := parseAddress(chi.URLParam(r, "feed"))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "feed must be a hex address", "")
		return
	}
	if !s.prices.ClearOverride(feed) {
		writeJSONError(w, http.StatusNotFound, "no override for feed", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseAddress(raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
