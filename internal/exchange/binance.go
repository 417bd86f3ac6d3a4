package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/crypto"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

const binanceRecvWindow = "5000"

// Binance is the trading port for one Binance account, covering the
// spot API (api.binance.com) and the USD-M futures API
// (fapi.binance.com).
type Binance struct {
	auth       *crypto.HMACAuth
	endpoints  Endpoints
	httpClient *http.Client
	logger     *slog.Logger

	now func() time.Time
}

// NewBinance builds the adapter. Endpoints not set fall back to
// BaseURL so tests can point everything at one server.
func NewBinance(auth *crypto.HMACAuth, endpoints Endpoints, logger *slog.Logger) *Binance {
	return &Binance{
		auth:       auth,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
		now:        time.Now,
	}
}

func (b *Binance) Name() domain.Exchange { return domain.ExchangeBinance }

// --------------------------------------------------------------------------
// Request plumbing
// --------------------------------------------------------------------------

// doSigned sends an authenticated request. Binance signs the full
// urlencoded parameter set, which travels in the query string for GET
// and DELETE and in the form body for POST.
func (b *Binance) doSigned(ctx context.Context, method, base, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	params.Set("recvWindow", binanceRecvWindow)
	encoded := params.Encode()
	encoded += "&signature=" + b.auth.BinanceSign(encoded)

	reqURL := base + path
	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(encoded)
	} else {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return netErr(domain.ExchangeBinance, "build request", err)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range b.auth.BinanceHeaders() {
		req.Header.Set(k, v)
	}
	return b.send(req, out)
}

// doPublic sends an unauthenticated request to a market-data endpoint.
func (b *Binance) doPublic(ctx context.Context, base, path string, params url.Values, out any) error {
	reqURL := base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return netErr(domain.ExchangeBinance, "build request", err)
	}
	return b.send(req, out)
}

func (b *Binance) send(req *http.Request, out any) error {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return netErr(domain.ExchangeBinance, req.Method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return netErr(domain.ExchangeBinance, "read response", err)
	}
	if err := b.checkStatus(resp.StatusCode, raw); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ExchangeError{
			Exchange: domain.ExchangeBinance,
			Message:  "decode response: " + err.Error() + ": " + truncate(string(raw)),
		}
	}
	return nil
}

// checkStatus maps a failed response to a normalized error. Binance
// reports machine codes as negative integers in the body.
func (b *Binance) checkStatus(status int, raw []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(raw, &apiErr) != nil || apiErr.Code == 0 {
		return httpStatusErr(domain.ExchangeBinance, status, raw)
	}
	code := strconv.Itoa(apiErr.Code)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == -1003:
		return rateLimitedErr(domain.ExchangeBinance, code, apiErr.Msg)
	case apiErr.Code == -2013 || apiErr.Code == -2011 || apiErr.Code == -1121:
		// Unknown order, cancel of unknown order, invalid symbol. All
		// mean "not on this book", which drives the spot/futures
		// fallback in lookups.
		return notFoundErr(domain.ExchangeBinance, code, apiErr.Msg)
	case apiErr.Code == -2019 || (apiErr.Code == -2010 && strings.Contains(strings.ToLower(apiErr.Msg), "insufficient")):
		// -2010 is a grab-bag rejection code; only the balance variant
		// gets the insufficient-funds treatment.
		return insufficientErr(domain.ExchangeBinance, code, apiErr.Msg)
	case apiErr.Code == -1001 || apiErr.Code == -1021 || status >= 500:
		return &domain.ExchangeError{Exchange: domain.ExchangeBinance, Code: code, Message: apiErr.Msg, Retryable: true}
	default:
		return &domain.ExchangeError{Exchange: domain.ExchangeBinance, Code: code, Message: apiErr.Msg}
	}
}

// --------------------------------------------------------------------------
// Spot orders
// --------------------------------------------------------------------------

type binanceSpotOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	ExecutedQty   string `json:"executedQty"`
	// Binance spells it with the double m.
	CumQuoteQty string `json:"cummulativeQuoteQty"`
	Fills       []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
	Time int64 `json:"time"`
}

func (o binanceSpotOrder) result() *domain.OrderResult {
	res := &domain.OrderResult{
		OrderID:   strconv.FormatInt(o.OrderID, 10),
		ClientID:  o.ClientOrderID,
		Status:    binanceStatus(o.Status),
		FilledQty: parseF(o.ExecutedQty),
		TotalCost: parseF(o.CumQuoteQty),
	}
	if res.FilledQty > 0 && res.TotalCost > 0 {
		res.AvgFillPrice = res.TotalCost / res.FilledQty
	} else {
		res.AvgFillPrice = parseF(o.Price)
	}
	for _, f := range o.Fills {
		res.FeeAmount += parseF(f.Commission)
		if res.FeeCurrency == "" {
			res.FeeCurrency = f.CommissionAsset
		}
	}
	return res
}

func (b *Binance) placeSpot(ctx context.Context, params url.Values) (*domain.OrderResult, error) {
	params.Set("newOrderRespType", "FULL")
	var o binanceSpotOrder
	if err := b.doSigned(ctx, http.MethodPost, b.endpoints.BaseURL, "/api/v3/order", params, &o); err != nil {
		return nil, err
	}
	return o.result(), nil
}

func (b *Binance) SpotMarketBuy(ctx context.Context, symbol string, quoteAmount float64, clientID string) (*domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	params.Set("side", "BUY")
	params.Set("type", "MARKET")
	params.Set("quoteOrderQty", fmtQty(quoteAmount))
	params.Set("newClientOrderId", clientID)
	return b.placeSpot(ctx, params)
}

func (b *Binance) SpotMarketSell(ctx context.Context, symbol string, baseQty float64, clientID string) (*domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	params.Set("side", "SELL")
	params.Set("type", "MARKET")
	params.Set("quantity", fmtQty(baseQty))
	params.Set("newClientOrderId", clientID)
	return b.placeSpot(ctx, params)
}

func (b *Binance) spotLimit(ctx context.Context, symbol, side string, baseQty, price float64, clientID string) (*domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	params.Set("side", side)
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtQty(baseQty))
	params.Set("price", fmtQty(price))
	params.Set("newClientOrderId", clientID)
	return b.placeSpot(ctx, params)
}

func (b *Binance) SpotLimitBuy(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*domain.OrderResult, error) {
	return b.spotLimit(ctx, symbol, "BUY", baseQty, price, clientID)
}

func (b *Binance) SpotLimitSell(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*domain.OrderResult, error) {
	return b.spotLimit(ctx, symbol, "SELL", baseQty, price, clientID)
}

// --------------------------------------------------------------------------
// Futures orders
// --------------------------------------------------------------------------

type binanceFuturesOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	CumQuote      string `json:"cumQuote"`
	Time          int64  `json:"time"`
}

func (o binanceFuturesOrder) result() *domain.OrderResult {
	return &domain.OrderResult{
		OrderID:      strconv.FormatInt(o.OrderID, 10),
		ClientID:     o.ClientOrderID,
		Status:       binanceStatus(o.Status),
		FilledQty:    parseF(o.ExecutedQty),
		AvgFillPrice: parseF(o.AvgPrice),
		TotalCost:    parseF(o.CumQuote),
	}
}

func (b *Binance) futuresMarket(ctx context.Context, symbol, side string, baseQty float64, reduceOnly bool, clientID string) (*domain.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", fmtQty(baseQty))
	params.Set("newClientOrderId", clientID)
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	var o binanceFuturesOrder
	if err := b.doSigned(ctx, http.MethodPost, b.endpoints.futures(), "/fapi/v1/order", params, &o); err != nil {
		return nil, err
	}
	return o.result(), nil
}

// applyLeverage sets leverage before an opening order. Venues reject
// leverage changes while a position is open, so a failure here is
// logged and the order proceeds at the prior setting.
func (b *Binance) applyLeverage(ctx context.Context, symbol string, leverage int) {
	if leverage <= 0 {
		return
	}
	if err := b.SetLeverage(ctx, symbol, leverage); err != nil {
		b.logger.Warn("leverage change failed, order proceeds at prior setting",
			slog.String("exchange", string(domain.ExchangeBinance)),
			slog.String("symbol", canonicalSymbol(symbol)),
			slog.Int("leverage", leverage),
			slog.String("error", err.Error()))
	}
}

func (b *Binance) FuturesMarketLong(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*domain.OrderResult, error) {
	b.applyLeverage(ctx, symbol, leverage)
	return b.futuresMarket(ctx, symbol, "BUY", baseQty, false, clientID)
}

func (b *Binance) FuturesMarketShort(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*domain.OrderResult, error) {
	b.applyLeverage(ctx, symbol, leverage)
	return b.futuresMarket(ctx, symbol, "SELL", baseQty, false, clientID)
}

func (b *Binance) CloseFuturesPosition(ctx context.Context, symbol string, side domain.TradeSide, baseQty float64, clientID string) (*domain.OrderResult, error) {
	if baseQty == 0 {
		size, err := b.futuresPositionSize(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, notFoundErr(domain.ExchangeBinance, "", "no open position for "+canonicalSymbol(symbol))
		}
		baseQty = size
	}
	// Closing a long sells, closing a short buys back.
	closeSide := "SELL"
	if side == domain.TradeSideSell {
		closeSide = "BUY"
	}
	return b.futuresMarket(ctx, symbol, closeSide, baseQty, true, clientID)
}

func (b *Binance) futuresPositionSize(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	var positions []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	}
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.futures(), "/fapi/v2/positionRisk", params, &positions); err != nil {
		return 0, err
	}
	var size float64
	for _, p := range positions {
		size += absF(parseF(p.PositionAmt))
	}
	return size, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))
	return b.doSigned(ctx, http.MethodPost, b.endpoints.futures(), "/fapi/v1/leverage", params, nil)
}

// --------------------------------------------------------------------------
// Order lookup and cancel
// --------------------------------------------------------------------------

// orderIDParams routes an id to the right lookup parameter. Venue ids
// are numeric, ours are UUIDs.
func binanceOrderIDParams(symbol, orderID string) url.Values {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	if isNumeric(orderID) {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", orderID)
	}
	return params
}

// GetOrder looks the order up on the futures book first, falling back
// to spot when the futures book does not know it.
func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	var fo binanceFuturesOrder
	err := b.doSigned(ctx, http.MethodGet, b.endpoints.futures(), "/fapi/v1/order", binanceOrderIDParams(symbol, orderID), &fo)
	if err == nil {
		return fo.result(), nil
	}
	if !domain.IsNotFound(err) {
		return nil, err
	}
	var so binanceSpotOrder
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.BaseURL, "/api/v3/order", binanceOrderIDParams(symbol, orderID), &so); err != nil {
		return nil, err
	}
	return so.result(), nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	err := b.doSigned(ctx, http.MethodDelete, b.endpoints.futures(), "/fapi/v1/order", binanceOrderIDParams(symbol, orderID), nil)
	if err == nil || !domain.IsNotFound(err) {
		return err
	}
	return b.doSigned(ctx, http.MethodDelete, b.endpoints.BaseURL, "/api/v3/order", binanceOrderIDParams(symbol, orderID), nil)
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", canonicalSymbol(symbol))
	}
	var futures []binanceFuturesOpenOrder
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.futures(), "/fapi/v1/openOrders", params, &futures); err != nil {
		return nil, err
	}
	var spot []binanceSpotOpenOrder
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.BaseURL, "/api/v3/openOrders", params, &spot); err != nil {
		return nil, err
	}

	orders := make([]domain.OpenOrder, 0, len(futures)+len(spot))
	for _, o := range futures {
		orders = append(orders, domain.OpenOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			ClientID:  o.ClientOrderID,
			Symbol:    canonicalSymbol(o.Symbol),
			Side:      binanceSide(o.Side),
			Status:    binanceStatus(o.Status),
			FilledQty: parseF(o.ExecutedQty),
			AvgPrice:  parseF(o.AvgPrice),
			CreatedAt: time.UnixMilli(o.Time),
		})
	}
	for _, o := range spot {
		oo := domain.OpenOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			ClientID:  o.ClientOrderID,
			Symbol:    canonicalSymbol(o.Symbol),
			Side:      binanceSide(o.Side),
			Status:    binanceStatus(o.Status),
			FilledQty: parseF(o.ExecutedQty),
			CreatedAt: time.UnixMilli(o.Time),
		}
		if oo.FilledQty > 0 {
			oo.AvgPrice = parseF(o.CumQuoteQty) / oo.FilledQty
		}
		orders = append(orders, oo)
	}
	return orders, nil
}

type binanceFuturesOpenOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Time          int64  `json:"time"`
}

type binanceSpotOpenOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Time          int64  `json:"time"`
}

// --------------------------------------------------------------------------
// Account and market data
// --------------------------------------------------------------------------

// GetBalances lists spot holdings with a non-zero balance.
func (b *Binance) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.BaseURL, "/api/v3/account", nil, &account); err != nil {
		return nil, err
	}
	balances := make([]domain.Balance, 0, len(account.Balances))
	for _, bal := range account.Balances {
		free, locked := parseF(bal.Free), parseF(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

// GetBalance returns the available futures margin balance for the
// asset, the number position sizing draws on.
func (b *Binance) GetBalance(ctx context.Context, asset string) (float64, error) {
	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := b.doSigned(ctx, http.MethodGet, b.endpoints.futures(), "/fapi/v2/balance", nil, &balances); err != nil {
		return 0, err
	}
	asset = strings.ToUpper(asset)
	for _, bal := range balances {
		if bal.Asset == asset {
			return parseF(bal.AvailableBalance), nil
		}
	}
	return 0, nil
}

func (b *Binance) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", canonicalSymbol(symbol))
	var premium struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := b.doPublic(ctx, b.endpoints.futures(), "/fapi/v1/premiumIndex", params, &premium); err == nil {
		return parseF(premium.MarkPrice), nil
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := b.doPublic(ctx, b.endpoints.BaseURL, "/api/v3/ticker/price", params, &ticker); err != nil {
		return 0, err
	}
	return parseF(ticker.Price), nil
}

func binanceStatus(s string) domain.OrderStatus {
	switch s {
	case "PARTIALLY_FILLED":
		return domain.OrderStatusPartiallyFilled
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.OrderStatusCancelled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		// NEW, PENDING_CANCEL and anything unrecognized count as live.
		return domain.OrderStatusOpen
	}
}

func binanceSide(s string) domain.TradeSide {
	if strings.EqualFold(s, "SELL") {
		return domain.TradeSideSell
	}
	return domain.TradeSideBuy
}

// --------------------------------------------------------------------------
// Leaderboard observation
// --------------------------------------------------------------------------

// BinanceLeaderboard reads a whale's public futures positions from the
// Binance leaderboard web API. No credentials are involved.
type BinanceLeaderboard struct {
	baseURL    string
	httpClient *http.Client
}

func NewBinanceLeaderboard(baseURL string) *BinanceLeaderboard {
	return &BinanceLeaderboard{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (o *BinanceLeaderboard) Name() domain.Exchange { return domain.ExchangeBinance }

func (o *BinanceLeaderboard) WithProxy(proxyURL string) (domain.ObservationPort, error) {
	hc, err := newHTTPClient(proxyURL)
	if err != nil {
		return nil, err
	}
	return &BinanceLeaderboard{baseURL: o.baseURL, httpClient: hc}, nil
}

func (o *BinanceLeaderboard) GetLeaderboardPositions(ctx context.Context, uid string) ([]domain.PositionSnapshot, error) {
	payload, err := json.Marshal(map[string]string{
		"encryptedUid": uid,
		"tradeType":    "PERPETUAL",
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: marshal leaderboard request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/getOtherPosition", bytes.NewReader(payload))
	if err != nil {
		return nil, netErr(domain.ExchangeBinance, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", leaderboardUserAgent)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, netErr(domain.ExchangeBinance, "leaderboard request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, netErr(domain.ExchangeBinance, "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusErr(domain.ExchangeBinance, resp.StatusCode, raw)
	}

	var lb struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Positions []struct {
				Symbol     string  `json:"symbol"`
				EntryPrice float64 `json:"entryPrice"`
				MarkPrice  float64 `json:"markPrice"`
				Amount     float64 `json:"amount"`
				Leverage   float64 `json:"leverage"`
				UpdateTime int64   `json:"updateTimeStamp"`
			} `json:"otherPositionRetList"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &lb); err != nil {
		return nil, &domain.ExchangeError{
			Exchange: domain.ExchangeBinance,
			Message:  "decode leaderboard response: " + err.Error(),
		}
	}
	if !lb.Success {
		if sharingDisabledMessage(lb.Message) {
			return nil, sharingDisabledErr(domain.ExchangeBinance, lb.Message)
		}
		return nil, &domain.ExchangeError{Exchange: domain.ExchangeBinance, Code: lb.Code, Message: lb.Message}
	}

	snapshots := make([]domain.PositionSnapshot, 0, len(lb.Data.Positions))
	for _, p := range lb.Data.Positions {
		if p.Amount == 0 {
			continue
		}
		side := domain.TradeSideBuy
		if p.Amount < 0 {
			side = domain.TradeSideSell
		}
		mark := p.MarkPrice
		if mark == 0 {
			mark = p.EntryPrice
		}
		snapshots = append(snapshots, domain.PositionSnapshot{
			Symbol:     canonicalSymbol(p.Symbol),
			Side:       side,
			Size:       absF(p.Amount),
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
			Leverage:   p.Leverage,
			AmountUSD:  absF(p.Amount) * mark,
			Revision:   strconv.FormatInt(p.UpdateTime, 10),
		})
	}
	return snapshots, nil
}
