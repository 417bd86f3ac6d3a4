package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/whalecopybot/internal/breaker"
	"github.com/alanyoungcy/whalecopybot/internal/crypto"
	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// Factory builds venue ports. Trading ports are per user: the stored
// encrypted credential is decrypted with the master key on demand and
// the resulting adapter is cached. Every trading call goes through the
// venue's shared circuit breaker, so an exchange outage fast-fails for
// every user at once.
type Factory struct {
	users     domain.UserStore
	breakers  *breaker.Registry
	endpoints map[domain.Exchange]Endpoints
	enabled   map[domain.Exchange]bool
	masterKey string
	logger    *slog.Logger

	mu    sync.Mutex
	ports map[string]domain.ExchangePort // userID:exchange
}

// NewFactory creates a Factory. endpoints must carry an entry for every
// enabled venue.
func NewFactory(users domain.UserStore, breakers *breaker.Registry, endpoints map[domain.Exchange]Endpoints, enabled map[domain.Exchange]bool, masterKey string, logger *slog.Logger) *Factory {
	return &Factory{
		users:     users,
		breakers:  breakers,
		endpoints: endpoints,
		enabled:   enabled,
		masterKey: masterKey,
		logger:    logger.With(slog.String("component", "exchange_factory")),
		ports:     make(map[string]domain.ExchangePort),
	}
}

// Enabled reports whether the venue is configured for use.
func (f *Factory) Enabled(exchange domain.Exchange) bool {
	return f.enabled[exchange]
}

// TradingPort returns the breaker-guarded trading port for one user on
// one venue, building and caching it on first use.
func (f *Factory) TradingPort(ctx context.Context, userID int64, ex domain.Exchange) (domain.ExchangePort, error) {
	if !f.enabled[ex] {
		return nil, fmt.Errorf("exchange: %s is not enabled: %w", ex, domain.ErrInvalidInput)
	}

	key := fmt.Sprintf("%d:%s", userID, ex)
	f.mu.Lock()
	if port, ok := f.ports[key]; ok {
		f.mu.Unlock()
		return port, nil
	}
	f.mu.Unlock()

	cred, err := f.users.Credential(ctx, userID, ex)
	if err != nil {
		return nil, fmt.Errorf("exchange: credential for user %d on %s: %w", userID, ex, err)
	}
	auth, err := f.decrypt(cred)
	if err != nil {
		return nil, err
	}

	inner, err := f.build(ex, auth)
	if err != nil {
		return nil, err
	}
	port := &guardedPort{inner: inner, breaker: f.breakers.For(ex)}

	f.mu.Lock()
	f.ports[key] = port
	f.mu.Unlock()
	return port, nil
}

// InvalidatePort drops a cached trading port, forcing a credential
// reload on next use. Called after a credential update.
func (f *Factory) InvalidatePort(userID int64, ex domain.Exchange) {
	f.mu.Lock()
	delete(f.ports, fmt.Sprintf("%d:%s", userID, ex))
	f.mu.Unlock()
}

// ObservationPort returns the credential-less leaderboard reader for a
// venue, guarded by the same breaker as the venue's trading calls.
// Observation fetches get a fresh port per call site because the proxy
// varies per lease; WithProxy derives those.
func (f *Factory) ObservationPort(ex domain.Exchange) (domain.ObservationPort, error) {
	if !f.enabled[ex] {
		return nil, fmt.Errorf("exchange: %s is not enabled: %w", ex, domain.ErrInvalidInput)
	}
	ep := f.endpoints[ex]
	var inner domain.ObservationPort
	switch ex {
	case domain.ExchangeBinance:
		inner = NewBinanceLeaderboard(ep.LeaderboardURL)
	case domain.ExchangeOKX:
		inner = NewOKXLeaderboard(ep.LeaderboardURL)
	case domain.ExchangeBybit:
		inner = NewBybitLeaderboard(ep.LeaderboardURL)
	case domain.ExchangeBitget:
		inner = NewBitgetLeaderboard(ep.LeaderboardURL)
	default:
		return nil, fmt.Errorf("exchange: unknown venue %q: %w", ex, domain.ErrInvalidInput)
	}
	return &guardedObservation{inner: inner, breaker: f.breakers.For(ex)}, nil
}

func (f *Factory) decrypt(cred domain.APICredential) (*crypto.HMACAuth, error) {
	key, err := crypto.DecryptSecret(cred.Key, f.masterKey)
	if err != nil {
		return nil, fmt.Errorf("exchange: decrypt api key for user %d on %s: %w", cred.UserID, cred.Exchange, err)
	}
	secret, err := crypto.DecryptSecret(cred.Secret, f.masterKey)
	if err != nil {
		return nil, fmt.Errorf("exchange: decrypt api secret for user %d on %s: %w", cred.UserID, cred.Exchange, err)
	}
	auth := &crypto.HMACAuth{Key: key, Secret: secret}
	if cred.Passphrase != "" {
		pass, err := crypto.DecryptSecret(cred.Passphrase, f.masterKey)
		if err != nil {
			return nil, fmt.Errorf("exchange: decrypt passphrase for user %d on %s: %w", cred.UserID, cred.Exchange, err)
		}
		auth.Passphrase = pass
	}
	return auth, nil
}

func (f *Factory) build(ex domain.Exchange, auth *crypto.HMACAuth) (domain.ExchangePort, error) {
	ep := f.endpoints[ex]
	logger := f.logger.With(slog.String("exchange", string(ex)))
	switch ex {
	case domain.ExchangeBinance:
		return NewBinance(auth, ep, logger), nil
	case domain.ExchangeOKX:
		return NewOKX(auth, ep, logger), nil
	case domain.ExchangeBybit:
		return NewBybit(auth, ep, logger), nil
	case domain.ExchangeBitget:
		return NewBitget(auth, ep, logger), nil
	}
	return nil, fmt.Errorf("exchange: unknown venue %q: %w", ex, domain.ErrInvalidInput)
}

// EndpointsFromNames builds the Endpoints map the factory consumes from
// per-venue configuration values.
func EndpointsFromNames(get func(name string) (base, futures, leaderboard string, enabled bool)) (map[domain.Exchange]Endpoints, map[domain.Exchange]bool) {
	endpoints := make(map[domain.Exchange]Endpoints)
	enabled := make(map[domain.Exchange]bool)
	for _, ex := range domain.Exchanges() {
		base, futures, leaderboard, on := get(strings.ToLower(string(ex)))
		endpoints[ex] = Endpoints{BaseURL: base, FuturesURL: futures, LeaderboardURL: leaderboard}
		enabled[ex] = on
	}
	return endpoints, enabled
}

// guardedPort routes every trading call through the venue breaker. An
// OPEN breaker fails fast with domain.ErrCircuitOpen before any bytes
// reach the network.
type guardedPort struct {
	inner   domain.ExchangePort
	breaker *breaker.Breaker
}

func (g *guardedPort) Name() domain.Exchange { return g.inner.Name() }

func (g *guardedPort) order(fn func() (*domain.OrderResult, error)) (*domain.OrderResult, error) {
	var res *domain.OrderResult
	err := g.breaker.Do(func() error {
		var err error
		res, err = fn()
		return err
	})
	return res, err
}

func (g *guardedPort) SpotMarketBuy(ctx context.Context, symbol string, quoteAmount float64, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.SpotMarketBuy(ctx, symbol, quoteAmount, clientID)
	})
}

func (g *guardedPort) SpotMarketSell(ctx context.Context, symbol string, baseQty float64, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.SpotMarketSell(ctx, symbol, baseQty, clientID)
	})
}

func (g *guardedPort) SpotLimitBuy(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.SpotLimitBuy(ctx, symbol, baseQty, price, clientID)
	})
}

func (g *guardedPort) SpotLimitSell(ctx context.Context, symbol string, baseQty, price float64, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.SpotLimitSell(ctx, symbol, baseQty, price, clientID)
	})
}

func (g *guardedPort) FuturesMarketLong(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.FuturesMarketLong(ctx, symbol, baseQty, leverage, clientID)
	})
}

func (g *guardedPort) FuturesMarketShort(ctx context.Context, symbol string, baseQty float64, leverage int, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.FuturesMarketShort(ctx, symbol, baseQty, leverage, clientID)
	})
}

func (g *guardedPort) CloseFuturesPosition(ctx context.Context, symbol string, side domain.TradeSide, baseQty float64, clientID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.CloseFuturesPosition(ctx, symbol, side, baseQty, clientID)
	})
}

func (g *guardedPort) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.breaker.Do(func() error {
		return g.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (g *guardedPort) GetOrder(ctx context.Context, symbol, orderID string) (*domain.OrderResult, error) {
	return g.order(func() (*domain.OrderResult, error) {
		return g.inner.GetOrder(ctx, symbol, orderID)
	})
}

func (g *guardedPort) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return g.breaker.Do(func() error {
		return g.inner.CancelOrder(ctx, symbol, orderID)
	})
}

func (g *guardedPort) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	var orders []domain.OpenOrder
	err := g.breaker.Do(func() error {
		var err error
		orders, err = g.inner.GetOpenOrders(ctx, symbol)
		return err
	})
	return orders, err
}

func (g *guardedPort) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var balances []domain.Balance
	err := g.breaker.Do(func() error {
		var err error
		balances, err = g.inner.GetBalances(ctx)
		return err
	})
	return balances, err
}

func (g *guardedPort) GetBalance(ctx context.Context, asset string) (float64, error) {
	var bal float64
	err := g.breaker.Do(func() error {
		var err error
		bal, err = g.inner.GetBalance(ctx, asset)
		return err
	})
	return bal, err
}

func (g *guardedPort) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.breaker.Do(func() error {
		var err error
		price, err = g.inner.GetMarkPrice(ctx, symbol)
		return err
	})
	return price, err
}

// guardedObservation routes leaderboard fetches through the venue
// breaker so a venue outage fast-fails observation traffic the same
// way it fast-fails trading. Rate limits and hidden leaderboards stay
// neutral inside the breaker.
type guardedObservation struct {
	inner   domain.ObservationPort
	breaker *breaker.Breaker
}

func (g *guardedObservation) Name() domain.Exchange { return g.inner.Name() }

func (g *guardedObservation) GetLeaderboardPositions(ctx context.Context, uid string) ([]domain.PositionSnapshot, error) {
	var positions []domain.PositionSnapshot
	err := g.breaker.Do(func() error {
		var err error
		positions, err = g.inner.GetLeaderboardPositions(ctx, uid)
		return err
	})
	return positions, err
}

// WithProxy derives a proxied port that keeps the shared venue breaker.
func (g *guardedObservation) WithProxy(proxyURL string) (domain.ObservationPort, error) {
	proxied, err := g.inner.WithProxy(proxyURL)
	if err != nil {
		return nil, err
	}
	return &guardedObservation{inner: proxied, breaker: g.breaker}, nil
}

// Compile-time interface checks.
var (
	_ domain.ExchangePort    = (*guardedPort)(nil)
	_ domain.ExchangePort    = (*Bitget)(nil)
	_ domain.ObservationPort = (*guardedObservation)(nil)
	_ domain.ObservationPort = (*BitgetLeaderboard)(nil)
)
