package tracker

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clobtypes "github.com/betbot/copycat/clob/types"
	"github.com/betbot/copycat/internal/engine"
	"github.com/betbot/copycat/internal/stream"
	"github.com/betbot/copycat/pkg/config"
)

var testOwner = common.HexToAddress("0x0000000000000000000000000000000000000001")

type fakeQuotes struct {
	quotes map[string]stream.Quote
}

func (f *fakeQuotes) Quote(assetID string) (stream.Quote, bool) {
	q, ok := f.quotes[assetID]
	return q, ok
}

type fakeBooks struct {
	asks  map[string]string
	calls int
}

func (f *fakeBooks) GetOrderBook(ctx context.Context, tokenID string) (*clobtypes.OrderBookSummary, error) {
	f.calls++
	b := &clobtypes.OrderBookSummary{}
	if price, ok := f.asks[tokenID]; ok {
		b.Asks = append(b.Asks, clobtypes.OrderSummary{Price: price, Size: "1000"})
	}
	return b, nil
}

type fakeOracle struct {
	balance float64
	held    map[string]float64
}

func (f *fakeOracle) BalanceOf(ctx context.Context, addr common.Address) (float64, error) {
	return f.balance, nil
}

func (f *fakeOracle) ConditionalTokenBalance(ctx context.Context, owner common.Address, tokenID string) (float64, error) {
	return f.held[tokenID], nil
}

type buyCall struct {
	tokenID string
	amount  float64
}

type fakeEngine struct {
	buys []buyCall
}

func (f *fakeEngine) Buy(ctx context.Context, tokenID string, usdcTarget, refPrice float64) (*engine.Result, error) {
	f.buys = append(f.buys, buyCall{tokenID: tokenID, amount: usdcTarget})
	return &engine.Result{FilledUSDC: usdcTarget}, nil
}

func testMarket() config.TrackedMarket {
	return config.TrackedMarket{
		ConditionID: "0xc1",
		YesTokenID:  "yes1",
		NoTokenID:   "no1",
		Title:       "test market",
	}
}

func testTrackerConfig() config.TrackerConfig {
	return config.TrackerConfig{
		Interval:    time.Second,
		Threshold:   0.91,
		BetFraction: 0.10,
	}
}

func TestMarketStore(t *testing.T) {
	s := NewMarketStore(nil)
	s.Add(testMarket())
	if len(s.List()) != 1 {
		t.Fatalf("expected 1 market")
	}

	// 同一 condition 覆盖而不是追加
	s.Add(testMarket())
	if len(s.List()) != 1 {
		t.Fatalf("expected 1 market after re-add")
	}

	s.Remove("0xC1") // 大小写不敏感
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}

// 价格越过阈值时按钱包比例买入
func TestScan_BuysAboveThreshold(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]stream.Quote{
		"yes1": {BestAsk: 0.93, UpdatedAt: time.Now()},
		"no1":  {BestAsk: 0.07, UpdatedAt: time.Now()},
	}}
	oracle := &fakeOracle{balance: 200, held: map[string]float64{}}
	eng := &fakeEngine{}
	tr := New(NewMarketStore([]config.TrackedMarket{testMarket()}),
		quotes, &fakeBooks{}, oracle, eng, testOwner, testTrackerConfig())

	if err := tr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(eng.buys) != 1 {
		t.Fatalf("expected 1 buy, got %d", len(eng.buys))
	}
	if eng.buys[0].tokenID != "yes1" || eng.buys[0].amount != 20.0 {
		t.Fatalf("buy wrong: %+v", eng.buys[0])
	}
}

func TestScan_BelowThresholdNoBuy(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]stream.Quote{
		"yes1": {BestAsk: 0.60, UpdatedAt: time.Now()},
		"no1":  {BestAsk: 0.40, UpdatedAt: time.Now()},
	}}
	eng := &fakeEngine{}
	tr := New(NewMarketStore([]config.TrackedMarket{testMarket()}),
		quotes, &fakeBooks{}, &fakeOracle{balance: 200, held: map[string]float64{}}, eng, testOwner, testTrackerConfig())

	if err := tr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(eng.buys) != 0 {
		t.Fatalf("no buy expected, got %+v", eng.buys)
	}
}

// 已有持仓的方向不再加仓
func TestScan_SkipsExistingPosition(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]stream.Quote{
		"yes1": {BestAsk: 0.93, UpdatedAt: time.Now()},
	}}
	oracle := &fakeOracle{balance: 200, held: map[string]float64{"yes1": 50}}
	eng := &fakeEngine{}
	tr := New(NewMarketStore([]config.TrackedMarket{testMarket()}),
		quotes, &fakeBooks{}, oracle, eng, testOwner, testTrackerConfig())

	if err := tr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(eng.buys) != 0 {
		t.Fatalf("existing position should be skipped, got %+v", eng.buys)
	}
}

// 行情流过期时回退到 REST 订单簿
func TestScan_FallsBackToREST(t *testing.T) {
	quotes := &fakeQuotes{quotes: map[string]stream.Quote{
		"yes1": {BestAsk: 0.93, UpdatedAt: time.Now().Add(-time.Minute)}, // 过期
	}}
	books := &fakeBooks{asks: map[string]string{"yes1": "0.95", "no1": "0.05"}}
	oracle := &fakeOracle{balance: 100, held: map[string]float64{}}
	eng := &fakeEngine{}
	tr := New(NewMarketStore([]config.TrackedMarket{testMarket()}),
		quotes, books, oracle, eng, testOwner, testTrackerConfig())

	if err := tr.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if books.calls == 0 {
		t.Fatalf("expected REST fallback")
	}
	if len(eng.buys) != 1 || eng.buys[0].amount != 10.0 {
		t.Fatalf("expected $10 buy via REST price, got %+v", eng.buys)
	}
}
