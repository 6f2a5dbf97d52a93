package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	clobtypes "github.com/betbot/copycat/clob/types"
)

type fakeBooks struct {
	books []*clobtypes.OrderBookSummary
	idx   int
	err   error
}

func (f *fakeBooks) GetOrderBook(ctx context.Context, tokenID string) (*clobtypes.OrderBookSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.idx >= len(f.books) {
		return f.books[len(f.books)-1], nil
	}
	b := f.books[f.idx]
	f.idx++
	return b, nil
}

type postCall struct {
	side  clobtypes.Side
	size  float64
	price float64
}

type fakePoster struct {
	errs  []error
	calls []postCall
}

func (f *fakePoster) PostFOK(ctx context.Context, tokenID string, side clobtypes.Side, size, price float64) error {
	f.calls = append(f.calls, postCall{side: side, size: size, price: price})
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func book(asks, bids [][2]string) *clobtypes.OrderBookSummary {
	b := &clobtypes.OrderBookSummary{}
	for _, a := range asks {
		b.Asks = append(b.Asks, clobtypes.OrderSummary{Price: a[0], Size: a[1]})
	}
	for _, bd := range bids {
		b.Bids = append(b.Bids, clobtypes.OrderSummary{Price: bd[0], Size: bd[1]})
	}
	return b
}

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		SlippageTolerance: 0.20,
		MinOrderUSDC:      1.0,
		AttemptDelay:      time.Millisecond,
	}
}

// 深盘口一次吃满
func TestBuy_SingleFill(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "1000"}, {"0.55", "500"}}, nil),
	}}
	poster := &fakePoster{}
	e := New(books, poster, testConfig())

	res, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(poster.calls) != 1 {
		t.Fatalf("expected 1 order, got %d", len(poster.calls))
	}
	call := poster.calls[0]
	if call.price != 0.50 {
		t.Fatalf("expected price 0.50, got %v", call.price)
	}
	if call.size != 20.0 {
		t.Fatalf("expected size 20, got %v", call.size)
	}
	if res.FilledUSDC != 10.0 {
		t.Fatalf("expected filled $10, got %v", res.FilledUSDC)
	}
}

// 薄盘口分多次成交，每次重新读簿
func TestBuy_MultiLevelFill(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "10"}}, nil),
		book([][2]string{{"0.52", "100"}}, nil),
	}}
	poster := &fakePoster{}
	e := New(books, poster, testConfig())

	res, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(poster.calls) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(poster.calls))
	}
	if poster.calls[0].size != 10.0 || poster.calls[0].price != 0.50 {
		t.Fatalf("first fill wrong: %+v", poster.calls[0])
	}
	if poster.calls[1].price != 0.52 {
		t.Fatalf("second fill price wrong: %+v", poster.calls[1])
	}
	// 总成交金额不超过预算
	if res.FilledUSDC > 10.0 {
		t.Fatalf("overspent: %v > 10", res.FilledUSDC)
	}
}

// 成交金额永远不超过目标（任意目标与价格组合）
func TestBuy_NeverOverspends(t *testing.T) {
	targets := []float64{1.5, 3.33, 7.77, 10.0, 42.1, 99.99}
	prices := []string{"0.03", "0.17", "0.50", "0.53", "0.91"}

	for _, target := range targets {
		for _, price := range prices {
			books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
				book([][2]string{{price, "100000"}}, nil),
			}}
			poster := &fakePoster{}
			e := New(books, poster, testConfig())

			res, err := e.Buy(context.Background(), "tok", target, 1.0)
			if err != nil && !errors.Is(err, ErrOrderTooSmall) {
				t.Fatalf("target=%v price=%s: unexpected err: %v", target, price, err)
			}
			if res.FilledUSDC > target+1e-9 {
				t.Fatalf("target=%v price=%s: overspent %v", target, price, res.FilledUSDC)
			}
			for _, c := range poster.calls {
				if c.size*c.price > target+1e-9 {
					t.Fatalf("order notional %v exceeds target %v", c.size*c.price, target)
				}
			}
		}
	}
}

// 滑点护栏：最优价偏离参考价过远时放弃
func TestBuy_PriceMoved(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.75", "1000"}}, nil),
	}}
	poster := &fakePoster{}
	e := New(books, poster, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if !errors.Is(err, ErrPriceMoved) {
		t.Fatalf("expected ErrPriceMoved, got %v", err)
	}
	if len(poster.calls) != 0 {
		t.Fatalf("no order should be posted, got %d", len(poster.calls))
	}
}

// 偏离恰好等于容忍度时不触发护栏
func TestBuy_SlippageBoundary(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.70", "1000"}}, nil),
	}}
	poster := &fakePoster{}
	e := New(books, poster, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if err != nil {
		t.Fatalf("boundary should pass: %v", err)
	}
}

func TestBuy_OrderTooSmall(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "1000"}}, nil),
	}}
	e := New(books, &fakePoster{}, testConfig())

	_, err := e.Buy(context.Background(), "tok", 0.50, 0.50)
	if !errors.Is(err, ErrOrderTooSmall) {
		t.Fatalf("expected ErrOrderTooSmall, got %v", err)
	}
}

func TestBuy_NoLiquidity(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book(nil, [][2]string{{"0.40", "100"}}),
	}}
	e := New(books, &fakePoster{}, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected ErrNoLiquidity, got %v", err)
	}
}

// 余额类失败立即终止，不消耗重试预算
func TestBuy_InsufficientBalanceTerminal(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "1000"}}, nil),
	}}
	poster := &fakePoster{errs: []error{
		fmt.Errorf("%w: not enough balance", ErrInsufficientBalance),
	}}
	e := New(books, poster, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if len(poster.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(poster.calls))
	}
}

// 其他失败按预算重试，耗尽后返回 ErrRetryExhausted
func TestBuy_RetryExhausted(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "1000"}}, nil),
	}}
	genericErr := errors.New("order rejected")
	poster := &fakePoster{errs: []error{genericErr, genericErr, genericErr}}
	e := New(books, poster, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if len(poster.calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(poster.calls))
	}
}

// 成交会重置重试计数
func TestBuy_SuccessResetsRetries(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book([][2]string{{"0.50", "10"}}, nil),
		book([][2]string{{"0.50", "10"}}, nil),
	}}
	genericErr := errors.New("temporarily rejected")
	// 失败 2 次、成交、再失败 2 次、成交：如果计数不重置，第 4 次失败就会耗尽预算
	poster := &fakePoster{errs: []error{genericErr, genericErr, nil, genericErr, genericErr, nil}}
	e := New(books, poster, testConfig())

	_, err := e.Buy(context.Background(), "tok", 10.0, 0.50)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestSell_FillAndClamp(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book(nil, [][2]string{{"0.60", "5"}, {"0.55", "100"}}),
		book(nil, [][2]string{{"0.55", "100"}}),
	}}
	poster := &fakePoster{}
	e := New(books, poster, testConfig())

	res, err := e.Sell(context.Background(), "tok", 12.0)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(poster.calls) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(poster.calls))
	}
	// 第一单吃掉 0.60 的 5 个，第二单在 0.55 卖掉剩余 7 个
	if poster.calls[0].price != 0.60 || poster.calls[0].size != 5.0 {
		t.Fatalf("first sell wrong: %+v", poster.calls[0])
	}
	if poster.calls[1].price != 0.55 || poster.calls[1].size != 7.0 {
		t.Fatalf("second sell wrong: %+v", poster.calls[1])
	}
	if res.FilledTokens != 12.0 {
		t.Fatalf("expected 12 tokens sold, got %v", res.FilledTokens)
	}
}

func TestSell_TokenFailureTerminal(t *testing.T) {
	books := &fakeBooks{books: []*clobtypes.OrderBookSummary{
		book(nil, [][2]string{{"0.60", "100"}}),
	}}
	poster := &fakePoster{errs: []error{
		fmt.Errorf("%w: not enough balance", ErrInsufficientTokens),
	}}
	e := New(books, poster, testConfig())

	_, err := e.Sell(context.Background(), "tok", 10.0)
	if !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if len(poster.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", len(poster.calls))
	}
}

// 截断精度：数量 4 位、价格 2 位
func TestTruncation(t *testing.T) {
	if got := truncate(18.86792452, 4); got != 18.8679 {
		t.Fatalf("size truncation: got %v", got)
	}
	if got := truncate(0.539999, 2); got != 0.53 {
		t.Fatalf("price truncation: got %v", got)
	}
	// 截断不是四舍五入
	if got := truncate(0.999999, 2); got != 0.99 {
		t.Fatalf("expected truncation not rounding: got %v", got)
	}
}

func TestBestLevel_Unsorted(t *testing.T) {
	b := book(
		[][2]string{{"0.60", "10"}, {"0.52", "5"}, {"0.70", "8"}},
		[][2]string{{"0.30", "10"}, {"0.45", "5"}, {"0.40", "8"}},
	)
	ask, ok := bestLevel(b, clobtypes.SideBuy)
	if !ok || ask.price != 0.52 {
		t.Fatalf("best ask wrong: %+v ok=%v", ask, ok)
	}
	bid, ok := bestLevel(b, clobtypes.SideSell)
	if !ok || bid.price != 0.45 {
		t.Fatalf("best bid wrong: %+v ok=%v", bid, ok)
	}
}
