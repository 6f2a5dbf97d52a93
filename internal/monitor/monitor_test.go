package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/betbot/copycat/internal/feed"
	"github.com/betbot/copycat/internal/ledger"
	"github.com/betbot/copycat/pkg/config"
)

const trackedAddr = "0x0000000000000000000000000000000000000002"

type fixture struct {
	monitor   *Monitor
	ledger    *ledger.Ledger
	trades    *[]map[string]any
	positions *[]map[string]any
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	trades := &[]map[string]any{}
	positions := &[]map[string]any{}

	mux := http.NewServeMux()
	mux.HandleFunc("/activity", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(*trades)
	})
	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(*positions)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store, err := ledger.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	l := store.For(trackedAddr)
	mon := New(feed.NewClient(server.URL), l, trackedAddr, config.MonitorConfig{
		Interval:      10 * time.Second,
		MaxAgeHours:   24,
		ActivityLimit: 100,
	})
	return &fixture{monitor: mon, ledger: l, trades: trades, positions: positions}
}

func tradeJSON(txHash string, ts int64) map[string]any {
	return map[string]any{
		"proxyWallet":     trackedAddr,
		"type":            "TRADE",
		"side":            "BUY",
		"asset":           "123456",
		"conditionId":     "0xcond1",
		"size":            "20",
		"usdcSize":        10.0,
		"price":           "0.5",
		"timestamp":       ts,
		"title":           "test market",
		"outcome":         "Yes",
		"outcomeIndex":    0,
		"transactionHash": txHash,
	}
}

func TestPoll_IngestsNewTrades(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	*f.trades = []map[string]any{
		tradeJSON("0xAAA", now-60),
		tradeJSON("0xBBB", now-30),
	}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pending, err := f.ledger.PendingTrades(10, 3)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(pending))
	}
	// 数字字段的字符串/数字两种形态都要解析
	if pending[0].Size != 20.0 || pending[0].Price != 0.5 || pending[0].UsdcSize != 10.0 {
		t.Fatalf("numeric fields wrong: %+v", pending[0])
	}
}

// 同一批数据轮询多次不会重复入账
func TestPoll_Idempotent(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	*f.trades = []map[string]any{tradeJSON("0xAAA", now-60)}

	for i := 0; i < 3; i++ {
		if err := f.monitor.Poll(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
	}

	pending, _ := f.ledger.PendingTrades(10, 3)
	if len(pending) != 1 {
		t.Fatalf("expected 1 trade after repeated polls, got %d", len(pending))
	}
}

// feed 换 txHash 重发同一条成交：模糊去重挡住
func TestPoll_FuzzyDedup(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	a := tradeJSON("0xAAA", now-60)
	b := tradeJSON("0xBBB", now-60) // 其余字段与 a 完全一致
	*f.trades = []map[string]any{a, b}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pending, _ := f.ledger.PendingTrades(10, 3)
	if len(pending) != 1 {
		t.Fatalf("fuzzy dedup failed: got %d records", len(pending))
	}
}

func TestPoll_FiltersOldAndNonTrade(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()

	old := tradeJSON("0xOLD", now-48*3600)
	redeem := tradeJSON("0xRED", now-60)
	redeem["type"] = "REDEEM"
	fresh := tradeJSON("0xNEW", now-60)

	*f.trades = []map[string]any{old, redeem, fresh}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pending, _ := f.ledger.PendingTrades(10, 3)
	if len(pending) != 1 {
		t.Fatalf("expected only the fresh trade, got %d", len(pending))
	}
	if pending[0].TxHash != "0xNEW" {
		t.Fatalf("wrong trade kept: %s", pending[0].TxHash)
	}
}

func TestPoll_SyncsPositions(t *testing.T) {
	f := newFixture(t)
	*f.positions = []map[string]any{
		{
			"proxyWallet":  trackedAddr,
			"asset":        "123456",
			"conditionId":  "0xcond1",
			"size":         "50",
			"curPrice":     0.7,
			"outcome":      "Yes",
			"outcomeIndex": 0,
			"title":        "test market",
			"redeemable":   true,
		},
	}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	p, err := f.ledger.Position("0xcond1")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if p == nil || p.Size != 50.0 || !p.Redeemable {
		t.Fatalf("position snapshot wrong: %+v", p)
	}
}

func TestSkipPastTrades(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	*f.trades = []map[string]any{tradeJSON("0xAAA", now-60)}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	n, err := f.monitor.SkipPastTrades()
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 skipped, got %d", n)
	}

	pending, _ := f.ledger.PendingTrades(10, 3)
	if len(pending) != 0 {
		t.Fatalf("skipped trades should not be pending")
	}

	rec, _ := f.ledger.GetTrade("0xAAA")
	if rec.Status != ledger.StatusPreExisting {
		t.Fatalf("expected PRE_EXISTING, got %s", rec.Status)
	}
}

// 启动前的交易入账即带上区分标记，和实时交易分得开
func TestPoll_TagsPreStartTrades(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	f.monitor.startedAt = now - 600

	*f.trades = []map[string]any{
		tradeJSON("0xPRE", now-3600), // 启动前
		tradeJSON("0xLIVE", now-60),  // 启动后
	}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	pre, _ := f.ledger.GetTrade("0xPRE")
	if pre.Status != ledger.StatusPreExisting {
		t.Fatalf("pre-start trade should carry PRE_EXISTING, got %q", pre.Status)
	}
	if pre.Processed {
		t.Fatalf("pre-start trade stays pending outside skip mode")
	}

	live, _ := f.ledger.GetTrade("0xLIVE")
	if live.Status != "" {
		t.Fatalf("live trade should have no status, got %q", live.Status)
	}
}

// 跳过模式下，feed 迟到送达的启动前交易入账即退役，不进执行队列
func TestPoll_SkipModeRetiresLatePreStart(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()

	if _, err := f.monitor.SkipPastTrades(); err != nil {
		t.Fatalf("skip: %v", err)
	}

	*f.trades = []map[string]any{tradeJSON("0xLATE", now-3600)}
	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	rec, _ := f.ledger.GetTrade("0xLATE")
	if !rec.Processed || rec.Status != ledger.StatusPreExisting {
		t.Fatalf("late pre-start trade should be retired on insert: %+v", rec)
	}

	pending, _ := f.ledger.PendingTrades(10, 3)
	if len(pending) != 0 {
		t.Fatalf("late pre-start trade must not reach the executor queue")
	}
}

// 新交易入账会发出唤醒信号
func TestPoll_EmitsWakeSignal(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()
	*f.trades = []map[string]any{tradeJSON("0xAAA", now-60)}

	if err := f.monitor.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	select {
	case <-f.monitor.Wake().C():
	default:
		t.Fatalf("expected wake signal after new trade")
	}
}
