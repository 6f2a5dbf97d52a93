// Package tracker 指定市场模式：不跟单，而是盯住配置的市场列表，
// 当某个结果的价格越过概率阈值时按钱包比例买入。
package tracker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/copycat/internal/engine"
	"github.com/betbot/copycat/internal/stream"
	"github.com/betbot/copycat/pkg/config"
	"github.com/betbot/copycat/pkg/logger"
)

// quoteMaxAge 流行情超过该时长未更新就改走 REST
const quoteMaxAge = 30 * time.Second

// MarketStore 被跟踪市场的显式存储。所有增删都走方法，
// 没有包级可变状态。
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]config.TrackedMarket
}

// NewMarketStore 创建市场存储
func NewMarketStore(markets []config.TrackedMarket) *MarketStore {
	s := &MarketStore{markets: make(map[string]config.TrackedMarket, len(markets))}
	for _, m := range markets {
		s.Add(m)
	}
	return s
}

// Add 添加或覆盖一个市场
func (s *MarketStore) Add(m config.TrackedMarket) {
	if m.ConditionID == "" {
		return
	}
	s.mu.Lock()
	s.markets[strings.ToLower(m.ConditionID)] = m
	s.mu.Unlock()
}

// Remove 移除一个市场
func (s *MarketStore) Remove(conditionID string) {
	s.mu.Lock()
	delete(s.markets, strings.ToLower(conditionID))
	s.mu.Unlock()
}

// List 返回当前市场列表的拷贝
func (s *MarketStore) List() []config.TrackedMarket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]config.TrackedMarket, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m)
	}
	return out
}

// QuoteSource 实时盘口来源（行情流）
type QuoteSource interface {
	Quote(assetID string) (stream.Quote, bool)
}

// Oracle 链上余额查询
type Oracle interface {
	BalanceOf(ctx context.Context, addr common.Address) (float64, error)
	ConditionalTokenBalance(ctx context.Context, owner common.Address, tokenID string) (float64, error)
}

// OrderEngine 下单入口
type OrderEngine interface {
	Buy(ctx context.Context, tokenID string, usdcTarget, refPrice float64) (*engine.Result, error)
}

// Tracker 指定市场跟踪器
type Tracker struct {
	store  *MarketStore
	quotes QuoteSource
	books  engine.BookSource
	oracle Oracle
	engine OrderEngine
	own    common.Address
	cfg    config.TrackerConfig
}

// New 创建跟踪器。quotes 可为 nil（纯 REST 轮询）。
func New(store *MarketStore, quotes QuoteSource, books engine.BookSource, oracle Oracle, eng OrderEngine, own common.Address, cfg config.TrackerConfig) *Tracker {
	return &Tracker{
		store:  store,
		quotes: quotes,
		books:  books,
		oracle: oracle,
		engine: eng,
		own:    own,
		cfg:    cfg,
	}
}

// Run 周期检查直到 ctx 取消
func (t *Tracker) Run(ctx context.Context) {
	markets := t.store.List()
	logger.Infof("[tracker] 启动，跟踪 %d 个市场，阈值 %.2f，下注比例 %.0f%%",
		len(markets), t.cfg.Threshold, t.cfg.BetFraction*100)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("[tracker] 停止")
			return
		case <-ticker.C:
			if err := t.Scan(ctx); err != nil {
				logger.Errorf("[tracker] 扫描失败: %v", err)
			}
		}
	}
}

// Scan 对每个被跟踪市场做一轮检查
func (t *Tracker) Scan(ctx context.Context) error {
	for _, m := range t.store.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.checkMarket(ctx, &m)
	}
	return nil
}

// checkMarket 检查单个市场的两个方向
func (t *Tracker) checkMarket(ctx context.Context, m *config.TrackedMarket) {
	for _, tokenID := range []string{m.YesTokenID, m.NoTokenID} {
		if tokenID == "" {
			continue
		}

		ask, ok := t.bestAsk(ctx, tokenID)
		if !ok {
			continue
		}
		if ask < t.cfg.Threshold || ask >= 1 {
			continue
		}

		// 已经持有就不再加仓
		held, err := t.oracle.ConditionalTokenBalance(ctx, t.own, tokenID)
		if err != nil {
			logger.Warnf("[tracker] 查询持仓失败 token=%s: %v", tokenID, err)
			continue
		}
		if held > 0 {
			logger.Debugf("[tracker] token=%s 已有持仓 %.4f，跳过", tokenID, held)
			continue
		}

		balance, err := t.oracle.BalanceOf(ctx, t.own)
		if err != nil {
			logger.Warnf("[tracker] 查询余额失败: %v", err)
			continue
		}

		notional := balance * t.cfg.BetFraction
		logger.Infof("[tracker] %s 价格 %.3f 越过阈值 %.2f，买入 $%.2f",
			m.Title, ask, t.cfg.Threshold, notional)

		if _, err := t.engine.Buy(ctx, tokenID, notional, ask); err != nil {
			logger.Errorf("[tracker] 买入失败 %s: %v", m.Title, err)
		}
	}
}

// bestAsk 取最优卖价：优先用行情流的新鲜快照，过期或缺失时回退 REST
func (t *Tracker) bestAsk(ctx context.Context, tokenID string) (float64, bool) {
	if t.quotes != nil {
		if q, ok := t.quotes.Quote(tokenID); ok && q.BestAsk > 0 &&
			time.Since(q.UpdatedAt) < quoteMaxAge {
			return q.BestAsk, true
		}
	}

	book, err := t.books.GetOrderBook(ctx, tokenID)
	if err != nil {
		logger.Warnf("[tracker] 获取订单簿失败 token=%s: %v", tokenID, err)
		return 0, false
	}

	best := 0.0
	for _, l := range book.Asks {
		price, err := strconv.ParseFloat(l.Price, 64)
		if err != nil {
			continue
		}
		if best == 0 || price < best {
			best = price
		}
	}
	return best, best > 0
}
