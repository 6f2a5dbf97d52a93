// Package monitor 轮询被跟踪钱包的交易活动，把新交易写入台账，
// 同时维护对方的仓位快照。只负责观察和记账，不做任何下单决策。
package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/betbot/copycat/internal/feed"
	"github.com/betbot/copycat/internal/ledger"
	"github.com/betbot/copycat/pkg/config"
	"github.com/betbot/copycat/pkg/logger"
	"github.com/betbot/copycat/pkg/sigchan"
)

// Monitor 交易监控器
type Monitor struct {
	feed    *feed.Client
	ledger  *ledger.Ledger
	tracked string
	cfg     config.MonitorConfig

	// startedAt 用于区分启动前的历史交易。feed 是最终一致的，
	// 历史交易可能在启动后很久才送达，只能按时间戳判断。
	startedAt int64

	// skipPreStart 为真时历史交易入账即标记已处理，不进执行队列
	skipPreStart bool

	// wake 有新交易入账时通知执行器，省掉一个轮询周期的延迟
	wake *sigchan.Chan
}

// New 创建监控器
func New(feedClient *feed.Client, l *ledger.Ledger, tracked string, cfg config.MonitorConfig) *Monitor {
	return &Monitor{
		feed:      feedClient,
		ledger:    l,
		tracked:   strings.ToLower(tracked),
		cfg:       cfg,
		startedAt: time.Now().Unix(),
		wake:      sigchan.New(1),
	}
}

// Wake 返回新交易信号 channel，供执行器 select
func (m *Monitor) Wake() *sigchan.Chan {
	return m.wake
}

// Run 周期轮询直到 ctx 取消。单次轮询失败只记日志，下个周期重试。
func (m *Monitor) Run(ctx context.Context) {
	logger.Infof("[monitor] 启动，跟踪地址 %s，轮询间隔 %s", m.tracked, m.cfg.Interval)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// 启动后立即做一次，不等第一个 tick
	if err := m.Poll(ctx); err != nil {
		logger.Errorf("[monitor] 轮询失败: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Infof("[monitor] 停止")
			return
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				logger.Errorf("[monitor] 轮询失败: %v", err)
			}
		}
	}
}

// Poll 执行一次完整轮询：拉活动、入账新交易、刷新仓位快照
func (m *Monitor) Poll(ctx context.Context) error {
	trades, err := m.feed.Activity(ctx, m.tracked, m.cfg.ActivityLimit, 0)
	if err != nil {
		return err
	}

	ingested := 0
	for i := range trades {
		ok, err := m.ingest(&trades[i])
		if err != nil {
			logger.Errorf("[monitor] 入账失败 tx=%s: %v", trades[i].TransactionHash, err)
			continue
		}
		if ok {
			ingested++
		}
	}
	if ingested > 0 {
		logger.Infof("[monitor] 新入账 %d 条交易", ingested)
		m.wake.Emit()
	}

	if err := m.syncPositions(ctx); err != nil {
		// 仓位快照是赎回引擎的输入，失败不影响交易入账
		logger.Warnf("[monitor] 同步仓位快照失败: %v", err)
	}

	return nil
}

// ingest 把一条 feed 交易写入台账，返回是否实际写入。
// 去重两层：txHash 主键精确去重，再用字段组合模糊去重
// （feed 偶尔会换一个 txHash 重发同一条成交）。
func (m *Monitor) ingest(t *feed.Trade) (bool, error) {
	if t.Type != feed.TypeTrade {
		return false, nil
	}
	if t.TransactionHash == "" {
		logger.Warnf("[monitor] 丢弃无交易哈希的活动记录 asset=%s", t.Asset)
		return false, nil
	}

	// 过老的交易不复制：行情早就变了，照抄只会买在错误的价格上
	if m.cfg.MaxAgeHours > 0 {
		cutoff := time.Now().Add(-time.Duration(m.cfg.MaxAgeHours) * time.Hour).Unix()
		if t.Timestamp < cutoff {
			return false, nil
		}
	}

	exists, err := m.ledger.HasTrade(t.TransactionHash)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	rec := &ledger.TradeRecord{
		TxHash:       t.TransactionHash,
		ConditionID:  t.ConditionID,
		Asset:        t.Asset,
		Side:         strings.ToUpper(t.Side),
		Size:         t.Size.Float64(),
		Price:        t.Price.Float64(),
		UsdcSize:     t.UsdcSize.Float64(),
		Title:        t.Title,
		Outcome:      t.Outcome,
		OutcomeIndex: t.OutcomeIndex,
		Timestamp:    t.Timestamp,
	}

	// 启动前的交易入账即打上区分标记，跳过模式下直接退役
	if t.Timestamp < m.startedAt {
		rec.Status = ledger.StatusPreExisting
		if m.skipPreStart {
			rec.Processed = true
		}
	}

	dup, err := m.ledger.FindDuplicate(rec)
	if err != nil {
		return false, err
	}
	if dup {
		logger.Debugf("[monitor] 模糊去重命中 tx=%s ts=%d", t.TransactionHash, t.Timestamp)
		return false, nil
	}

	if err := m.ledger.PutTrade(rec); err != nil {
		return false, err
	}
	logger.Infof("[monitor] 记录交易 %s %s %.4f @ %.4f ($%.2f) %s",
		rec.Side, rec.Outcome, rec.Size, rec.Price, rec.UsdcSize, rec.Title)
	return true, nil
}

// syncPositions 用 feed 的仓位接口整体刷新快照
func (m *Monitor) syncPositions(ctx context.Context) error {
	positions, err := m.feed.Positions(ctx, m.tracked)
	if err != nil {
		return err
	}

	for i := range positions {
		p := &positions[i]
		snap := &ledger.PositionSnapshot{
			Asset:        p.Asset,
			ConditionID:  p.ConditionID,
			Size:         p.Size.Float64(),
			CurPrice:     p.CurPrice.Float64(),
			Outcome:      p.Outcome,
			OutcomeIndex: p.OutcomeIndex,
			Title:        p.Title,
			Redeemable:   p.Redeemable,
		}
		if err := m.ledger.UpsertPosition(snap); err != nil {
			logger.Errorf("[monitor] 更新仓位快照失败 condition=%s: %v", p.ConditionID, err)
		}
	}
	logger.Debugf("[monitor] 同步 %d 条仓位快照", len(positions))
	return nil
}

// SkipPastTrades 把台账里当前全部未处理记录标记为历史交易，
// 并让之后迟到的启动前交易入账即退役。启动时调用一次
// （skip_past_trades 模式），在第一次 Poll 之后执行才能覆盖到
// 刚拉回来的存量记录。
func (m *Monitor) SkipPastTrades() (int, error) {
	m.skipPreStart = true
	n, err := m.ledger.MarkAllProcessed()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("[monitor] 跳过 %d 条历史交易", n)
	}
	return n, nil
}
