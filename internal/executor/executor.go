// Package executor 交易执行循环：从台账取待处理交易，做资金前置检查
// 和仓位缩放，然后交给下单引擎。台账状态机的唯一写入方（Processed /
// AttemptCount / Status 字段）。
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/betbot/copycat/internal/engine"
	"github.com/betbot/copycat/internal/ledger"
	"github.com/betbot/copycat/pkg/config"
	"github.com/betbot/copycat/pkg/logger"
	"github.com/betbot/copycat/pkg/sigchan"
)

// Oracle 链上余额/授权查询
type Oracle interface {
	BalanceOf(ctx context.Context, addr common.Address) (float64, error)
	Allowance(ctx context.Context, owner common.Address) (float64, error)
	InvalidateAllowance(owner common.Address)
	ConditionalTokenBalance(ctx context.Context, owner common.Address, tokenID string) (float64, error)
}

// OrderEngine 下单引擎入口
type OrderEngine interface {
	Buy(ctx context.Context, tokenID string, usdcTarget, refPrice float64) (*engine.Result, error)
	Sell(ctx context.Context, tokenID string, tokenTarget float64) (*engine.Result, error)
}

// Executor 交易执行器
type Executor struct {
	ledger  *ledger.Ledger
	oracle  Oracle
	engine  OrderEngine
	cfg     config.ExecutorConfig
	own     common.Address
	tracked common.Address

	// wake 由监控器在新交易入账时触发，提前结束 tick 等待
	wake *sigchan.Chan

	emptyTicks int
}

// New 创建执行器。wake 可为 nil（纯轮询模式）。
func New(l *ledger.Ledger, oracle Oracle, eng OrderEngine, own, tracked common.Address, cfg config.ExecutorConfig, wake *sigchan.Chan) *Executor {
	return &Executor{
		ledger:  l,
		oracle:  oracle,
		engine:  eng,
		cfg:     cfg,
		own:     own,
		tracked: tracked,
		wake:    wake,
	}
}

// Run 执行循环直到 ctx 取消。tick 出错时用更长的退避再继续。
func (e *Executor) Run(ctx context.Context) {
	logger.Infof("[executor] 启动，自有钱包 %s，轮询间隔 %s", e.own.Hex(), e.cfg.Interval)

	for {
		delay := e.cfg.Interval
		if err := e.Tick(ctx); err != nil {
			logger.Errorf("[executor] tick 失败: %v", err)
			delay = e.cfg.ErrorBackoff
		}

		var wakeC <-chan struct{}
		if e.wake != nil {
			wakeC = e.wake.C()
		}
		select {
		case <-ctx.Done():
			logger.Infof("[executor] 停止")
			return
		case <-time.After(delay):
		case <-wakeC:
			logger.Debugf("[executor] 收到新交易信号，立即处理")
		}
	}
}

// Tick 处理一批待执行交易。批内按原始时间戳升序逐笔执行，
// 保证复制顺序与源钱包下单顺序一致。
func (e *Executor) Tick(ctx context.Context) error {
	pending, err := e.ledger.PendingTrades(e.cfg.BatchSize, e.cfg.RetryLimit)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		e.emptyTicks++
		if e.cfg.ResetAfterEmptyTicks > 0 && e.emptyTicks >= e.cfg.ResetAfterEmptyTicks {
			e.emptyTicks = 0
			n, err := e.ledger.ResetTransientFailures()
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Infof("[executor] 队列空闲 %d 个周期，复活 %d 条瞬态失败记录重新尝试",
					e.cfg.ResetAfterEmptyTicks, n)
			}
		}
		return nil
	}
	e.emptyTicks = 0

	runID := uuid.NewString()[:8]
	logger.Infof("[executor] run=%s 本批 %d 笔待处理", runID, len(pending))

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.process(ctx, runID, &pending[i])

		// 逐笔之间留间隔，避免自己触发限流
		if i < len(pending)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.TradeDelay):
			}
		}
	}
	return nil
}

// process 处理单笔交易，状态落库，错误不外抛（逐笔独立）
func (e *Executor) process(ctx context.Context, runID string, rec *ledger.TradeRecord) {
	attemptID := runID + "/" + uuid.NewString()[:8]
	logger.Infof("[executor] attempt=%s tx=%s %s %s $%.2f (第 %d 次)",
		attemptID, rec.TxHash, rec.Side, rec.Outcome, rec.UsdcSize, rec.AttemptCount+1)

	switch rec.Side {
	case "BUY":
		e.processBuy(ctx, attemptID, rec)
	case "SELL":
		e.processSell(ctx, attemptID, rec)
	default:
		logger.Warnf("[executor] attempt=%s 未知方向 %q，标记终态", attemptID, rec.Side)
		e.markTerminal(rec, ledger.StatusRetryExhausted)
	}
}

func (e *Executor) processBuy(ctx context.Context, attemptID string, rec *ledger.TradeRecord) {
	ownBalance, err := e.oracle.BalanceOf(ctx, e.own)
	if err != nil {
		logger.Errorf("[executor] attempt=%s 查询自有余额失败: %v", attemptID, err)
		e.bumpAttempt(rec)
		return
	}
	trackedBalance, err := e.oracle.BalanceOf(ctx, e.tracked)
	if err != nil {
		logger.Errorf("[executor] attempt=%s 查询被跟踪钱包余额失败: %v", attemptID, err)
		e.bumpAttempt(rec)
		return
	}
	allowance, err := e.oracle.Allowance(ctx, e.own)
	if err != nil {
		logger.Errorf("[executor] attempt=%s 查询授权失败: %v", attemptID, err)
		e.bumpAttempt(rec)
		return
	}

	// 授权低于余额说明交易所花不动全部资金，继续重试没有意义，
	// 留给操作者补授权后由瞬态重置机制复活
	if allowance < ownBalance {
		logger.Warnf("[executor] attempt=%s 授权不足: allowance=%.2f balance=%.2f，标记终态",
			attemptID, allowance, ownBalance)
		e.oracle.InvalidateAllowance(e.own)
		e.markTerminal(rec, ledger.StatusFailedAllowanceTooLow)
		return
	}

	notional := e.sizeBuy(rec.UsdcSize, ownBalance, trackedBalance)
	if notional < e.cfg.DustThreshold {
		logger.Infof("[executor] attempt=%s 缩放后金额 $%.4f 低于粉尘阈值，跳过", attemptID, notional)
		e.markTerminal(rec, ledger.StatusSkippedDust)
		return
	}

	res, err := e.engine.Buy(ctx, rec.Asset, notional, rec.Price)
	e.settle(attemptID, rec, res, err)
}

func (e *Executor) processSell(ctx context.Context, attemptID string, rec *ledger.TradeRecord) {
	// 卖出按代币数量复制，上限是自己实际持有的数量
	held, err := e.oracle.ConditionalTokenBalance(ctx, e.own, rec.Asset)
	if err != nil {
		logger.Errorf("[executor] attempt=%s 查询持仓失败: %v", attemptID, err)
		e.bumpAttempt(rec)
		return
	}
	if held <= 0 {
		logger.Infof("[executor] attempt=%s 没有对应持仓，无可卖出", attemptID)
		e.markTerminal(rec, ledger.StatusInsufficientTokens)
		return
	}

	target := rec.Size
	if target > held {
		target = held
	}

	res, err := e.engine.Sell(ctx, rec.Asset, target)
	e.settle(attemptID, rec, res, err)
}

// sizeBuy 先缩放后封顶（顺序固定）：
//  1. 自有余额低于源钱包时按比例缩放，再乘风险系数；
//  2. 结果超过余额的 capTrigger 倍时压到 capRatio 倍，
//     留出滑点和手续费的缓冲。
func (e *Executor) sizeBuy(sourceNotional, ownBalance, trackedBalance float64) float64 {
	notional := sourceNotional
	if trackedBalance > 0 && ownBalance < trackedBalance {
		notional = sourceNotional * (ownBalance / trackedBalance)
	}
	notional *= e.cfg.RiskRatio

	if notional > e.cfg.CapTrigger*ownBalance {
		notional = e.cfg.CapRatio * ownBalance
	}
	return notional
}

// settle 把引擎结果映射为台账状态
func (e *Executor) settle(attemptID string, rec *ledger.TradeRecord, res *engine.Result, err error) {
	if err == nil {
		logger.Infof("[executor] attempt=%s 复制成功: %.4f 代币 / $%.2f（%d 次成交）",
			attemptID, res.FilledTokens, res.FilledUSDC, res.Attempts)
		if err := e.ledger.MarkSuccess(rec.TxHash); err != nil {
			logger.Errorf("[executor] 标记成功失败 tx=%s: %v", rec.TxHash, err)
		}
		return
	}

	status, terminal := classify(err)
	if terminal {
		logger.Warnf("[executor] attempt=%s 终态失败 %s: %v", attemptID, status, err)
		if status == ledger.StatusFailedAllowanceIssue || status == ledger.StatusInsufficientBalance {
			// 交易所侧报余额/授权问题，本地缓存已不可信
			e.oracle.InvalidateAllowance(e.own)
		}
		e.markTerminal(rec, status)
		return
	}

	logger.Warnf("[executor] attempt=%s 失败将重试: %v", attemptID, err)
	e.bumpAttempt(rec)
}

// classify 引擎错误到台账状态的映射。terminal=false 表示留在队列重试。
func classify(err error) (ledger.Status, bool) {
	switch {
	case errors.Is(err, engine.ErrInsufficientBalance):
		return ledger.StatusInsufficientBalance, true
	case errors.Is(err, engine.ErrInsufficientTokens):
		return ledger.StatusInsufficientTokens, true
	case errors.Is(err, engine.ErrAllowance):
		return ledger.StatusFailedAllowanceIssue, true
	case errors.Is(err, engine.ErrOrderTooSmall):
		return ledger.StatusOrderTooSmall, true
	case errors.Is(err, engine.ErrPriceMoved):
		return ledger.StatusPriceMoved, true
	case errors.Is(err, engine.ErrNoLiquidity):
		return ledger.StatusNoLiquidity, true
	case errors.Is(err, engine.ErrRetryExhausted):
		// 留在队列里靠执行器自己的重试预算兜底，状态不落库
		return "", false
	default:
		return "", false
	}
}

func (e *Executor) markTerminal(rec *ledger.TradeRecord, status ledger.Status) {
	if err := e.ledger.MarkTerminal(rec.TxHash, status); err != nil {
		logger.Errorf("[executor] 标记终态失败 tx=%s: %v", rec.TxHash, err)
	}
}

func (e *Executor) bumpAttempt(rec *ledger.TradeRecord) {
	if err := e.ledger.BumpAttempt(rec.TxHash); err != nil {
		logger.Errorf("[executor] 递增重试计数失败 tx=%s: %v", rec.TxHash, err)
	}
}
