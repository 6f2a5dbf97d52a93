// Package engine 订单定价与重试引擎：给定一笔要复制的交易意图，
// 逐档吃单直到目标填满或命中终止条件。纯决策逻辑，订单簿和下单
// 都通过接口注入，单次迭代可确定性测试。
package engine

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	clobtypes "github.com/betbot/copycat/clob/types"
	"github.com/betbot/copycat/pkg/logger"
)

// 终态错误分类。执行器据此决定台账状态。
var (
	// ErrNoLiquidity 订单簿对手方向没有挂单
	ErrNoLiquidity = errors.New("订单簿无流动性")

	// ErrPriceMoved 最优价偏离参考价超过滑点容忍度（仅买入）
	ErrPriceMoved = errors.New("价格偏离参考价过远")

	// ErrOrderTooSmall 剩余金额低于交易所最小订单值
	ErrOrderTooSmall = errors.New("订单金额低于最小值")

	// ErrInsufficientBalance 交易所报余额/授权不足（买入）
	ErrInsufficientBalance = errors.New("余额不足")

	// ErrInsufficientTokens 交易所报持仓代币不足（卖出）
	ErrInsufficientTokens = errors.New("持仓代币不足")

	// ErrAllowance 交易所报授权类错误（区别于余额不足）
	ErrAllowance = errors.New("授权额度异常")

	// ErrRetryExhausted 重试次数用尽
	ErrRetryExhausted = errors.New("重试次数用尽")
)

// 交易所精度：FOK 订单价格 2 位小数，数量 4 位小数。
// 全部使用截断而非四舍五入，保证永远不会请求超出预算的量。
const (
	priceDecimals = 2
	sizeDecimals  = 4
)

// BookSource 订单簿来源
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*clobtypes.OrderBookSummary, error)
}

// OrderPoster 以 FOK 语义提交订单。返回 nil 表示订单完整成交；
// 余额/授权类失败应返回 ErrInsufficientBalance / ErrInsufficientTokens。
type OrderPoster interface {
	PostFOK(ctx context.Context, tokenID string, side clobtypes.Side, size, price float64) error
}

// Config 引擎参数
type Config struct {
	// MaxRetries 单笔交易的吃单重试上限（成功成交会重置计数）
	MaxRetries int

	// SlippageTolerance 买入滑点护栏：bestAsk − refPrice 超过该值即放弃
	SlippageTolerance float64

	// MinOrderUSDC 交易所最小订单金额
	MinOrderUSDC float64

	// AttemptDelay 两次吃单尝试之间的间隔
	AttemptDelay time.Duration
}

// Engine 订单定价与重试引擎
type Engine struct {
	books  BookSource
	poster OrderPoster
	cfg    Config
}

// New 创建引擎
func New(books BookSource, poster OrderPoster, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.SlippageTolerance <= 0 {
		cfg.SlippageTolerance = 0.20
	}
	if cfg.MinOrderUSDC <= 0 {
		cfg.MinOrderUSDC = 1.0
	}
	return &Engine{books: books, poster: poster, cfg: cfg}
}

// Result 一次引擎调用的成交汇总
type Result struct {
	FilledUSDC   float64
	FilledTokens float64
	Attempts     int
}

// truncate 截断到指定小数位（不四舍五入）
func truncate(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Truncate(places).InexactFloat64()
}

// level 解析后的单个价格档
type level struct {
	price float64
	size  float64
}

// bestLevel 扫描订单簿选出最优对手档：买入取最低卖价，卖出取最高买价。
// 不假设 API 返回的档位顺序。
func bestLevel(book *clobtypes.OrderBookSummary, side clobtypes.Side) (level, bool) {
	var levels []clobtypes.OrderSummary
	if side == clobtypes.SideBuy {
		levels = book.Asks
	} else {
		levels = book.Bids
	}

	best := level{}
	found := false
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil || size <= 0 {
			continue
		}
		if !found {
			best = level{price: price, size: size}
			found = true
			continue
		}
		if side == clobtypes.SideBuy && price < best.price {
			best = level{price: price, size: size}
		}
		if side == clobtypes.SideSell && price > best.price {
			best = level{price: price, size: size}
		}
	}
	return best, found
}

// Buy 按 USDC 目标金额买入。refPrice 是源交易的成交价，用于滑点护栏。
func (e *Engine) Buy(ctx context.Context, tokenID string, usdcTarget, refPrice float64) (*Result, error) {
	res := &Result{}
	remaining := usdcTarget
	retries := 0

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// 每次尝试都重新读订单簿：成交可行性只以实时簿为准
		book, err := e.books.GetOrderBook(ctx, tokenID)
		if err != nil {
			retries++
			if retries >= e.cfg.MaxRetries {
				return res, ErrRetryExhausted
			}
			e.sleep(ctx)
			continue
		}

		best, ok := bestLevel(book, clobtypes.SideBuy)
		if !ok {
			return res, ErrNoLiquidity
		}

		// 滑点护栏：信号产生时的价格已不可复制，放弃而不是追价
		if best.price-refPrice > e.cfg.SlippageTolerance {
			logger.Warnf("[engine] 买入放弃 token=%s 最优卖价 %.4f 参考价 %.4f 超出容忍 %.2f",
				shortID(tokenID), best.price, refPrice, e.cfg.SlippageTolerance)
			return res, ErrPriceMoved
		}

		price := truncate(best.price, priceDecimals)
		if price <= 0 {
			return res, ErrNoLiquidity
		}

		// 只吃当前最优一档，最坏价格被限定在决策时的盘口
		tokens := truncate(remaining/best.price, sizeDecimals)
		if tokens > best.size {
			tokens = truncate(best.size, sizeDecimals)
		}

		notional := tokens * price
		if notional < e.cfg.MinOrderUSDC {
			return res, ErrOrderTooSmall
		}

		res.Attempts++
		err = e.poster.PostFOK(ctx, tokenID, clobtypes.SideBuy, tokens, price)
		if err != nil {
			if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientTokens) || errors.Is(err, ErrAllowance) {
				return res, err
			}
			retries++
			logger.Warnf("[engine] 买入下单失败 token=%s 第 %d/%d 次: %v",
				shortID(tokenID), retries, e.cfg.MaxRetries, err)
			if retries >= e.cfg.MaxRetries {
				return res, ErrRetryExhausted
			}
			e.sleep(ctx)
			continue
		}

		// FOK 成交即全额成交
		res.FilledUSDC += notional
		res.FilledTokens += tokens
		remaining -= notional
		retries = 0
		logger.Infof("[engine] 买入成交 token=%s 数量 %.4f @ %.2f 剩余 $%.2f",
			shortID(tokenID), tokens, price, remaining)

		if remaining < e.cfg.MinOrderUSDC {
			// 剩余不足以构成合法订单，视为填满
			break
		}
	}

	return res, nil
}

// Sell 按代币数量卖出
func (e *Engine) Sell(ctx context.Context, tokenID string, tokenTarget float64) (*Result, error) {
	res := &Result{}
	remaining := truncate(tokenTarget, sizeDecimals)
	retries := 0

	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		book, err := e.books.GetOrderBook(ctx, tokenID)
		if err != nil {
			retries++
			if retries >= e.cfg.MaxRetries {
				return res, ErrRetryExhausted
			}
			e.sleep(ctx)
			continue
		}

		best, ok := bestLevel(book, clobtypes.SideSell)
		if !ok {
			return res, ErrNoLiquidity
		}

		price := truncate(best.price, priceDecimals)
		if price <= 0 {
			return res, ErrNoLiquidity
		}

		tokens := remaining
		if tokens > best.size {
			tokens = truncate(best.size, sizeDecimals)
		}

		notional := tokens * price
		if notional < e.cfg.MinOrderUSDC {
			return res, ErrOrderTooSmall
		}

		res.Attempts++
		err = e.poster.PostFOK(ctx, tokenID, clobtypes.SideSell, tokens, price)
		if err != nil {
			if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInsufficientTokens) || errors.Is(err, ErrAllowance) {
				return res, err
			}
			retries++
			logger.Warnf("[engine] 卖出下单失败 token=%s 第 %d/%d 次: %v",
				shortID(tokenID), retries, e.cfg.MaxRetries, err)
			if retries >= e.cfg.MaxRetries {
				return res, ErrRetryExhausted
			}
			e.sleep(ctx)
			continue
		}

		res.FilledTokens += tokens
		res.FilledUSDC += notional
		remaining = truncate(remaining-tokens, sizeDecimals)
		retries = 0
		logger.Infof("[engine] 卖出成交 token=%s 数量 %.4f @ %.2f 剩余 %.4f",
			shortID(tokenID), tokens, price, remaining)
	}

	return res, nil
}

// Liquidate 清仓：卖出整个持仓（sell_all 模式）
func (e *Engine) Liquidate(ctx context.Context, tokenID string, size float64) (*Result, error) {
	return e.Sell(ctx, tokenID, size)
}

func (e *Engine) sleep(ctx context.Context) {
	delay := e.cfg.AttemptDelay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// shortID 日志里截短 token ID
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
