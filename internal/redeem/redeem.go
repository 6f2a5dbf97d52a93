// Package redeem 赎回引擎：把已结算市场里的获胜仓位兑换回 USDC。
// 赎回是直接的链上交易（CTF redeemPositions），不经过 CLOB。
package redeem

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/betbot/copycat/internal/chain"
	"github.com/betbot/copycat/internal/feed"
	"github.com/betbot/copycat/pkg/config"
	"github.com/betbot/copycat/pkg/logger"
	"github.com/betbot/copycat/pkg/persistence"
)

// ClaimState 单个 condition 的赎回状态
type ClaimState string

const (
	// ClaimSubmitted 交易已发出但未见确认，禁止重复提交
	ClaimSubmitted ClaimState = "SUBMITTED"
	// ClaimDone 已确认赎回成功
	ClaimDone ClaimState = "DONE"
	// ClaimFailed 合约回退，人工介入前不再尝试
	ClaimFailed ClaimState = "FAILED"
)

// claimRecord 持久化的赎回记录
type claimRecord struct {
	State  ClaimState `json:"state"`
	TxHash string     `json:"txHash,omitempty"`
	Note   string     `json:"note,omitempty"`
}

// Chain 赎回所需的链上操作
type Chain interface {
	PayoutDenominator(ctx context.Context, conditionID common.Hash) (*big.Int, error)
	PayoutNumerator(ctx context.Context, conditionID common.Hash, outcomeIndex int) (*big.Int, error)
	RedeemPositions(ctx context.Context, conditionID common.Hash, indexSet *big.Int, gas chain.GasConfig) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*ethtypes.Receipt, error)
}

// PositionSource 待赎回仓位来源
type PositionSource interface {
	Positions(ctx context.Context, user string) ([]feed.Position, error)
}

// Engine 赎回引擎
type Engine struct {
	chain     Chain
	positions PositionSource
	owner     string
	cfg       config.RedeemConfig

	store  persistence.Store
	claims map[string]claimRecord
}

// New 创建赎回引擎。owner 是实际持有条件代币的地址
// （代理钱包模式下传 funder 地址）。
func New(ch Chain, positions PositionSource, owner string, cfg config.RedeemConfig, svc persistence.Service) *Engine {
	e := &Engine{
		chain:     ch,
		positions: positions,
		owner:     strings.ToLower(owner),
		cfg:       cfg,
		claims:    make(map[string]claimRecord),
	}
	if svc != nil {
		e.store = svc.NewStore("redeem", e.owner, "claims")
		if err := e.store.Load(&e.claims); err != nil && err != persistence.ErrNotExists {
			logger.Warnf("[redeem] 加载赎回状态失败，从空状态开始: %v", err)
		}
		if e.claims == nil {
			e.claims = make(map[string]claimRecord)
		}
	}
	return e
}

// DeriveIndexSet 计算二元市场的 indexSet：outcome 0 → 0b01，outcome 1 → 0b10
func DeriveIndexSet(outcomeIndex int) *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), uint(outcomeIndex))
}

// Run 周期性赎回循环
func (e *Engine) Run(ctx context.Context) {
	logger.Infof("[redeem] 启动，扫描间隔 %s", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	if err := e.RunOnce(ctx); err != nil {
		logger.Errorf("[redeem] 扫描失败: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Infof("[redeem] 停止")
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				logger.Errorf("[redeem] 扫描失败: %v", err)
			}
		}
	}
}

// RunOnce 做一轮完整的赎回扫描。单个仓位的失败不影响其他仓位。
func (e *Engine) RunOnce(ctx context.Context) error {
	positions, err := e.positions.Positions(ctx, e.owner)
	if err != nil {
		return err
	}

	claimable := make([]feed.Position, 0)
	for _, p := range positions {
		if p.Redeemable && p.Size.Float64() > 0 {
			claimable = append(claimable, p)
		}
	}
	if len(claimable) == 0 {
		logger.Debugf("[redeem] 没有可赎回仓位")
		return nil
	}
	logger.Infof("[redeem] 发现 %d 个可赎回仓位", len(claimable))

	for i, p := range claimable {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.claim(ctx, &p)

		if i < len(claimable)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.ClaimDelay):
			}
		}
	}
	return nil
}

// claim 赎回单个仓位
func (e *Engine) claim(ctx context.Context, p *feed.Position) {
	key := strings.ToLower(p.ConditionID)
	if rec, ok := e.claims[key]; ok {
		// SUBMITTED 也跳过：宁可少领一次也不能重复提交
		logger.Debugf("[redeem] condition=%s 已处理过（%s），跳过", key, rec.State)
		return
	}

	conditionID := common.HexToHash(p.ConditionID)

	// 链上结算校验：feed 的 redeemable 标志可能领先于 oracle 上报
	denominator, err := e.chain.PayoutDenominator(ctx, conditionID)
	if err != nil {
		logger.Warnf("[redeem] 查询 payoutDenominator 失败 condition=%s: %v", key, err)
		return
	}
	if denominator.Sign() == 0 {
		logger.Debugf("[redeem] condition=%s 尚未结算，跳过", key)
		return
	}

	numerator, err := e.chain.PayoutNumerator(ctx, conditionID, p.OutcomeIndex)
	if err != nil {
		logger.Warnf("[redeem] 查询 payoutNumerators 失败 condition=%s: %v", key, err)
		return
	}
	if numerator.Sign() == 0 {
		// 输掉的方向没有可领的钱，这不是错误
		logger.Debugf("[redeem] condition=%s outcome=%d 无赔付，跳过", key, p.OutcomeIndex)
		return
	}

	indexSet := DeriveIndexSet(p.OutcomeIndex)
	gas := chain.GasConfig{
		GasLimit:           e.cfg.GasLimit,
		MaxPriorityFeeGwei: e.cfg.MaxPriorityFeeGwei,
		MaxFeeGwei:         e.cfg.MaxFeeGwei,
	}

	logger.Infof("[redeem] 赎回 %s（%s）数量 %.4f", p.Title, p.Outcome, p.Size.Float64())

	var txHash common.Hash
	submitted := false
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		txHash, err = e.chain.RedeemPositions(ctx, conditionID, indexSet, gas)
		if err == nil {
			submitted = true
			break
		}
		if chain.ClassifyError(err) == chain.ErrKindRevert {
			logger.Errorf("[redeem] condition=%s 合约回退，标记失败: %v", key, err)
			e.setClaim(key, claimRecord{State: ClaimFailed, Note: err.Error()})
			return
		}
		logger.Warnf("[redeem] 提交赎回失败 condition=%s 第 %d/%d 次: %v", key, attempt, e.cfg.MaxAttempts, err)
		if attempt < e.cfg.MaxAttempts {
			// RPC 类错误：节点池内部已切换，退避后重试
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
	}
	if !submitted {
		logger.Errorf("[redeem] condition=%s 提交赎回重试耗尽", key)
		return
	}

	e.setClaim(key, claimRecord{State: ClaimSubmitted, TxHash: txHash.Hex()})

	receipt, err := e.chain.WaitForReceipt(ctx, txHash, e.cfg.ConfirmTimeout)
	if err != nil {
		if errors.Is(err, chain.ErrConfirmTimeout) {
			// 交易可能还在 pending，重复提交会双花 gas；留着哈希人工核对
			logger.Warnf("[redeem] condition=%s 确认超时，交易可能仍在链上等待: %s", key, txHash.Hex())
			return
		}
		logger.Errorf("[redeem] condition=%s 等待确认失败: %v", key, err)
		return
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		logger.Errorf("[redeem] condition=%s 赎回交易回退: %s", key, txHash.Hex())
		e.setClaim(key, claimRecord{State: ClaimFailed, TxHash: txHash.Hex(), Note: "交易回退"})
		return
	}

	logger.Infof("[redeem] 赎回成功 %s tx=%s", p.Title, txHash.Hex())
	e.setClaim(key, claimRecord{State: ClaimDone, TxHash: txHash.Hex()})
}

func (e *Engine) setClaim(key string, rec claimRecord) {
	e.claims[key] = rec
	if e.store != nil {
		if err := e.store.Save(e.claims); err != nil {
			logger.Errorf("[redeem] 保存赎回状态失败: %v", err)
		}
	}
}
