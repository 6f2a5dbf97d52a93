// Package chain 封装对 Polygon 的只读查询和结算交易：
// USDC 余额/授权、条件代币余额、oracle 赔付状态、redeemPositions。
// 多节点回退、有界重试、RPC 与合约回退错误分类都在这一层处理。
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	clobclient "github.com/betbot/copycat/clob/client"
	clobtypes "github.com/betbot/copycat/clob/types"
	"github.com/betbot/copycat/pkg/cache"
	"github.com/betbot/copycat/pkg/logger"
)

const (
	callTimeout  = 15 * time.Second
	callAttempts = 3
	callBackoff  = 2 * time.Second
)

// ErrConfirmTimeout 交易已提交但确认等待超时。
// 链上效果未知，绝不能自动用新交易重发。
var ErrConfirmTimeout = fmt.Errorf("交易确认等待超时")

// GasConfig redeem 交易的固定 gas 参数。
// Polygon 高负载时 gas 估算不可靠，这里完全绕过估算。
type GasConfig struct {
	GasLimit           uint64
	MaxPriorityFeeGwei int64
	MaxFeeGwei         int64
}

// Client 链访问客户端
type Client struct {
	pool       *Pool
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey

	collateral common.Address
	ctf        common.Address
	exchange   common.Address

	erc20ABI   abi.ABI
	erc1155ABI abi.ABI
	ctfABI     abi.ABI

	allowances *cache.AllowanceCache
}

// NewClient 创建链客户端。授权缓存 TTL 60 秒，创建时即为空
// （等价于启动时失效）。
func NewClient(rpcURLs []string, chainID clobtypes.Chain, privateKey *ecdsa.PrivateKey) (*Client, error) {
	pool, err := NewPool(rpcURLs)
	if err != nil {
		return nil, err
	}

	contracts, err := clobclient.GetContractConfig(chainID)
	if err != nil {
		return nil, fmt.Errorf("获取合约配置失败: %w", err)
	}

	erc20ABI, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC20 ABI失败: %w", err)
	}
	erc1155ABI, err := abi.JSON(strings.NewReader(ERC1155ABI))
	if err != nil {
		return nil, fmt.Errorf("解析ERC1155 ABI失败: %w", err)
	}
	ctfABI, err := abi.JSON(strings.NewReader(CTFABI))
	if err != nil {
		return nil, fmt.Errorf("解析CTF ABI失败: %w", err)
	}

	return &Client{
		pool:       pool,
		chainID:    big.NewInt(int64(chainID)),
		privateKey: privateKey,
		collateral: common.HexToAddress(contracts.Collateral),
		ctf:        common.HexToAddress(contracts.ConditionalTokens),
		exchange:   common.HexToAddress(contracts.Exchange),
		erc20ABI:   erc20ABI,
		erc1155ABI: erc1155ABI,
		ctfABI:     ctfABI,
		allowances: cache.NewAllowanceCache(60 * time.Second),
	}, nil
}

// call 带重试的只读合约调用：每次尝试 15 秒超时，
// RPC 类错误最多重试 3 次（2s/4s 退避）并记录节点失败；
// 合约回退立即返回。
func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < callAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(callBackoff * time.Duration(attempt)):
			}
		}

		eth, err := c.pool.Client()
		if err != nil {
			lastErr = err
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		out, err := eth.CallContract(cctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		cancel()
		if err == nil {
			return out, nil
		}

		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		c.pool.MarkFailure()
	}
	return nil, lastErr
}

// fromBase6 把链上整数转成 6 位小数的浮点（USDC 和条件代币都是 6 位精度）
func fromBase6(v *big.Int) float64 {
	f := new(big.Float).SetInt(v)
	f.Quo(f, new(big.Float).SetInt64(1_000_000))
	out, _ := f.Float64()
	return out
}

// BalanceOf 查询地址的 USDC 余额
func (c *Client) BalanceOf(ctx context.Context, addr common.Address) (float64, error) {
	data, err := c.erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return 0, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}

	result, err := c.call(ctx, c.collateral, data)
	if err != nil {
		return 0, fmt.Errorf("调用balanceOf失败: %w", err)
	}

	var balance *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}
	return fromBase6(balance), nil
}

// Allowance 查询 owner 授权给交易所合约的 USDC 额度。
// 结果带 60 秒缓存以限制 RPC 调用量；订单因授权失败时必须
// 调用 InvalidateAllowance。
func (c *Client) Allowance(ctx context.Context, owner common.Address) (float64, error) {
	key := strings.ToLower(owner.Hex())
	if cached, ok := c.allowances.Get(key); ok {
		return cached, nil
	}

	data, err := c.erc20ABI.Pack("allowance", owner, c.exchange)
	if err != nil {
		return 0, fmt.Errorf("打包allowance参数失败: %w", err)
	}

	result, err := c.call(ctx, c.collateral, data)
	if err != nil {
		return 0, fmt.Errorf("调用allowance失败: %w", err)
	}

	var allowance *big.Int
	if err := c.erc20ABI.UnpackIntoInterface(&allowance, "allowance", result); err != nil {
		return 0, fmt.Errorf("解析allowance结果失败: %w", err)
	}

	value := fromBase6(allowance)
	c.allowances.Set(key, value)
	return value, nil
}

// InvalidateAllowance 使指定地址的授权缓存失效
func (c *Client) InvalidateAllowance(owner common.Address) {
	c.allowances.Invalidate(strings.ToLower(owner.Hex()))
}

// ClearAllowanceCache 清空全部授权缓存（执行器启动时调用）
func (c *Client) ClearAllowanceCache() {
	c.allowances.Clear()
}

// ConditionalTokenBalance 查询地址持有的条件代币数量（tokenID 为十进制字符串）
func (c *Client) ConditionalTokenBalance(ctx context.Context, owner common.Address, tokenID string) (float64, error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return 0, fmt.Errorf("无效的 tokenID: %s", tokenID)
	}

	data, err := c.erc1155ABI.Pack("balanceOf", owner, id)
	if err != nil {
		return 0, fmt.Errorf("打包balanceOf参数失败: %w", err)
	}

	result, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return 0, fmt.Errorf("调用balanceOf失败: %w", err)
	}

	var balance *big.Int
	if err := c.erc1155ABI.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return 0, fmt.Errorf("解析balanceOf结果失败: %w", err)
	}
	return fromBase6(balance), nil
}

// PayoutDenominator 查询 oracle 的赔付分母，0 表示市场尚未结算
func (c *Client) PayoutDenominator(ctx context.Context, conditionID common.Hash) (*big.Int, error) {
	data, err := c.ctfABI.Pack("payoutDenominator", conditionID)
	if err != nil {
		return nil, fmt.Errorf("打包payoutDenominator参数失败: %w", err)
	}

	result, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return nil, fmt.Errorf("调用payoutDenominator失败: %w", err)
	}

	var denominator *big.Int
	if err := c.ctfABI.UnpackIntoInterface(&denominator, "payoutDenominator", result); err != nil {
		return nil, fmt.Errorf("解析payoutDenominator结果失败: %w", err)
	}
	return denominator, nil
}

// PayoutNumerator 查询某个结果索引的赔付分子，0 表示该结果未胜出
func (c *Client) PayoutNumerator(ctx context.Context, conditionID common.Hash, outcomeIndex int) (*big.Int, error) {
	data, err := c.ctfABI.Pack("payoutNumerators", conditionID, big.NewInt(int64(outcomeIndex)))
	if err != nil {
		return nil, fmt.Errorf("打包payoutNumerators参数失败: %w", err)
	}

	result, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return nil, fmt.Errorf("调用payoutNumerators失败: %w", err)
	}

	var numerator *big.Int
	if err := c.ctfABI.UnpackIntoInterface(&numerator, "payoutNumerators", result); err != nil {
		return nil, fmt.Errorf("解析payoutNumerators结果失败: %w", err)
	}
	return numerator, nil
}

// RedeemPositions 提交结算领取交易并返回交易哈希。
// 使用固定 gas 参数，不做估算；parentCollectionId 恒为零
// （Polymarket 二元市场）。
func (c *Client) RedeemPositions(ctx context.Context, conditionID common.Hash, indexSet *big.Int, gas GasConfig) (common.Hash, error) {
	data, err := c.ctfABI.Pack("redeemPositions",
		c.collateral,
		common.Hash{},
		conditionID,
		[]*big.Int{indexSet},
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("打包redeemPositions参数失败: %w", err)
	}

	eth, err := c.pool.Client()
	if err != nil {
		return common.Hash{}, err
	}

	fromAddress := crypto.PubkeyToAddress(c.privateKey.PublicKey)

	cctx, cancel := context.WithTimeout(ctx, callTimeout)
	nonce, err := eth.PendingNonceAt(cctx, fromAddress)
	cancel()
	if err != nil {
		c.pool.MarkFailure()
		return common.Hash{}, fmt.Errorf("获取nonce失败: %w", err)
	}

	gwei := big.NewInt(1_000_000_000)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Mul(big.NewInt(gas.MaxPriorityFeeGwei), gwei),
		GasFeeCap: new(big.Int).Mul(big.NewInt(gas.MaxFeeGwei), gwei),
		Gas:       gas.GasLimit,
		To:        &c.ctf,
		Value:     big.NewInt(0),
		Data:      data,
	})

	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}

	cctx, cancel = context.WithTimeout(ctx, callTimeout)
	err = eth.SendTransaction(cctx, signedTx)
	cancel()
	if err != nil {
		if ClassifyError(err) == ErrKindRPC {
			c.pool.MarkFailure()
		}
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}

	return signedTx.Hash(), nil
}

// WaitForReceipt 轮询等待交易确认。超时返回 ErrConfirmTimeout，
// 此时交易可能仍在 pending，调用方必须记录哈希而不是重发。
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*ethtypes.Receipt, error) {
	eth, err := c.pool.Client()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		cctx, cancel := context.WithTimeout(ctx, callTimeout)
		receipt, err := eth.TransactionReceipt(cctx, txHash)
		cancel()
		if err == nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			logger.Warnf("[chain] 交易 %s 确认超时，可能仍在 pending", txHash.Hex())
			return nil, ErrConfirmTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OwnAddress 返回签名私钥对应的地址
func (c *Client) OwnAddress() common.Address {
	return crypto.PubkeyToAddress(c.privateKey.PublicKey)
}
