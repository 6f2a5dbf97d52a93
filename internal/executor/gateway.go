package executor

import (
	"context"
	"fmt"
	"strings"

	clobclient "github.com/betbot/copycat/clob/client"
	clobtypes "github.com/betbot/copycat/clob/types"
	"github.com/betbot/copycat/internal/engine"
)

// Gateway 把 CLOB 客户端适配成引擎的下单接口，
// 并把交易所的余额/授权类报错翻译成引擎的终态错误。
type Gateway struct {
	client        *clobclient.Client
	funderAddress string
	signatureType clobtypes.SignatureType
}

// NewGateway 创建订单网关。funderAddress 为空时用 EOA 直接下单，
// 否则按 Gnosis Safe 代理钱包签名。
func NewGateway(client *clobclient.Client, funderAddress string) *Gateway {
	sigType := clobtypes.SignatureTypeBrowser
	if funderAddress != "" {
		sigType = clobtypes.SignatureTypeGnosisSafe
	}
	return &Gateway{
		client:        client,
		funderAddress: funderAddress,
		signatureType: sigType,
	}
}

// PostFOK 提交 FOK 订单。返回 nil 表示订单完整成交。
func (g *Gateway) PostFOK(ctx context.Context, tokenID string, side clobtypes.Side, size, price float64) error {
	resp, err := g.client.PlaceOrderFOKWithFunder(ctx, tokenID, side, size, price, nil, g.funderAddress, g.signatureType)
	if err != nil {
		return g.classify(side, err.Error(), err)
	}
	if !resp.Success {
		return g.classify(side, resp.ErrorMsg, fmt.Errorf("下单被拒绝: %s", resp.ErrorMsg))
	}
	return nil
}

// classify 识别交易所的资金类报错。CLOB 对买卖两个方向用同一句
// "not enough balance / allowance"，按订单方向区分是缺 USDC 还是缺代币；
// 只提授权不提余额的报错单独归类，提示操作者去补授权。
func (g *Gateway) classify(side clobtypes.Side, msg string, fallback error) error {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "allowance") && !strings.Contains(lower, "balance") {
		return fmt.Errorf("%w: %s", engine.ErrAllowance, msg)
	}
	if strings.Contains(lower, "not enough balance") || strings.Contains(lower, "allowance") {
		if side == clobtypes.SideBuy {
			return fmt.Errorf("%w: %s", engine.ErrInsufficientBalance, msg)
		}
		return fmt.Errorf("%w: %s", engine.ErrInsufficientTokens, msg)
	}
	return fallback
}
