package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/betbot/copycat/clob/signing"
	"github.com/betbot/copycat/clob/types"
)

// PostOrder 提交订单
func (c *Client) PostOrder(ctx context.Context, order *types.SignedOrder, orderType types.OrderType, deferExec bool) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	// 速率限制：等待直到允许请求
	if err := c.rateLimiter.Wait(ctx, "clob:order:post"); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	// 订单载荷：order 字段是完整的 SignedOrder，owner 是 API key
	orderPayload := types.NewOrder{
		Order:     *order,
		Owner:     c.authConfig.Creds.Key,
		OrderType: orderType,
		DeferExec: deferExec,
	}

	// HMAC 签名的 body 必须与实际发送的字节一致
	bodyBytes, err := json.Marshal(orderPayload)
	if err != nil {
		return nil, fmt.Errorf("序列化订单载荷失败: %w", err)
	}
	bodyStr := string(bodyBytes)

	if httpDebug {
		fmt.Printf("[HTTP DEBUG] Order Payload: %s\n", bodyStr)
	}

	l2HeaderArgs := &types.L2HeaderArgs{
		Method:      "POST",
		RequestPath: EndpointPostOrder,
		Body:        &bodyStr,
	}

	headers, err := signing.CreateL2Headers(
		c.authConfig.PrivateKey,
		c.authConfig.Creds,
		l2HeaderArgs,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("创建 L2 认证头失败: %w", err)
	}

	headerMap := map[string]string{
		"POLY_ADDRESS":    headers.PolyAddress,
		"POLY_SIGNATURE":  headers.PolySignature,
		"POLY_TIMESTAMP":  headers.PolyTimestamp,
		"POLY_API_KEY":    headers.PolyAPIKey,
		"POLY_PASSPHRASE": headers.PolyPassphrase,
	}

	resp, err := c.httpClient.post(EndpointPostOrder, headerMap, orderPayload)
	if err != nil {
		return nil, fmt.Errorf("提交订单失败: %w", err)
	}

	var orderResp types.OrderResponse
	if err := parseResponse(resp, &orderResp); err != nil {
		return nil, fmt.Errorf("解析订单响应失败: %w", err)
	}

	if httpDebug {
		respBytes, _ := json.Marshal(orderResp)
		fmt.Printf("[HTTP DEBUG] Order Response: %s\n", string(respBytes))
	}

	return &orderResp, nil
}

// CreateOrder 创建签名订单
func (c *Client) CreateOrder(ctx context.Context, req *types.UserOrder, options *types.CreateOrderOptions) (*types.SignedOrder, error) {
	return c.CreateOrderWithFunder(ctx, req, options, "", types.SignatureTypeBrowser)
}

// CreateOrderWithFunder 创建签名订单（支持指定 funderAddress 和 signatureType）
// Polymarket 网页钱包是 Gnosis Safe 代理，funderAddress 传代理地址、
// signatureType 传 SignatureTypeGnosisSafe
func (c *Client) CreateOrderWithFunder(ctx context.Context, req *types.UserOrder, options *types.CreateOrderOptions, funderAddress string, signatureType types.SignatureType) (*types.SignedOrder, error) {
	if c.authConfig.PrivateKey == nil {
		return nil, fmt.Errorf("私钥未设置，无法创建订单")
	}

	builder := NewOrderBuilder(c, signatureType, funderAddress)
	return builder.BuildOrder(ctx, req, options)
}

// ValidateFOKPrecision 验证 FOK/FAK 订单的精度要求
// FOK/FAK 要求：
//   - Price: 2位小数（tick size 0.01）
//   - Size: 4位小数
//   - Maker amount (USDC for buy): 2位小数
func ValidateFOKPrecision(size float64, price float64, side types.Side) error {
	if !hasMaxDecimals(price, 2) {
		return fmt.Errorf("FOK/FAK 订单价格必须是 2 位小数，当前: %.6f", price)
	}

	if !hasMaxDecimals(size, 4) {
		return fmt.Errorf("FOK/FAK 订单数量必须是 4 位小数，当前: %.6f", size)
	}

	if side == types.SideBuy {
		// USDC 是 6 位小数的代币，名义金额超过 6 位无法用基础单位表示
		usdcValue := size * price
		if !hasMaxDecimals(usdcValue, 6) {
			return fmt.Errorf("FOK/FAK 订单 USDC 金额必须是 6 位小数以内，当前: %.8f", usdcValue)
		}
	}

	return nil
}

// hasMaxDecimals 判断 v 的小数位数是否不超过 n。
// 浮点表示有误差，用容差比较而不是精确相等。
func hasMaxDecimals(v float64, n int) bool {
	scaled := v * math.Pow10(n)
	return math.Abs(scaled-math.Round(scaled)) < 1e-6
}

// PlaceOrderFOK 下 FOK 订单（Fill-Or-Kill）
// 必须全部成交，否则完全取消
func (c *Client) PlaceOrderFOK(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions) (*types.OrderResponse, error) {
	return c.PlaceOrderFOKWithFunder(ctx, tokenID, side, size, price, options, "", types.SignatureTypeBrowser)
}

// PlaceOrderFOKWithFunder 下 FOK 订单（支持 funderAddress）
//
// 注意: 调用方负责精度截断，这里只做校验。静默放大数量会导致
// 实际下单超出调用方预算，所以精度不符直接报错。
func (c *Client) PlaceOrderFOKWithFunder(ctx context.Context, tokenID string, side types.Side, size float64, price float64, options *types.CreateOrderOptions, funderAddress string, signatureType types.SignatureType) (*types.OrderResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	if err := ValidateFOKPrecision(size, price, side); err != nil {
		return nil, fmt.Errorf("FOK 订单精度验证失败: %w", err)
	}

	userOrder := &types.UserOrder{
		TokenID: tokenID,
		Side:    side,
		Size:    size,
		Price:   price,
	}

	signedOrder, err := c.CreateOrderWithFunder(ctx, userOrder, options, funderAddress, signatureType)
	if err != nil {
		return nil, fmt.Errorf("创建 FOK 订单失败: %w", err)
	}

	return c.PostOrder(ctx, signedOrder, types.OrderTypeFOK, false)
}
