package client

import (
	"context"
	"fmt"
	"strconv"

	"github.com/betbot/copycat/clob/signing"
	"github.com/betbot/copycat/clob/types"
)

// GetOrderBook 获取订单簿
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.OrderBookSummary, error) {
	if err := c.rateLimiter.Wait(ctx, "clob:book:get"); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	queryParams := map[string]string{
		"token_id": tokenID,
	}

	resp, err := c.httpClient.get(EndpointGetOrderBook, nil, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取订单簿失败: %w", err)
	}

	var book types.OrderBookSummary
	if err := parseResponse(resp, &book); err != nil {
		return nil, err
	}

	// 缓存 tick size 和 neg risk，下单时直接复用
	c.mu.Lock()
	if book.TickSize != "" {
		c.tickSizes[tokenID] = types.TickSize(book.TickSize)
	}
	c.negRisk[tokenID] = book.NegRisk
	c.mu.Unlock()

	return &book, nil
}

// GetPrice 获取指定方向的最优价格
func (c *Client) GetPrice(ctx context.Context, tokenID string, side types.Side) (float64, error) {
	if err := c.rateLimiter.Wait(ctx, "clob:price:get"); err != nil {
		return 0, fmt.Errorf("速率限制等待失败: %w", err)
	}

	queryParams := map[string]string{
		"token_id": tokenID,
		"side":     string(side),
	}

	resp, err := c.httpClient.get(EndpointGetPrice, nil, queryParams)
	if err != nil {
		return 0, fmt.Errorf("获取价格失败: %w", err)
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := parseResponse(resp, &payload); err != nil {
		return 0, err
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("解析价格失败: %w", err)
	}
	return price, nil
}

// GetTickSize 获取缓存的 tick size（未见过的 token 先拉一次订单簿）
func (c *Client) GetTickSize(ctx context.Context, tokenID string) (types.TickSize, error) {
	c.mu.Lock()
	ts, ok := c.tickSizes[tokenID]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}
	if _, err := c.GetOrderBook(ctx, tokenID); err != nil {
		return "", err
	}
	c.mu.Lock()
	ts, ok = c.tickSizes[tokenID]
	c.mu.Unlock()
	if ok {
		return ts, nil
	}
	return types.TickSize001, nil
}

// GetNegRisk 获取缓存的 neg risk 标记
func (c *Client) GetNegRisk(ctx context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	nr, ok := c.negRisk[tokenID]
	c.mu.Unlock()
	if ok {
		return nr, nil
	}
	if _, err := c.GetOrderBook(ctx, tokenID); err != nil {
		return false, err
	}
	c.mu.Lock()
	nr = c.negRisk[tokenID]
	c.mu.Unlock()
	return nr, nil
}

// GetBalanceAllowance 获取余额和授权
func (c *Client) GetBalanceAllowance(ctx context.Context, params *types.BalanceAllowanceParams) (*types.BalanceAllowanceResponse, error) {
	if err := c.CanL2Auth(); err != nil {
		return nil, err
	}

	queryParams := map[string]string{
		"asset_type": string(params.AssetType),
	}
	if params.TokenID != nil {
		queryParams["token_id"] = *params.TokenID
	}
	if params.SignatureType != nil {
		queryParams["signature_type"] = fmt.Sprintf("%d", int(*params.SignatureType))
	}

	// 构建 L2 认证头
	l2HeaderArgs := &types.L2HeaderArgs{
		Method:      "GET",
		RequestPath: EndpointGetBalanceAllowance,
		Body:        nil,
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

	resp, err := c.httpClient.get(EndpointGetBalanceAllowance, headerMap, queryParams)
	if err != nil {
		return nil, fmt.Errorf("获取余额和授权失败: %w", err)
	}

	var balance types.BalanceAllowanceResponse
	if err := parseResponse(resp, &balance); err != nil {
		return nil, err
	}

	return &balance, nil
}
