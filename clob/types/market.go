package types

// OrderBookSummary 订单簿摘要
type OrderBookSummary struct {
	Market       string         `json:"market"`
	AssetID      string         `json:"asset_id"`
	Timestamp    string         `json:"timestamp"`
	Bids         []OrderSummary `json:"bids"`
	Asks         []OrderSummary `json:"asks"`
	MinOrderSize string         `json:"min_order_size"`
	TickSize     string         `json:"tick_size"`
	NegRisk      bool           `json:"neg_risk"`
	Hash         string         `json:"hash"`
}

// OrderSummary 订单摘要
type OrderSummary struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BalanceAllowanceParams 余额和授权查询参数
type BalanceAllowanceParams struct {
	AssetType     AssetType
	TokenID       *string
	SignatureType *SignatureType // 可选：签名类型（0=EOA, 1=Magic, 2=GnosisSafe）
}

// BalanceAllowanceResponse 余额和授权响应
type BalanceAllowanceResponse struct {
	Balance             string            `json:"balance"`
	Allowance           string            `json:"allowance"`
	CollateralBalance   string            `json:"collateralBalance,omitempty"`   // 代理钱包余额
	CollateralAllowance string            `json:"collateralAllowance,omitempty"` // 代理钱包授权
	Allowances          map[string]string `json:"allowances,omitempty"`          // 多个授权（代理钱包可能使用）
}

// TickSizes 价格精度映射
type TickSizes map[string]TickSize

// NegRisk 负风险映射
type NegRisk map[string]bool
