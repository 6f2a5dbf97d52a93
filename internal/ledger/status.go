package ledger

// Status 交易记录的执行结果标签
type Status string

const (
	// StatusSuccess 复制成功
	StatusSuccess Status = "SUCCESS"

	// StatusFailedAllowanceTooLow 授权额度低于自有余额（前置条件失败，不消耗重试预算）
	StatusFailedAllowanceTooLow Status = "FAILED_ALLOWANCE_TOO_LOW"

	// StatusFailedAllowanceIssue 下单阶段出现授权类错误
	StatusFailedAllowanceIssue Status = "FAILED_ALLOWANCE_ISSUE"

	// StatusInsufficientBalance USDC 余额不足
	StatusInsufficientBalance Status = "INSUFFICIENT_BALANCE"

	// StatusInsufficientTokens 卖出时持仓代币不足
	StatusInsufficientTokens Status = "INSUFFICIENT_TOKENS"

	// StatusOrderTooSmall 订单金额低于交易所最小值
	StatusOrderTooSmall Status = "ORDER_TOO_SMALL"

	// StatusNoLiquidity 订单簿对手方向无挂单
	StatusNoLiquidity Status = "NO_LIQUIDITY"

	// StatusPriceMoved 最优价偏离参考价超过滑点容忍度
	StatusPriceMoved Status = "PRICE_MOVED"

	// StatusRetryExhausted 重试次数用尽
	StatusRetryExhausted Status = "RETRY_EXHAUSTED"

	// StatusPreExisting 进程启动前已存在的历史交易
	StatusPreExisting Status = "PRE_EXISTING"

	// StatusSkippedDust 缩放后金额低于灰尘阈值
	StatusSkippedDust Status = "SKIPPED_DUST"
)

// Transient 返回该状态是否属于"可能自行恢复"的失败类别。
// 只有这类记录会被周期性重置以获得新的重试预算；
// 灰尘、滑点、太小这类市场性终态不会自动复活。
func (s Status) Transient() bool {
	switch s {
	case StatusFailedAllowanceTooLow,
		StatusFailedAllowanceIssue,
		StatusInsufficientBalance,
		StatusInsufficientTokens,
		StatusNoLiquidity,
		StatusRetryExhausted:
		return true
	}
	return false
}
