package chain

import (
	"context"
	"strings"
)

// ErrorKind 链上错误分类
type ErrorKind int

const (
	// ErrKindRPC 节点/网络层错误，可换节点重试
	ErrKindRPC ErrorKind = iota

	// ErrKindRevert 合约回退，盲目重试不会有不同结果
	ErrKindRevert
)

// ClassifyError 区分 RPC 类错误和合约回退。
// 回退错误终止当前操作；RPC 错误触发节点切换后重试。
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrKindRPC
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "revert") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "out of gas") {
		return ErrKindRevert
	}
	return ErrKindRPC
}

// retryable 返回该错误是否值得在同一节点序列内继续重试
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if err == context.Canceled || strings.Contains(err.Error(), context.Canceled.Error()) {
		return false
	}
	return ClassifyError(err) == ErrKindRPC
}
