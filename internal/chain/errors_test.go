package chain

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyError(t *testing.T) {
	reverts := []string{
		"execution reverted: result for condition not received yet",
		"VM Exception: revert",
		"invalid opcode",
		"out of gas",
	}
	for _, msg := range reverts {
		if ClassifyError(errors.New(msg)) != ErrKindRevert {
			t.Fatalf("%q should classify as revert", msg)
		}
	}

	rpcErrs := []string{
		"connection refused",
		"i/o timeout",
		"502 Bad Gateway",
	}
	for _, msg := range rpcErrs {
		if ClassifyError(errors.New(msg)) != ErrKindRPC {
			t.Fatalf("%q should classify as RPC", msg)
		}
	}
}

func TestRetryable(t *testing.T) {
	if retryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if retryable(context.Canceled) {
		t.Fatalf("canceled context is not retryable")
	}
	if retryable(errors.New("execution reverted")) {
		t.Fatalf("revert is not retryable")
	}
	if !retryable(errors.New("connection reset by peer")) {
		t.Fatalf("network error should be retryable")
	}
}

func TestPoolRotation(t *testing.T) {
	p, err := NewPool([]string{"http://a", "http://b"})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if p.Current() != "http://a" {
		t.Fatalf("expected first endpoint, got %s", p.Current())
	}

	// 失败次数未超阈值不切换
	for i := 0; i <= maxEndpointFailures; i++ {
		p.MarkFailure()
	}
	if p.Current() != "http://b" {
		t.Fatalf("expected rotation to second endpoint, got %s", p.Current())
	}

	p.Rotate()
	// 回绕到第一个时失败计数清零
	if p.Current() != "http://a" {
		t.Fatalf("expected wrap to first endpoint, got %s", p.Current())
	}
}

func TestPoolRequiresEndpoints(t *testing.T) {
	if _, err := NewPool(nil); err == nil {
		t.Fatalf("empty endpoint list must fail")
	}
}
