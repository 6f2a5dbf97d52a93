package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store.For("0xAbCd000000000000000000000000000000000001")
}

func sampleTrade(txHash string) *TradeRecord {
	return &TradeRecord{
		TxHash:      txHash,
		ConditionID: "0xcond1",
		Asset:       "123456789",
		Side:        "BUY",
		Size:        20.0,
		Price:       0.50,
		UsdcSize:    10.0,
		Outcome:     "Yes",
		Timestamp:   1700000000,
	}
}

func TestPutAndGetTrade(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))

	// key 大小写不敏感
	found, err := l.HasTrade("0xaaa")
	require.NoError(t, err)
	assert.True(t, found)

	rec, err := l.GetTrade("0xAAA")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "BUY", rec.Side)
	assert.False(t, rec.Processed)
	assert.NotZero(t, rec.CreatedAt)
}

// 同一条交易重复写入不会产生第二条记录
func TestIngestIdempotent(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))
	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))

	pending, err := l.PendingTrades(10, 3)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestFindDuplicate(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))

	// 相同字段、不同 txHash：feed 重发的典型形态
	dup := sampleTrade("0xBBB")
	found, err := l.FindDuplicate(dup)
	require.NoError(t, err)
	assert.True(t, found)

	// 数量在容差内仍视为重复
	dup.Size = 20.0 + 1e-6
	found, err = l.FindDuplicate(dup)
	require.NoError(t, err)
	assert.True(t, found)

	// 超过容差就是不同的交易
	dup.Size = 20.1
	found, err = l.FindDuplicate(dup)
	require.NoError(t, err)
	assert.False(t, found)

	// 时间戳不同不算重复
	other := sampleTrade("0xCCC")
	other.Timestamp = 1700000001
	found, err = l.FindDuplicate(other)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPendingTradesOrderAndLimit(t *testing.T) {
	l := openTestLedger(t)

	for i, ts := range []int64{1700000300, 1700000100, 1700000200} {
		rec := sampleTrade("0x" + string(rune('A'+i)))
		rec.Timestamp = ts
		require.NoError(t, l.PutTrade(rec))
	}

	pending, err := l.PendingTrades(10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// 升序：先到的交易先复制
	assert.Equal(t, int64(1700000100), pending[0].Timestamp)
	assert.Equal(t, int64(1700000200), pending[1].Timestamp)
	assert.Equal(t, int64(1700000300), pending[2].Timestamp)

	pending, err = l.PendingTrades(2, 3)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestPendingExcludesProcessedAndExhausted(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))
	require.NoError(t, l.PutTrade(sampleTrade("0xBBB")))
	require.NoError(t, l.PutTrade(sampleTrade("0xCCC")))

	require.NoError(t, l.MarkSuccess("0xAAA"))
	for i := 0; i < 3; i++ {
		require.NoError(t, l.BumpAttempt("0xBBB"))
	}

	pending, err := l.PendingTrades(10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "0xCCC", pending[0].TxHash)
}

func TestMarkSuccessTerminalStatus(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))

	require.NoError(t, l.MarkSuccess("0xAAA"))
	rec, err := l.GetTrade("0xAAA")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.Equal(t, StatusSuccess, rec.Status)

	require.NoError(t, l.PutTrade(sampleTrade("0xBBB")))
	require.NoError(t, l.MarkTerminal("0xBBB", StatusSkippedDust))
	rec, err = l.GetTrade("0xBBB")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.Equal(t, StatusSkippedDust, rec.Status)
}

func TestResetTransientFailures(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))
	require.NoError(t, l.MarkTerminal("0xAAA", StatusFailedAllowanceTooLow))

	require.NoError(t, l.PutTrade(sampleTrade("0xBBB")))
	require.NoError(t, l.MarkSuccess("0xBBB"))

	require.NoError(t, l.PutTrade(sampleTrade("0xCCC")))
	require.NoError(t, l.MarkTerminal("0xCCC", StatusSkippedDust))

	// 重试预算耗尽但无终态的记录
	require.NoError(t, l.PutTrade(sampleTrade("0xDDD")))
	require.NoError(t, l.BumpAttempt("0xDDD"))

	n, err := l.ResetTransientFailures()
	require.NoError(t, err)
	// 授权失败 + 预算耗尽被复活；成功和粉尘跳过保持不变
	assert.Equal(t, 2, n)

	rec, err := l.GetTrade("0xAAA")
	require.NoError(t, err)
	assert.False(t, rec.Processed)
	assert.Zero(t, rec.AttemptCount)

	rec, err = l.GetTrade("0xBBB")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.True(t, rec.Processed)

	rec, err = l.GetTrade("0xCCC")
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedDust, rec.Status)
	assert.True(t, rec.Processed)
}

func TestMarkAllProcessed(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.PutTrade(sampleTrade("0xAAA")))
	require.NoError(t, l.PutTrade(sampleTrade("0xBBB")))

	n, err := l.MarkAllProcessed()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := l.GetTrade("0xAAA")
	require.NoError(t, err)
	assert.True(t, rec.Processed)
	assert.Equal(t, StatusPreExisting, rec.Status)

	pending, err := l.PendingTrades(10, 3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAddressIsolation(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	a := store.For("0x0000000000000000000000000000000000000001")
	b := store.For("0x0000000000000000000000000000000000000002")

	require.NoError(t, a.PutTrade(sampleTrade("0xAAA")))

	found, err := b.HasTrade("0xAAA")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPositions(t *testing.T) {
	l := openTestLedger(t)

	require.NoError(t, l.UpsertPosition(&PositionSnapshot{
		ConditionID: "0xCOND1",
		Asset:       "111",
		Size:        50.0,
		Redeemable:  false,
	}))
	// 同一 condition 覆盖
	require.NoError(t, l.UpsertPosition(&PositionSnapshot{
		ConditionID: "0xCOND1",
		Asset:       "111",
		Size:        75.0,
		Redeemable:  true,
	}))

	p, err := l.Position("0xCOND1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 75.0, p.Size)
	assert.True(t, p.Redeemable)

	all, err := l.Positions()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStatusTransient(t *testing.T) {
	transient := []Status{
		StatusFailedAllowanceTooLow,
		StatusFailedAllowanceIssue,
		StatusInsufficientBalance,
		StatusInsufficientTokens,
		StatusNoLiquidity,
		StatusRetryExhausted,
	}
	for _, s := range transient {
		assert.True(t, s.Transient(), "status %s should be transient", s)
	}

	terminal := []Status{StatusSuccess, StatusSkippedDust, StatusOrderTooSmall, StatusPriceMoved, StatusPreExisting}
	for _, s := range terminal {
		assert.False(t, s.Transient(), "status %s should not be transient", s)
	}
}
