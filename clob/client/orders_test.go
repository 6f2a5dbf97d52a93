package client

import (
	"testing"

	"github.com/betbot/copycat/clob/types"
)

func TestValidateFOKPrecision(t *testing.T) {
	// 常规的 4 位数量 × 2 位价格组合
	ok := []struct {
		size  float64
		price float64
		side  types.Side
	}{
		{20.0, 0.50, types.SideBuy},
		{18.8679, 0.53, types.SideBuy},
		{14.2857, 0.70, types.SideBuy},
		{7.0, 0.55, types.SideSell},
		{0.1234, 0.01, types.SideBuy},
	}
	for _, tc := range ok {
		if err := ValidateFOKPrecision(tc.size, tc.price, tc.side); err != nil {
			t.Fatalf("size=%v price=%v should pass: %v", tc.size, tc.price, err)
		}
	}

	// 价格超过 2 位小数
	if err := ValidateFOKPrecision(20.0, 0.525, types.SideBuy); err == nil {
		t.Fatalf("3-decimal price should fail")
	}
	// 数量超过 4 位小数
	if err := ValidateFOKPrecision(18.86792, 0.53, types.SideBuy); err == nil {
		t.Fatalf("5-decimal size should fail")
	}
}

func TestHasMaxDecimals(t *testing.T) {
	if !hasMaxDecimals(0.53, 2) {
		t.Fatalf("0.53 has 2 decimals")
	}
	if hasMaxDecimals(0.531, 2) {
		t.Fatalf("0.531 has 3 decimals")
	}
	// 浮点表示误差不应影响判断
	if !hasMaxDecimals(18.8679, 4) {
		t.Fatalf("18.8679 has 4 decimals")
	}
}
