// Package money 统一处理资金金额：引擎内部一律使用整数美分，
// 对外展示与接口解析经由 decimal 转换，避免浮点累计误差。
package money

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FormatCents 将美分格式化为美元字符串，如 12345 -> "$123.45"。
func FormatCents(cents int64) string {
	d := decimal.NewFromInt(cents).Div(hundred)
	return "$" + d.StringFixed(2)
}

// FormatSignedCents 带正负号的美元格式化，用于 P&L 展示。
func FormatSignedCents(cents int64) string {
	if cents >= 0 {
		return "+" + FormatCents(cents)
	}
	return "-" + FormatCents(-cents)
}

// DollarsToCents 把美元数值（可能来自配置或 API 的小数）换算为美分。
// 超过分精度的部分四舍五入。
func DollarsToCents(dollars float64) int64 {
	return decimal.NewFromFloat(dollars).Mul(hundred).Round(0).IntPart()
}

// CentsToDollars 返回美分对应的美元浮点值（仅用于展示等非账务场景）。
func CentsToDollars(cents int64) float64 {
	f, _ := decimal.NewFromInt(cents).Div(hundred).Float64()
	return f
}
