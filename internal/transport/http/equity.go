package statushttp

import (
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"kalbot/internal/logger"
	"kalbot/internal/perf"
	"kalbot/internal/pkg/money"
)

// sanitizeLeaderboard 把 +Inf 指标换成 -1 哨兵，JSON 序列化不支持
// 无穷大。
func sanitizeLeaderboard(in []perf.Metrics) []perf.Metrics {
	out := make([]perf.Metrics, len(in))
	for i, m := range in {
		if math.IsInf(m.ProfitFactor, 1) {
			m.ProfitFactor = -1
		}
		if math.IsInf(m.Sortino, 1) {
			m.Sortino = -1
		}
		out[i] = m
	}
	return out
}

// equityPageHandler 渲染全部策略的权益曲线（go-echarts 折线图）。
func equityPageHandler(status StatusSource, equity EquityLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithTitleOpts(opts.Title{Title: "策略权益曲线", Subtitle: "单位: 美元"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		)

		maxLen := 0
		series := make(map[string][]opts.LineData)
		for _, acct := range status.Status().Accounts {
			samples, err := equity.LoadEquitySamples(acct.StrategyID)
			if err != nil {
				logger.Warnf("读取权益曲线失败 strategy=%s: %v", acct.StrategyID, err)
				continue
			}
			data := make([]opts.LineData, len(samples))
			for i, v := range samples {
				data[i] = opts.LineData{Value: money.CentsToDollars(v)}
			}
			series[acct.StrategyID] = data
			if len(samples) > maxLen {
				maxLen = len(samples)
			}
		}

		xAxis := make([]int, maxLen)
		for i := range xAxis {
			xAxis[i] = i + 1
		}
		line.SetXAxis(xAxis)
		for id, data := range series {
			line.AddSeries(id, data)
		}

		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := line.Render(c.Writer); err != nil {
			logger.Warnf("权益曲线渲染失败: %v", err)
		}
	}
}
