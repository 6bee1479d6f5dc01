package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kalbot/internal/alloc"
	"kalbot/internal/paper"
	"kalbot/internal/perf"
	"kalbot/internal/pkg/money"
)

// TextNotifier 最小文本通知接口，方便各组件解耦具体实现。
type TextNotifier interface {
	SendText(text string) error
}

// Noop 空实现，未配置通知时使用。
type Noop struct{}

func (Noop) SendText(string) error { return nil }

// Telegram 通知器：策略暂停、资金再分配、每日汇总等事件推送到
// 指定群/频道。
type Telegram struct {
	BotToken string
	ChatID   string
	Client   *http.Client

	apiBase string // 测试用，默认官方接口
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{BotToken: botToken, ChatID: chatID, Client: &http.Client{Timeout: 15 * time.Second}}
}

// SendText 发送文本消息（带最多 3 次重试）
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("Telegram 配置不完整")
	}
	base := t.apiBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, _ := json.Marshal(payload)

	var lastErr error
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("POST", url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.Client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(i+1) * time.Second)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 == 2 {
			return nil
		}
		lastErr = fmt.Errorf("telegram status=%d", resp.StatusCode)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// FormatHaltMessage 策略被风控暂停时的通知文案。
func FormatHaltMessage(strategyID string, reason paper.RejectReason, daily int64) string {
	return fmt.Sprintf("*策略暂停* `%s`\n原因: %s\n当日盈亏: %s", strategyID, reason, money.FormatSignedCents(daily))
}

// FormatRebalanceMessage 再分配结果的通知文案。
func FormatRebalanceMessage(results []alloc.Result) string {
	var b strings.Builder
	b.WriteString("*资金再分配*\n")
	for _, r := range results {
		fmt.Fprintf(&b, "#%d `%s` %.1f%% (原 %.1f%%, 得分 %.3f)\n",
			r.Rank, r.StrategyID, r.Weight*100, r.Prior*100, r.Score)
	}
	return b.String()
}

// FormatDailySummary 每日汇总文案。
func FormatDailySummary(date string, metrics []perf.Metrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*每日汇总* %s\n", date)
	for _, m := range metrics {
		wr := "-"
		if m.WinRate != nil {
			wr = fmt.Sprintf("%.0f%%", *m.WinRate*100)
		}
		fmt.Fprintf(&b, "`%s` 权益 %s, 盈亏 %s, 交易 %d, 胜率 %s\n",
			m.StrategyID, money.FormatCents(m.Equity), money.FormatSignedCents(m.TotalReturn), m.TradeCount, wr)
	}
	return b.String()
}
