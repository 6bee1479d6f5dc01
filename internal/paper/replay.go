package paper

import (
	"fmt"
	"time"

	"kalbot/internal/logger"
	"kalbot/internal/types"
)

// Replay 按账本顺序重放成交，精确重建账户状态。进程重启后调用，
// 重放不做风控（账本里的成交当时已通过检查）。
// 与今天同一 UTC 日期的成交会计入当日盈亏并恢复亏损暂停状态。
func (e *Engine) Replay(fills []Fill) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	today := e.now().Truncate(24 * time.Hour)
	for i, f := range fills {
		acct, ok := e.accounts[f.StrategyID]
		if !ok {
			return fmt.Errorf("账本第 %d 条指向未注册策略 %s", i, f.StrategyID)
		}
		sameDay := !f.Timestamp.IsZero() && f.Timestamp.UTC().Truncate(24*time.Hour).Equal(today)

		switch f.Action {
		case types.ActionOpen:
			pos, exists := acct.Positions[f.MarketID]
			if !exists || !pos.Open() {
				pos = &types.Position{
					StrategyID: f.StrategyID,
					MarketID:   f.MarketID,
					Side:       f.Side,
					OpenedAt:   f.Timestamp,
				}
				acct.Positions[f.MarketID] = pos
			}
			pos.Quantity += f.Quantity
			pos.BasisCents += f.Quantity * f.Price
			acct.Cash += f.CashDelta
			acct.Fees += f.Fee
		case types.ActionClose:
			pos, exists := acct.Positions[f.MarketID]
			if !exists {
				return fmt.Errorf("账本第 %d 条平仓无对应持仓 market=%s", i, f.MarketID)
			}
			released := f.Quantity*f.Price - f.RealizedPnL
			pos.Quantity -= f.Quantity
			pos.BasisCents -= released
			if pos.Quantity == 0 {
				delete(acct.Positions, f.MarketID)
			}
			acct.Cash += f.CashDelta
			acct.Fees += f.Fee
			acct.Realized += f.RealizedPnL
			if sameDay {
				acct.DailyRealized += f.RealizedPnL
				e.portfolioDaily += f.RealizedPnL
			}
		default:
			return fmt.Errorf("账本第 %d 条动作非法: %s", i, f.Action)
		}
	}

	if e.limits.MaxDailyLoss > 0 {
		for _, acct := range e.accounts {
			if acct.DailyRealized <= -e.limits.MaxDailyLoss {
				acct.Halted = true
				acct.HaltReason = RejectDailyLoss
			}
		}
		if e.portfolioDaily <= -e.limits.MaxDailyLoss {
			e.portfolioHalted = true
		}
	}
	logger.Infof("账本重放完成: %d 条成交", len(fills))
	return nil
}
