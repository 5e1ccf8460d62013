package auth

import (
	"fmt"

	"tradepulse.com/internal/realtime/topic"
	"tradepulse.com/pkg/xerr"
)

// Authorize 订阅授权；拒绝时返回 Forbidden（error frame，连接保持）
func Authorize(p Principal, t topic.Topic) error {
	switch t.Namespace {
	case topic.MarketData, topic.Predictions, topic.ModelTraining, topic.Analytics:
		return nil

	case topic.Trading, topic.Orders:
		if t.Key == p.UserID {
			if !p.TradingEnabled {
				return forbidden(t, "trading disabled")
			}
			return nil
		}
		if p.IsStaff {
			return nil
		}
		return forbidden(t, "not owner")

	case topic.Alerts:
		if t.Key == p.UserID || p.IsStaff {
			return nil
		}
		return forbidden(t, "not owner")

	case topic.Portfolio:
		if p.IsStaff || p.OwnsPortfolio(t.Key) {
			return nil
		}
		return forbidden(t, "not portfolio owner")

	case topic.WebRTCSignaling:
		if p.IsVerified {
			return nil
		}
		return forbidden(t, "account not verified")
	}
	return forbidden(t, "unknown namespace")
}

func forbidden(t topic.Topic, why string) error {
	return xerr.Wrap(xerr.ErrForbidden, xerr.Forbidden, fmt.Sprintf("%s: %s", t, why))
}
