package dispatch

import (
	"context"

	"pulse/internal/events"
	apperrors "pulse/pkg/errors"
)

const (
	baseTradeXP     = 10
	notionalPerXP   = 1000.0
	xpReasonTrade   = "trade_executed"
	xpReasonClosing = "position_closed"

	reactionTradeXP   = "xp-for-trades"
	reactionClosingXP = "xp-for-profitable-closes"
)

// RegisterGamificationReactions wires the trading to gamification reactions:
// every executed trade and closed position awards XP.
func RegisterGamificationReactions(ctx context.Context, d *Dispatcher, emitter *Emitter, registry *events.Registry) ([]*Registration, error) {
	tradeXP, err := d.Register(ctx, events.TypeTradeExecuted, reactionTradeXP, func(ctx context.Context, env events.Envelope) error {
		payload, err := registry.Decode(env)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrSchemaValidation).AsFatal()
		}
		trade := payload.(*events.TradeExecuted)
		_, err = emitter.Emit(ctx, env, reactionTradeXP, events.XPAwarded{
			UserID:        trade.UserID,
			Amount:        XPForTrade(*trade),
			Reason:        xpReasonTrade,
			SourceEventID: env.EventID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	closingXP, err := d.Register(ctx, events.TypePositionClosed, reactionClosingXP, func(ctx context.Context, env events.Envelope) error {
		payload, err := registry.Decode(env)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrSchemaValidation).AsFatal()
		}
		closed := payload.(*events.PositionClosed)
		_, err = emitter.Emit(ctx, env, reactionClosingXP, events.XPAwarded{
			UserID:        closed.UserID,
			Amount:        baseTradeXP * 2,
			Reason:        xpReasonClosing,
			SourceEventID: env.EventID,
		})
		return err
	}, WithFilter(`payload.realized_pnl > 0.0`))
	if err != nil {
		d.Unregister(tradeXP)
		return nil, err
	}

	return []*Registration{tradeXP, closingXP}, nil
}

// XPForTrade is the flat trade award plus one point per 1000 of notional.
func XPForTrade(t events.TradeExecuted) int64 {
	return baseTradeXP + int64(t.Quantity*t.Price/notionalPerXP)
}
