package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crashroom/internal/wallet"
)

// Recover settles what a previous process left open and returns the number
// the next round should take.
//
// Bets still active had their stake debited but never saw an outcome. If a
// payout already reached the wallet the bet closes as cashed out; otherwise
// the stake goes back and the bet closes as refunded. Cashed out bets whose
// credit was never confirmed are credited again under the same reference.
// Rounds that never crashed are flagged aborted.
func Recover(ctx context.Context, gw Gateway, w wallet.Store, log *zap.Logger, now time.Time) (int64, error) {
	log = log.Named("recovery")

	bets, err := gw.ActiveBets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active bets: %w", err)
	}
	var refunded, closed int
	for _, b := range bets {
		payout, paid, err := w.Credited(ctx, b.ID)
		if err != nil {
			return 0, fmt.Errorf("check payout of bet %s: %w", b.ID, err)
		}
		if paid {
			if err := gw.MarkCashedOut(ctx, b.ID, payout, now); err != nil {
				return 0, err
			}
			closed++
			log.Warn("closed paid bet left active",
				zap.String("bet_id", b.ID),
				zap.String("user", b.UserID),
				zap.Int64("round", b.RoundNumber),
				zap.String("payout", payout.StringFixed(2)))
			continue
		}

		restored, err := w.Reverse(ctx, b.UserID, b.ID)
		if err != nil {
			return 0, fmt.Errorf("refund bet %s: %w", b.ID, err)
		}
		if err := gw.MarkRefunded(ctx, b.ID, now); err != nil {
			return 0, err
		}
		refunded++
		log.Info("refunded orphaned bet",
			zap.String("bet_id", b.ID),
			zap.String("user", b.UserID),
			zap.Int64("round", b.RoundNumber),
			zap.String("amount", b.Amount.StringFixed(2)),
			zap.Bool("balance_restored", restored))
	}

	unpaid, err := gw.UnpaidCashOuts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unpaid cash outs: %w", err)
	}
	for _, b := range unpaid {
		if _, err := w.Credit(ctx, b.UserID, b.Payout.Decimal, b.ID); err != nil {
			return 0, fmt.Errorf("credit bet %s: %w", b.ID, err)
		}
		if err := gw.MarkPaid(ctx, b.ID, now); err != nil {
			return 0, err
		}
		log.Info("credited unpaid cash out",
			zap.String("bet_id", b.ID),
			zap.String("user", b.UserID),
			zap.Int64("round", b.RoundNumber),
			zap.String("payout", b.Payout.Decimal.StringFixed(2)))
	}

	aborted, err := gw.AbortOpenRounds(ctx, now)
	if err != nil {
		return 0, err
	}

	last, err := gw.LastRoundNumber(ctx)
	if err != nil {
		return 0, err
	}

	log.Info("recovered",
		zap.Int("refunded_bets", refunded),
		zap.Int("closed_paid_bets", closed),
		zap.Int("credited_cash_outs", len(unpaid)),
		zap.Int64("aborted_rounds", aborted),
		zap.Int64("next_round", last+1))
	return last + 1, nil
}
