package core

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/entitlements"
	"github.com/PaulFidika/entitlesync/metrics"
)

// SweepResult summarizes one expiry sweep.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Demoted  int `json:"demoted"`
	Extended int `json:"extended"`
}

// SweepExpired demotes premium users whose recorded expiry has passed and who
// hold no other qualifying grant. Users with a later grant have their expiry
// moved forward instead. Each user is handled in its own transaction under the
// same row lock webhook deliveries take.
func (s *Service) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = 500
	}
	now := s.now().UTC()
	ids, err := s.store.ListExpiredPremium(ctx, now, limit)
	if err != nil {
		metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		return SweepResult{}, fmt.Errorf("list expired premium: %w", err)
	}

	var res SweepResult
	var transitions []Transition
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			metrics.SweepRunsTotal.WithLabelValues("canceled").Inc()
			return res, err
		}
		res.Scanned++
		var tr Transition
		err := s.store.WithTx(ctx, func(tx Tx) error {
			var err error
			tr, err = s.sweepUser(ctx, tx, id)
			return err
		})
		if err != nil {
			metrics.SweepRunsTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("sweep user %d: %w", id, err)
		}
		switch tr.Action {
		case ActionDemote:
			res.Demoted++
		case ActionExpiryChanged, ActionPromote:
			res.Extended++
		}
		if tr.Changed() {
			transitions = append(transitions, tr)
		}
	}

	s.afterCommit(ctx, transitions, SourceExpirySweep)
	metrics.SweepRunsTotal.WithLabelValues("ok").Inc()
	s.log.WithFields(logrus.Fields{
		"scanned":  res.Scanned,
		"demoted":  res.Demoted,
		"extended": res.Extended,
	}).Info("expiry sweep finished")
	return res, nil
}

func (s *Service) sweepUser(ctx context.Context, tx Tx, userID int64) (Transition, error) {
	now := s.now().UTC()
	before, err := tx.LockUser(ctx, userID)
	if err != nil {
		return Transition{}, err
	}
	// A webhook may have moved the user since the listing.
	if before.Tier != entitlements.TierPremium || before.PremiumExpiresAt == nil || before.PremiumExpiresAt.After(now) {
		return Transition{UserID: userID, Before: before, After: before}, nil
	}

	latest, ok, err := tx.LatestActiveExpiry(ctx, userID, now)
	if err != nil {
		return Transition{}, err
	}
	after := before
	if ok {
		after.PremiumExpiresAt = latest
	} else {
		after.Tier = entitlements.TierFree
		after.PremiumExpiresAt = nil
	}

	tr := Transition{UserID: userID, Before: before, After: after, Action: actionFor(before, after)}
	if !tr.Changed() {
		return tr, nil
	}
	tr.After.UpdatedAt = now
	if err := tx.SetTierState(ctx, tr.After); err != nil {
		return Transition{}, err
	}
	s.appendAudit(ctx, tx, newAuditEntry(tr, SourceExpirySweep, "", map[string]any{"expired_at": before.PremiumExpiresAt.UTC().Format(time.RFC3339Nano)}, now))
	return tr, nil
}
