package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/entitlesync/entitlements"
	"github.com/PaulFidika/entitlesync/events"
	"github.com/PaulFidika/entitlesync/metrics"
)

// Options configures a Service. Zero values are usable.
type Options struct {
	Cache  TierCache
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Service applies webhook envelopes to the store and answers tier queries.
type Service struct {
	store      Store
	cache      TierCache
	reconciler *Reconciler
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewService wires a Service around store.
func NewService(store Store, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		cache:      opts.Cache,
		reconciler: NewReconciler(log, now),
		log:        log,
		now:        now,
	}
}

// Result summarizes one envelope.
type Result struct {
	Events       int          `json:"events"`
	Applied      int          `json:"applied"`
	Duplicates   int          `json:"duplicates"`
	Ignored      int          `json:"ignored"`
	SkippedItems int          `json:"skipped_items"`
	Transitions  []Transition `json:"-"`
}

type eventOutcome struct {
	kind    events.Kind
	outcome string
}

// HandleEnvelope normalizes raw and applies every event in it inside a single
// transaction. Any store failure rolls the whole envelope back, including the
// ledger inserts, so a redelivery starts clean.
func (s *Service) HandleEnvelope(ctx context.Context, raw []byte) (Result, error) {
	env := events.Normalize(raw)
	if env.Malformed {
		metrics.EnvelopeFailuresTotal.WithLabelValues("malformed").Inc()
		return Result{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, env.Reason)
	}

	var (
		res      Result
		outcomes []eventOutcome
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		res = Result{Events: len(env.Events)}
		outcomes = outcomes[:0]
		for _, ev := range env.Events {
			outcome, err := s.applyEvent(ctx, tx, ev, &res)
			if err != nil {
				return err
			}
			outcomes = append(outcomes, eventOutcome{kind: ev.Kind, outcome: outcome})
		}
		return nil
	})
	if err != nil {
		metrics.EnvelopeFailuresTotal.WithLabelValues("store").Inc()
		return Result{}, err
	}

	for _, o := range outcomes {
		metrics.EventsTotal.WithLabelValues(o.kind.String(), o.outcome).Inc()
	}
	metrics.SkippedItemsTotal.Add(float64(res.SkippedItems))
	s.afterCommit(ctx, res.Transitions, "")
	return res, nil
}

func (s *Service) applyEvent(ctx context.Context, tx Tx, ev events.Event, res *Result) (string, error) {
	log := s.log.WithFields(logrus.Fields{"event_id": ev.ID, "event_type": ev.Type})
	for _, d := range ev.Diagnostics {
		log.WithField("diagnostic", d).Warn("webhook item skipped")
	}

	if !ev.Kind.Mutates() {
		res.Ignored++
		log.Info("webhook event ignored")
		return "ignored", nil
	}

	// Without a provider id there is nothing to dedupe on; replays are
	// absorbed by the reconciler being state based.
	if !ev.Assigned {
		return s.applyItems(ctx, tx, ev, res, log)
	}

	adm, err := tx.Admit(ctx, ProcessedEvent{
		EventID:       ev.ID,
		EventType:     ev.Type,
		Payload:       ev.Raw,
		PayloadDigest: ev.Digest,
		ReceivedAt:    s.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("admit event %s: %w", ev.ID, err)
	}
	if adm.Duplicate {
		res.Duplicates++
		entry := log
		if adm.StoredDigest != "" && adm.StoredDigest != ev.Digest {
			entry = log.WithField("stored_digest", adm.StoredDigest)
			entry.Warn("duplicate event id with different payload; ignoring redelivery")
		} else {
			entry.Debug("duplicate event; already applied")
		}
		return "duplicate", nil
	}

	if _, err := s.applyItems(ctx, tx, ev, res, log); err != nil {
		return "", err
	}
	if err := tx.MarkProcessed(ctx, ev.ID, s.now().UTC()); err != nil {
		return "", fmt.Errorf("mark processed %s: %w", ev.ID, err)
	}
	return "applied", nil
}

func (s *Service) applyItems(ctx context.Context, tx Tx, ev events.Event, res *Result, log logrus.FieldLogger) (string, error) {
	res.SkippedItems += len(ev.Diagnostics)
	for _, it := range ev.Items {
		tr, applied, err := s.reconciler.ApplyItem(ctx, tx, ev, it)
		if err != nil {
			return "", fmt.Errorf("apply %s %s: %w", ev.Type, it.EntitlementID, err)
		}
		if !applied {
			res.SkippedItems++
			continue
		}
		res.Transitions = append(res.Transitions, tr)
		if tr.Changed() {
			s.appendAudit(ctx, tx, newAuditEntry(tr, ev.Type, ev.ID, itemMetadata(ev, it), s.now().UTC()))
		}
	}
	res.Applied++
	log.WithField("items", len(ev.Items)).Info("webhook event applied")
	return "applied", nil
}

// appendAudit is best-effort: the store isolates the insert so a failure
// leaves the surrounding transaction intact.
func (s *Service) appendAudit(ctx context.Context, tx Tx, e AuditEntry) {
	if err := tx.AppendAudit(ctx, e); err != nil {
		metrics.AuditFailuresTotal.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"user_id": e.UserID,
			"action":  e.Action,
		}).Warn("audit append failed; continuing")
	}
}

func (s *Service) afterCommit(ctx context.Context, transitions []Transition, source string) {
	seen := make(map[int64]struct{}, len(transitions))
	for _, tr := range transitions {
		if tr.Changed() {
			src := source
			if src == "" {
				src = "webhook"
			}
			metrics.TierTransitionsTotal.WithLabelValues(string(tr.Action), src).Inc()
			s.log.WithFields(logrus.Fields{
				"user_id":   tr.UserID,
				"action":    tr.Action,
				"from_tier": tr.Before.Tier,
				"to_tier":   tr.After.Tier,
			}).Info("tier transition")
		}
		if _, ok := seen[tr.UserID]; ok {
			continue
		}
		seen[tr.UserID] = struct{}{}
		s.invalidate(ctx, tr.UserID)
	}
}

func (s *Service) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("tier cache invalidation failed")
	}
}

func itemMetadata(ev events.Event, it events.Item) map[string]any {
	m := map[string]any{
		"kind":    ev.Kind.String(),
		"status":  string(it.Status),
		"is_gift": it.IsGift,
	}
	if ev.Source != events.SourceNone {
		m["object"] = string(ev.Source)
	}
	if it.ProductID != "" {
		m["product_id"] = it.ProductID
	}
	if it.EndsAt != nil {
		m["ends_at"] = it.EndsAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// TierState returns the user's current tier, reading through the cache. Users
// never seen are reported as free without creating a row.
func (s *Service) TierState(ctx context.Context, userID int64) (entitlements.TierState, error) {
	if userID <= 0 {
		return entitlements.TierState{}, ErrInvalidUserID
	}
	if s.cache != nil {
		if st, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			return st, nil
		} else if err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("tier cache read failed")
		}
	}
	st, ok, err := s.store.GetTierState(ctx, userID)
	if err != nil {
		return entitlements.TierState{}, err
	}
	if !ok {
		st = entitlements.FreeState(userID)
	}
	if s.cache == nil {
		return st, nil
	}
	if err := s.cache.Put(ctx, st); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("tier cache write failed")
		return st, nil
	}
	// A commit may have invalidated the entry between our read and the Put.
	// Read again; if the state moved, drop what we just cached.
	again, ok, err := s.store.GetTierState(ctx, userID)
	if err != nil {
		s.invalidate(ctx, userID)
		return st, nil
	}
	if !ok {
		again = entitlements.FreeState(userID)
	}
	if !again.SameAs(st) {
		s.invalidate(ctx, userID)
		return again, nil
	}
	return st, nil
}

// Entitlements lists the grants currently stored for a user.
func (s *Service) Entitlements(ctx context.Context, userID int64) ([]entitlements.Entitlement, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	return s.store.ListEntitlements(ctx, userID)
}

// Audit lists the most recent transitions for a user, newest first.
func (s *Service) Audit(ctx context.Context, userID int64, limit int) ([]AuditEntry, error) {
	if userID <= 0 {
		return nil, ErrInvalidUserID
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.ListAudit(ctx, userID, limit)
}

// Ready checks store connectivity.
func (s *Service) Ready(ctx context.Context) error {
	if s.store == nil {
		return errors.New("store not configured")
	}
	return s.store.Ping(ctx)
}
