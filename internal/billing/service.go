package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lineabill/lineabill/internal/identity"
	"github.com/lineabill/lineabill/internal/shared"
)

// Notifier broadcasts committed summary changes to subscribed listeners.
// Delivery is best-effort; the engine never blocks on it.
type Notifier interface {
	PublishSummary(ctx context.Context, summaryID int64, totals Totals) error
}

// AuditPort records billing mutations for the audit trail.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service is the consolidation engine. It owns the attach/detach/recompute
// protocol: at most one in-flight mutating operation per summary at a time,
// totals always re-derived from the full attached set, persistence of a
// summary and its detail in one transaction, and a post-commit broadcast.
type Service struct {
	repo   Repository
	locks  *shared.KeyedMutex
	notify Notifier
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the engine.
func NewService(repo Repository, locks *shared.KeyedMutex, notify Notifier, audit AuditPort, logger *slog.Logger) *Service {
	if locks == nil {
		locks = shared.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, locks: locks, notify: notify, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Submit validates the candidate detail, allocates its fee, attaches it to
// the (lazily created) summary for the target account and period, recomputes
// the summary totals from the full attached set and persists both records
// atomically. Subscribers are notified after commit.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (Detail, Summary, error) {
	if err := in.Validate(); err != nil {
		return Detail{}, Summary{}, err
	}
	detail := in.detail()
	totalFee, err := Allocate(detail.Fee, detail.PaidBy, detail.Subsidy)
	if err != nil {
		return Detail{}, Summary{}, err
	}
	detail.TotalFee = totalFee

	unlock := s.locks.Lock(shared.SummaryLockKey(in.Account, in.Period))
	defer unlock()

	var summary Summary
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		target, err := tx.FindOrCreateSummaryForUpdate(ctx, in.Account, in.Period)
		if err != nil {
			return err
		}
		detail.SummaryID = &target.ID
		detail, err = tx.InsertDetail(ctx, detail)
		if err != nil {
			return err
		}
		summary, err = recomputeTx(ctx, tx, target)
		return err
	})
	if err != nil {
		return Detail{}, Summary{}, err
	}

	s.record(ctx, detail.CollaboratorID.String(), "rcc.submit", "rcc_detail", detail.ID, map[string]any{
		"summary_id": summary.ID,
		"account":    summary.Account,
		"period":     summary.Period,
		"total_fee":  detail.TotalFee,
	})
	s.publish(ctx, summary.ID, summary.StoredTotals())
	return detail, summary, nil
}

// Reattach moves a detail to the summary for the new account and period,
// recomputing the totals of both the previous and the target summary inside
// one transaction. Both affected summaries are announced after commit.
func (s *Service) Reattach(ctx context.Context, in ReattachInput) (Detail, Summary, *Summary, error) {
	if err := in.Validate(); err != nil {
		return Detail{}, Summary{}, nil, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		detail, target, previous, err := s.reattachOnce(ctx, in)
		if errors.Is(err, ErrStaleOwner) {
			continue
		}
		if err != nil {
			return Detail{}, Summary{}, nil, err
		}
		s.record(ctx, detail.CollaboratorID.String(), "rcc.reattach", "rcc_detail", detail.ID, map[string]any{
			"summary_id": target.ID,
			"account":    target.Account,
			"period":     target.Period,
		})
		s.publish(ctx, target.ID, target.StoredTotals())
		if previous != nil && previous.ID != target.ID {
			s.publish(ctx, previous.ID, previous.StoredTotals())
		}
		return detail, target, previous, nil
	}
	return Detail{}, Summary{}, nil, ErrStaleOwner
}

func (s *Service) reattachOnce(ctx context.Context, in ReattachInput) (Detail, Summary, *Summary, error) {
	current, err := s.repo.GetDetail(ctx, in.DetailID)
	if err != nil {
		return Detail{}, Summary{}, nil, err
	}
	toKey := shared.SummaryLockKey(in.Account, in.Period)
	var fromKey string
	if current.SummaryID != nil {
		owner, err := s.repo.GetSummary(ctx, *current.SummaryID)
		if err != nil {
			return Detail{}, Summary{}, nil, err
		}
		fromKey = shared.SummaryLockKey(owner.Account, owner.Period)
	}
	var unlock func()
	if fromKey == "" {
		unlock = s.locks.Lock(toKey)
	} else {
		unlock = s.locks.LockPair(fromKey, toKey)
	}
	defer unlock()

	var (
		detail   Detail
		target   Summary
		previous *Summary
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		detail, err = tx.GetDetailForUpdate(ctx, in.DetailID)
		if err != nil {
			return err
		}
		if !sameOwner(detail.SummaryID, current.SummaryID) {
			return ErrStaleOwner
		}
		var from *Summary
		if detail.SummaryID != nil {
			f, err := tx.GetSummaryForUpdate(ctx, *detail.SummaryID)
			if err != nil {
				return err
			}
			from = &f
		}
		to, err := tx.FindOrCreateSummaryForUpdate(ctx, in.Account, in.Period)
		if err != nil {
			return err
		}
		if from != nil && from.ID == to.ID {
			// Same target: attachment set is unchanged, recompute once.
			target, err = recomputeTx(ctx, tx, to)
			previous = &target
			return err
		}
		if err := tx.UpdateDetailOwner(ctx, detail.ID, &to.ID); err != nil {
			return err
		}
		detail.SummaryID = &to.ID
		if from != nil {
			prev, err := recomputeTx(ctx, tx, *from)
			if err != nil {
				return err
			}
			previous = &prev
		}
		target, err = recomputeTx(ctx, tx, to)
		return err
	})
	if err != nil {
		return Detail{}, Summary{}, nil, err
	}
	return detail, target, previous, nil
}

// Detach clears the detail's owning summary and recomputes the totals it
// leaves behind. An emptied summary is kept as an empty row; physical
// deletion belongs to the persistence layer's retention policy.
func (s *Service) Detach(ctx context.Context, detailID int64) (Summary, error) {
	if detailID <= 0 {
		return Summary{}, &ValidationError{Field: "detail_id", Reason: "required"}
	}
	for attempt := 0; attempt < 3; attempt++ {
		summary, detail, err := s.detachOnce(ctx, detailID)
		if errors.Is(err, ErrStaleOwner) {
			continue
		}
		if err != nil {
			return Summary{}, err
		}
		s.record(ctx, detail.CollaboratorID.String(), "rcc.detach", "rcc_detail", detail.ID, map[string]any{
			"summary_id": summary.ID,
		})
		s.publish(ctx, summary.ID, summary.StoredTotals())
		if summary.Empty() {
			s.logger.Info("summary emptied by detach",
				slog.Int64("summary_id", summary.ID),
				slog.Int64("account", summary.Account),
				slog.String("period", summary.Period))
		}
		return summary, nil
	}
	return Summary{}, ErrStaleOwner
}

func (s *Service) detachOnce(ctx context.Context, detailID int64) (Summary, Detail, error) {
	current, err := s.repo.GetDetail(ctx, detailID)
	if err != nil {
		return Summary{}, Detail{}, err
	}
	if current.SummaryID == nil {
		return Summary{}, Detail{}, ErrDetailUnattached
	}
	owner, err := s.repo.GetSummary(ctx, *current.SummaryID)
	if err != nil {
		return Summary{}, Detail{}, err
	}
	unlock := s.locks.Lock(shared.SummaryLockKey(owner.Account, owner.Period))
	defer unlock()

	var summary Summary
	var detail Detail
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		detail, err = tx.GetDetailForUpdate(ctx, detailID)
		if err != nil {
			return err
		}
		if !sameOwner(detail.SummaryID, current.SummaryID) {
			return ErrStaleOwner
		}
		from, err := tx.GetSummaryForUpdate(ctx, *detail.SummaryID)
		if err != nil {
			return err
		}
		if err := tx.UpdateDetailOwner(ctx, detail.ID, nil); err != nil {
			return err
		}
		detail.SummaryID = nil
		summary, err = recomputeTx(ctx, tx, from)
		return err
	})
	if err != nil {
		return Summary{}, Detail{}, err
	}
	return summary, detail, nil
}

// Recompute re-derives the three totals from the currently attached set and
// stores them. It is idempotent: repeated calls on an unchanged attachment
// set produce identical totals. Used internally by every mutation and
// exposed as a repair operation.
func (s *Service) Recompute(ctx context.Context, summaryID int64) (Summary, error) {
	located, err := s.repo.GetSummary(ctx, summaryID)
	if err != nil {
		return Summary{}, err
	}
	unlock := s.locks.Lock(shared.SummaryLockKey(located.Account, located.Period))
	defer unlock()

	var summary Summary
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		target, err := tx.GetSummaryForUpdate(ctx, summaryID)
		if err != nil {
			return err
		}
		summary, err = recomputeTx(ctx, tx, target)
		return err
	})
	if err != nil {
		return Summary{}, err
	}
	s.record(ctx, actorFromContext(ctx), "rcc.recompute", "rcc_summary", summary.ID, map[string]any{
		"account": summary.Account,
		"period":  summary.Period,
	})
	s.publish(ctx, summary.ID, summary.StoredTotals())
	return summary, nil
}

// Audit re-derives totals and compares them against the stored values
// without mutating state. The row and its details come from one snapshot so
// a mutation committing mid-read cannot fake a drift. Mismatches are
// reported for operator inspection, never auto-corrected.
func (s *Service) Audit(ctx context.Context, summaryID int64) (AuditReport, error) {
	summary, err := s.repo.SnapshotSummary(ctx, summaryID)
	if err != nil {
		return AuditReport{}, err
	}
	stored := summary.StoredTotals()
	derived := computeTotals(summary.Details)
	report := AuditReport{
		SummaryID:   summary.ID,
		Account:     summary.Account,
		Period:      summary.Period,
		Stored:      stored,
		Derived:     derived,
		DetailCount: len(summary.Details),
		Consistent:  stored.Equal(derived),
	}
	if !report.Consistent {
		if !stored.Equipment.Equal(derived.Equipment) {
			report.MismatchFields = append(report.MismatchFields, "equipment_total")
		}
		if !stored.Service.Equal(derived.Service) {
			report.MismatchFields = append(report.MismatchFields, "service_total")
		}
		if !stored.Company.Equal(derived.Company) {
			report.MismatchFields = append(report.MismatchFields, "company_total")
		}
	}
	return report, nil
}

// GetSummary loads a summary with its attached details.
func (s *Service) GetSummary(ctx context.Context, id int64) (Summary, error) {
	return s.repo.GetSummary(ctx, id)
}

// FindSummary locates a summary by account and period.
func (s *Service) FindSummary(ctx context.Context, account int64, period string) (Summary, error) {
	return s.repo.FindSummary(ctx, account, period)
}

// GetDetail loads a single detail.
func (s *Service) GetDetail(ctx context.Context, id int64) (Detail, error) {
	return s.repo.GetDetail(ctx, id)
}

// ListDetails returns every detail, attached or pending.
func (s *Service) ListDetails(ctx context.Context) ([]Detail, error) {
	return s.repo.ListDetails(ctx)
}

// ListSummaryIDs enumerates summaries for the periodic consistency scan.
func (s *Service) ListSummaryIDs(ctx context.Context) ([]int64, error) {
	return s.repo.ListSummaryIDs(ctx)
}

func recomputeTx(ctx context.Context, tx TxRepository, summary Summary) (Summary, error) {
	details, err := tx.ListAttached(ctx, summary.ID)
	if err != nil {
		return Summary{}, err
	}
	totals := computeTotals(details)
	if err := tx.UpdateTotals(ctx, summary.ID, totals); err != nil {
		return Summary{}, err
	}
	summary.EquipmentTotal = totals.Equipment
	summary.ServiceTotal = totals.Service
	summary.CompanyTotal = totals.Company
	summary.Details = details
	return summary, nil
}

func sameOwner(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// publish is fire-and-forget: a failed broadcast never fails a committed
// billing mutation.
func (s *Service) publish(ctx context.Context, summaryID int64, totals Totals) {
	if s.notify == nil {
		return
	}
	if err := s.notify.PublishSummary(ctx, summaryID, totals); err != nil {
		s.logger.Warn("publish summary update", slog.Int64("summary_id", summaryID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
		At:       s.now(),
	})
}

func actorFromContext(ctx context.Context) string {
	if id, ok := identity.FromContext(ctx); ok {
		return id.String()
	}
	return ""
}
