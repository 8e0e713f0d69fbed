package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lineabill/lineabill/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu            sync.Mutex
	txMu          sync.RWMutex
	summaries     map[int64]*Summary
	details       map[int64]*Detail
	nextSummaryID int64
	nextDetailID  int64

	// Error injection
	txError           error
	getDetailError    error
	updateTotalsError error

	// stealOwner reassigns the stored detail's owner right after each
	// GetDetail pre-read, simulating a move committing between the read
	// and the transaction.
	stealOwner func(current Detail) *int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		summaries:     make(map[int64]*Summary),
		details:       make(map[int64]*Detail),
		nextSummaryID: 1,
		nextDetailID:  1,
	}
}

func (m *mockRepository) attachedDetails(summaryID int64) []Detail {
	var out []Detail
	for _, d := range m.details {
		if d.SummaryID != nil && *d.SummaryID == summaryID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockRepository) summaryWithDetails(id int64) (Summary, error) {
	s, ok := m.summaries[id]
	if !ok {
		return Summary{}, ErrSummaryNotFound
	}
	out := *s
	out.Details = m.attachedDetails(id)
	return out, nil
}

// GetSummary mirrors the real repository's two separate queries: the row and
// its details come from distinct critical sections, so a mutation may commit
// in between.
func (m *mockRepository) GetSummary(ctx context.Context, id int64) (Summary, error) {
	m.mu.Lock()
	s, ok := m.summaries[id]
	if !ok {
		m.mu.Unlock()
		return Summary{}, ErrSummaryNotFound
	}
	out := *s
	m.mu.Unlock()

	m.mu.Lock()
	out.Details = m.attachedDetails(id)
	m.mu.Unlock()
	return out, nil
}

// SnapshotSummary reads the row and details in one critical section and
// never overlaps an in-flight transaction, matching the real repository's
// single repeatable-read transaction.
func (m *mockRepository) SnapshotSummary(ctx context.Context, id int64) (Summary, error) {
	m.txMu.RLock()
	defer m.txMu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaryWithDetails(id)
}

func (m *mockRepository) FindSummary(ctx context.Context, account int64, period string) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.summaries {
		if s.Account == account && s.Period == period {
			return m.summaryWithDetails(s.ID)
		}
	}
	return Summary{}, ErrSummaryNotFound
}

func (m *mockRepository) GetDetail(ctx context.Context, id int64) (Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getDetailError != nil {
		return Detail{}, m.getDetailError
	}
	d, ok := m.details[id]
	if !ok {
		return Detail{}, ErrDetailNotFound
	}
	out := *d
	if m.stealOwner != nil {
		d.SummaryID = m.stealOwner(out)
	}
	return out, nil
}

func (m *mockRepository) ListDetails(ctx context.Context) ([]Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Detail
	for _, d := range m.details {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockRepository) ListSummaryIDs(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id := range m.summaries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if m.txError != nil {
		return m.txError
	}
	// The whole transaction body runs exclusively, so snapshot readers
	// cannot observe a half-applied mutation.
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, &mockTxRepo{mock: m})
}

type mockTxRepo struct {
	mock *mockRepository
}

func (t *mockTxRepo) GetSummaryForUpdate(ctx context.Context, id int64) (Summary, error) {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	s, ok := t.mock.summaries[id]
	if !ok {
		return Summary{}, ErrSummaryNotFound
	}
	return *s, nil
}

func (t *mockTxRepo) FindOrCreateSummaryForUpdate(ctx context.Context, account int64, period string) (Summary, error) {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	for _, s := range t.mock.summaries {
		if s.Account == account && s.Period == period {
			return *s, nil
		}
	}
	now := time.Now()
	s := &Summary{
		ID:             t.mock.nextSummaryID,
		Account:        account,
		Period:         period,
		EquipmentTotal: decimal.Zero,
		ServiceTotal:   decimal.Zero,
		CompanyTotal:   decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.mock.nextSummaryID++
	t.mock.summaries[s.ID] = s
	return *s, nil
}

func (t *mockTxRepo) GetDetailForUpdate(ctx context.Context, id int64) (Detail, error) {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	d, ok := t.mock.details[id]
	if !ok {
		return Detail{}, ErrDetailNotFound
	}
	return *d, nil
}

func (t *mockTxRepo) InsertDetail(ctx context.Context, d Detail) (Detail, error) {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	now := time.Now()
	d.ID = t.mock.nextDetailID
	d.CreatedAt = now
	d.UpdatedAt = now
	t.mock.nextDetailID++
	stored := d
	t.mock.details[d.ID] = &stored
	return d, nil
}

func (t *mockTxRepo) UpdateDetailOwner(ctx context.Context, detailID int64, summaryID *int64) error {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	d, ok := t.mock.details[detailID]
	if !ok {
		return ErrDetailNotFound
	}
	d.SummaryID = summaryID
	d.UpdatedAt = time.Now()
	return nil
}

func (t *mockTxRepo) ListAttached(ctx context.Context, summaryID int64) ([]Detail, error) {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	return t.mock.attachedDetails(summaryID), nil
}

func (t *mockTxRepo) UpdateTotals(ctx context.Context, summaryID int64, totals Totals) error {
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	if t.mock.updateTotalsError != nil {
		return t.mock.updateTotalsError
	}
	s, ok := t.mock.summaries[summaryID]
	if !ok {
		return ErrSummaryNotFound
	}
	s.EquipmentTotal = totals.Equipment
	s.ServiceTotal = totals.Service
	s.CompanyTotal = totals.Company
	s.UpdatedAt = time.Now()
	return nil
}

// ============================================================================
// MOCK PORTS
// ============================================================================

type mockNotifier struct {
	mu     sync.Mutex
	events []int64
	err    error
}

func (n *mockNotifier) PublishSummary(ctx context.Context, summaryID int64, totals Totals) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, summaryID)
	return nil
}

func (n *mockNotifier) published() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.events...)
}

type mockAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *mockAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *mockAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

// ============================================================================
// HELPERS
// ============================================================================

func newTestService(t *testing.T) (*Service, *mockRepository, *mockNotifier, *mockAudit) {
	t.Helper()
	repo := newMockRepository()
	notifier := &mockNotifier{}
	audit := &mockAudit{}
	svc := NewService(repo, shared.NewKeyedMutex(), notifier, audit, nil)
	return svc, repo, notifier, audit
}

func boolPtr(b bool) *bool { return &b }

func submitInput(account int64, period string) SubmitInput {
	return SubmitInput{
		CollaboratorID: uuid.New(),
		PhoneLine:      "5551234567",
		ValueServices:  100,
		ValueDevices:   200,
		Fee:            300,
		PaidBy:         boolPtr(true),
		Subsidy:        decimal.NewFromInt(50),
		Account:        account,
		Period:         period,
	}
}

// ============================================================================
// SUBMIT
// ============================================================================

func TestSubmitCreatesSummaryAndAllocates(t *testing.T) {
	svc, _, notifier, audit := newTestService(t)
	ctx := context.Background()

	detail, summary, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	// paid_by true: collaborator owes fee minus subsidy.
	assert.Equal(t, int64(250), detail.TotalFee)
	require.NotNil(t, detail.SummaryID)
	assert.Equal(t, summary.ID, *detail.SummaryID)

	assert.Equal(t, int64(1001), summary.Account)
	assert.Equal(t, "2026-08-01", summary.Period)
	assert.True(t, summary.EquipmentTotal.Equal(decimal.NewFromInt(200)))
	assert.True(t, summary.ServiceTotal.Equal(decimal.NewFromInt(100)))
	assert.True(t, summary.CompanyTotal.Equal(decimal.NewFromInt(50)))

	assert.Equal(t, []int64{summary.ID}, notifier.published())
	assert.Equal(t, []string{"rcc.submit"}, audit.actions())
}

func TestSubmitAggregatesAttachedSet(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	inputs := []struct {
		devices  int64
		services int64
		fee      int64
		paidBy   bool
		subsidy  int64
	}{
		{100, 40, 140, true, 40},
		{50, 60, 110, false, 30},
		{0, 75, 75, true, 0},
	}

	var last Summary
	for _, in := range inputs {
		input := submitInput(2002, "2026-08-01")
		input.ValueDevices = in.devices
		input.ValueServices = in.services
		input.Fee = in.fee
		input.PaidBy = boolPtr(in.paidBy)
		input.Subsidy = decimal.NewFromInt(in.subsidy)
		var err error
		_, last, err = svc.Submit(ctx, input)
		require.NoError(t, err)
	}

	assert.Len(t, last.Details, 3)
	assert.True(t, last.EquipmentTotal.Equal(decimal.NewFromInt(150)), "equipment: %s", last.EquipmentTotal)
	assert.True(t, last.ServiceTotal.Equal(decimal.NewFromInt(175)), "service: %s", last.ServiceTotal)
	// Company share: (140-100) + (110-30) + (75-75) = 120.
	assert.True(t, last.CompanyTotal.Equal(decimal.NewFromInt(120)), "company: %s", last.CompanyTotal)

	for _, d := range last.Details {
		assert.Equal(t, d.Fee, d.TotalFee+d.CompanyShare().IntPart())
	}
}

func TestSubmitReusesSummaryForSamePeriod(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	_, first, err := svc.Submit(ctx, submitInput(3003, "2026-07-01"))
	require.NoError(t, err)
	_, second, err := svc.Submit(ctx, submitInput(3003, "2026-07-01"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	ids, err := repo.ListSummaryIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSubmitRejectsInvalidInputWithoutSideEffects(t *testing.T) {
	svc, repo, notifier, _ := newTestService(t)
	ctx := context.Background()

	in := submitInput(1001, "2026-08-01")
	in.PhoneLine = "55512345" // 8 digits

	_, _, err := svc.Submit(ctx, in)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "phone_line", ve.Field)

	ids, err := repo.ListSummaryIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, notifier.published())
}

func TestSubmitRejectsSubsidyAboveFee(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	in := submitInput(1001, "2026-08-01")
	in.Subsidy = decimal.NewFromInt(500)

	_, _, err := svc.Submit(context.Background(), in)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "subsidy", ve.Field)
}

func TestSubmitRejectsBadPeriod(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	in := submitInput(1001, "august 2026")
	_, _, err := svc.Submit(context.Background(), in)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "period", ve.Field)
}

func TestSubmitPropagatesTxFailure(t *testing.T) {
	svc, repo, notifier, _ := newTestService(t)
	repo.txError = errors.New("connection reset")

	_, _, err := svc.Submit(context.Background(), submitInput(1001, "2026-08-01"))
	require.Error(t, err)
	assert.Empty(t, notifier.published())
}

func TestConcurrentSubmitsLoseNoUpdates(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := submitInput(7007, "2026-08-01")
			in.ValueDevices = 10
			in.ValueServices = 5
			in.Fee = 15
			in.PaidBy = boolPtr(false)
			in.Subsidy = decimal.NewFromInt(3)
			_, _, err := svc.Submit(ctx, in)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	summary, err := svc.FindSummary(ctx, 7007, "2026-08-01")
	require.NoError(t, err)
	assert.Len(t, summary.Details, workers)
	assert.True(t, summary.EquipmentTotal.Equal(decimal.NewFromInt(10*workers)))
	assert.True(t, summary.ServiceTotal.Equal(decimal.NewFromInt(5*workers)))
	assert.True(t, summary.CompanyTotal.Equal(decimal.NewFromInt(12*workers)))
}

// ============================================================================
// REATTACH
// ============================================================================

func TestReattachMovesDetailBetweenSummaries(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	ctx := context.Background()

	moved, source, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	detail, target, previous, err := svc.Reattach(ctx, ReattachInput{
		DetailID: moved.ID,
		Account:  2002,
		Period:   "2026-08-01",
	})
	require.NoError(t, err)

	require.NotNil(t, detail.SummaryID)
	assert.Equal(t, target.ID, *detail.SummaryID)
	assert.Equal(t, int64(2002), target.Account)

	require.NotNil(t, previous)
	assert.Equal(t, source.ID, previous.ID)
	assert.Len(t, previous.Details, 1)
	assert.Len(t, target.Details, 1)

	// One line moved: each summary now carries exactly one detail's values.
	assert.True(t, previous.EquipmentTotal.Equal(decimal.NewFromInt(200)))
	assert.True(t, target.EquipmentTotal.Equal(decimal.NewFromInt(200)))

	// Both affected summaries are announced.
	published := notifier.published()
	assert.Contains(t, published, target.ID)
	assert.Contains(t, published, previous.ID)
}

func TestReattachToSameSummaryIsIdempotent(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	moved, original, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	detail, target, previous, err := svc.Reattach(ctx, ReattachInput{
		DetailID: moved.ID,
		Account:  1001,
		Period:   "2026-08-01",
	})
	require.NoError(t, err)

	assert.Equal(t, original.ID, target.ID)
	require.NotNil(t, previous)
	assert.Equal(t, target.ID, previous.ID)
	require.NotNil(t, detail.SummaryID)
	assert.Equal(t, original.ID, *detail.SummaryID)
	assert.True(t, target.EquipmentTotal.Equal(original.EquipmentTotal))
}

func TestReattachAdoptsDetachedDetail(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	moved, _, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)
	_, err = svc.Detach(ctx, moved.ID)
	require.NoError(t, err)

	detail, target, previous, err := svc.Reattach(ctx, ReattachInput{
		DetailID: moved.ID,
		Account:  4004,
		Period:   "2026-09-01",
	})
	require.NoError(t, err)
	assert.Nil(t, previous)
	require.NotNil(t, detail.SummaryID)
	assert.Equal(t, target.ID, *detail.SummaryID)
	assert.True(t, target.EquipmentTotal.Equal(decimal.NewFromInt(200)))
}

func TestReattachUnknownDetail(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, _, _, err := svc.Reattach(context.Background(), ReattachInput{
		DetailID: 99,
		Account:  1001,
		Period:   "2026-08-01",
	})
	assert.ErrorIs(t, err, ErrDetailNotFound)
}

// ============================================================================
// DETACH
// ============================================================================

func TestDetachRecomputesEmptiedSummary(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	detail, _, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	summary, err := svc.Detach(ctx, detail.ID)
	require.NoError(t, err)

	assert.True(t, summary.Empty())
	assert.True(t, summary.EquipmentTotal.IsZero())
	assert.True(t, summary.ServiceTotal.IsZero())
	assert.True(t, summary.CompanyTotal.IsZero())

	// The emptied summary row survives for future submissions.
	kept, err := svc.GetSummary(ctx, summary.ID)
	require.NoError(t, err)
	assert.True(t, kept.Empty())
}

func TestDetachTwiceFails(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	detail, _, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	_, err = svc.Detach(ctx, detail.ID)
	require.NoError(t, err)
	_, err = svc.Detach(ctx, detail.ID)
	assert.ErrorIs(t, err, ErrDetailUnattached)
}

func TestDetachUnknownDetail(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Detach(context.Background(), 42)
	assert.ErrorIs(t, err, ErrDetailNotFound)
}

// ============================================================================
// RECOMPUTE / AUDIT
// ============================================================================

func TestRecomputeRepairsDriftedTotals(t *testing.T) {
	svc, repo, _, audit := newTestService(t)
	ctx := context.Background()

	_, created, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	// Drift the stored rollup behind the repository's back.
	repo.mu.Lock()
	repo.summaries[created.ID].EquipmentTotal = decimal.NewFromInt(9999)
	repo.mu.Unlock()

	summary, err := svc.Recompute(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, summary.EquipmentTotal.Equal(decimal.NewFromInt(200)))

	again, err := svc.Recompute(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, summary.StoredTotals().Equal(again.StoredTotals()))

	assert.Contains(t, audit.actions(), "rcc.recompute")
}

func TestRecomputeUnknownSummary(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Recompute(context.Background(), 404)
	assert.ErrorIs(t, err, ErrSummaryNotFound)
}

func TestAuditReportsDrift(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	_, created, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	report, err := svc.Audit(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Empty(t, report.MismatchFields)
	assert.Equal(t, 1, report.DetailCount)

	repo.mu.Lock()
	repo.summaries[created.ID].EquipmentTotal = decimal.NewFromInt(1)
	repo.summaries[created.ID].CompanyTotal = decimal.NewFromInt(2)
	repo.mu.Unlock()

	report, err = svc.Audit(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Equal(t, []string{"equipment_total", "company_total"}, report.MismatchFields)

	// Audit never repairs; the drift is still there.
	stored, err := svc.GetSummary(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, stored.EquipmentTotal.Equal(decimal.NewFromInt(1)))
}

func TestAuditReadsOneInstantUnderConcurrentSubmits(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, created, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)

	// Submits keep committing while audits run. Stored totals and the
	// attached set must always come from the same instant, so no audit may
	// ever observe drift.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
			assert.NoError(t, err)
		}
	}()
	for i := 0; i < 200; i++ {
		report, err := svc.Audit(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, report.Consistent, "mismatch on fields %v", report.MismatchFields)
	}
	<-done
}

func TestDetachSurfacesContentionAfterRetries(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	detail, first, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)
	_, second, err := svc.Submit(ctx, submitInput(2002, "2026-08-01"))
	require.NoError(t, err)

	// The owner flips away on every pre-read, so each retry finds its view
	// stale again.
	repo.stealOwner = func(d Detail) *int64 {
		if d.SummaryID != nil && *d.SummaryID == first.ID {
			id := second.ID
			return &id
		}
		id := first.ID
		return &id
	}

	_, err = svc.Detach(ctx, detail.ID)
	assert.ErrorIs(t, err, ErrStaleOwner)
}

func TestReattachSurfacesContentionAfterRetries(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	detail, first, err := svc.Submit(ctx, submitInput(1001, "2026-08-01"))
	require.NoError(t, err)
	_, second, err := svc.Submit(ctx, submitInput(2002, "2026-08-01"))
	require.NoError(t, err)

	repo.stealOwner = func(d Detail) *int64 {
		if d.SummaryID != nil && *d.SummaryID == first.ID {
			id := second.ID
			return &id
		}
		id := first.ID
		return &id
	}

	_, _, _, err = svc.Reattach(ctx, ReattachInput{
		DetailID: detail.ID,
		Account:  3003,
		Period:   "2026-08-01",
	})
	assert.ErrorIs(t, err, ErrStaleOwner)
}

func TestNotifierFailureDoesNotFailMutation(t *testing.T) {
	svc, _, notifier, _ := newTestService(t)
	notifier.err = errors.New("redis gone")

	_, summary, err := svc.Submit(context.Background(), submitInput(1001, "2026-08-01"))
	require.NoError(t, err)
	assert.True(t, summary.EquipmentTotal.Equal(decimal.NewFromInt(200)))
}
