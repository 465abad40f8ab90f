package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/artifact"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/ledger"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/sse"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/testutil"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/workbook"
	"github.com/thomasldk/granite-erp-sub001/internal/shared/notify"
	"gorm.io/gorm"
)

type recorder struct {
	mu     sync.Mutex
	events []sse.QuoteEvent
}

func (r *recorder) Publish(_ string, ev sse.QuoteEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

type fakeNotifier struct {
	sent []*notify.Message
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, msg *notify.Message) error {
	n.sent = append(n.sent, msg)
	return n.err
}

type failingLedger struct{}

func (failingLedger) Publish(context.Context, *ledger.Descriptor) error {
	return errors.New("share offline")
}
func (failingLedger) Withdraw(context.Context, string, int) error { return nil }

// flakyQuotes 让前 failures 次插入返回唯一约束冲突
type flakyQuotes struct {
	*repository.QuoteRepository
	failures int
}

func (f *flakyQuotes) Create(ctx context.Context, q *entity.Quote, log *entity.ActivityLog) error {
	if f.failures > 0 {
		f.failures--
		return repository.ErrDuplicate
	}
	return f.QuoteRepository.Create(ctx, q, log)
}

// hookLedger 在撤回前执行一次 beforeWithdraw，模拟撤回与新提交交错
type hookLedger struct {
	*ledger.DirLedger
	beforeWithdraw func()
}

func (l *hookLedger) Withdraw(ctx context.Context, quoteID string, attempt int) error {
	if fn := l.beforeWithdraw; fn != nil {
		l.beforeWithdraw = nil
		fn()
	}
	return l.DirLedger.Withdraw(ctx, quoteID, attempt)
}

// hookQuotes 在下一次 Apply 之前执行一次 beforeApply
type hookQuotes struct {
	service.QuoteStore
	beforeApply func()
}

func (q *hookQuotes) Apply(ctx context.Context, t *repository.Transition) error {
	if fn := q.beforeApply; fn != nil {
		q.beforeApply = nil
		fn()
	}
	return q.QuoteStore.Apply(ctx, t)
}

type fixture struct {
	db       *gorm.DB
	svc      *service.Services
	ledger   *ledger.DirLedger
	store    *artifact.DiskStore
	events   *recorder
	notifier *fakeNotifier
	lease    *ledger.LeaseSigner
}

func setup(t *testing.T, mutate ...func(*service.Deps)) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	testutil.SeedClient(t, db, "client-a", "ACME")
	testutil.SeedClient(t, db, "client-b", "BOREAL")
	testutil.SeedContact(t, db, "contact-a", "client-a", "Alice")
	testutil.SeedContact(t, db, "contact-b", "client-b", "Bruno")
	testutil.SeedProject(t, db, "project-1", "P-001", "client-a")
	testutil.SeedProject(t, db, "project-2", "P-002", "client-b")

	dl, err := ledger.NewDirLedger(t.TempDir())
	require.NoError(t, err)
	store, err := artifact.NewDiskStore(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		ledger:   dl,
		store:    store,
		events:   &recorder{},
		notifier: &fakeNotifier{},
		lease:    ledger.NewLeaseSigner("test-secret", time.Hour),
	}
	deps := service.Deps{
		Ledger:    dl,
		Lease:     f.lease,
		Artifacts: store,
		Events:    f.events,
		Notifier:  f.notifier,
	}.FromRepositories(repository.NewRepositories(db))
	for _, m := range mutate {
		m(&deps)
	}
	f.svc = service.NewServices(deps)
	return f
}

func (f *fixture) create(t *testing.T, items ...service.ItemInput) *entity.Quote {
	t.Helper()
	contact := "contact-a"
	q, err := f.svc.Quote.Create(context.Background(), &service.CreateQuoteRequest{
		ProjectID: "project-1",
		ContactID: &contact,
		Items:     items,
	}, "op-1")
	require.NoError(t, err)
	return q
}

func (f *fixture) submit(t *testing.T, quoteID string, force bool) *service.JobTicket {
	t.Helper()
	ticket, err := f.svc.Sync.SubmitJob(context.Background(), quoteID, service.SubmitOptions{Force: force, OperatorID: "op-1"})
	require.NoError(t, err)
	return ticket
}

func requireCode(t *testing.T, err error, code apperr.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equalf(t, code, apperr.CodeOf(err), "unexpected error: %v", err)
}

func slab(desc string, l, w float64) service.ItemInput {
	return service.ItemInput{Description: desc, Length: l, Width: w, Thickness: 3, Quantity: 1}
}

func resultWorkbook(t *testing.T, rows ...workbook.Row) []byte {
	t.Helper()
	f, err := workbook.Render(nil, rows)
	require.NoError(t, err)
	defer f.Close()
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestCreateNumbersQuotesWithinProject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first := f.create(t, slab("Vanity top", 120, 60))
	require.Equal(t, "P-001", first.Reference)
	require.Equal(t, 0, first.Revision)
	require.Equal(t, entity.QuoteStatusDraft, first.Status)
	require.Equal(t, entity.SyncStatusNone, first.SyncStatus)
	require.Len(t, first.Items, 1)
	require.Equal(t, 1, first.Items[0].Position)

	// 默认条款来自客户
	require.Equal(t, "CAD", *first.Currency)
	require.Equal(t, "NET30", *first.PaymentTermID)
	require.Equal(t, 30, *first.ValidityDays)
	require.True(t, first.ExchangeRate.Valid)

	preview, err := f.svc.Quote.PreviewNextReference(ctx, "project-1")
	require.NoError(t, err)
	require.Equal(t, "P-001-R1", preview.Reference)

	second, err := f.svc.Quote.Create(ctx, &service.CreateQuoteRequest{
		ProjectID: "project-1",
		CommercialFields: service.CommercialFields{
			Currency:    service.Some("usd"),
			PalletTerms: service.Null[string](),
		},
	}, "op-1")
	require.NoError(t, err)
	require.Equal(t, "P-001-R1", second.Reference)
	require.Equal(t, "USD", *second.Currency)
	require.Nil(t, second.PalletTerms)

	quotes, err := f.svc.Quote.ListByProject(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	require.Equal(t, []string{entity.ActionCreate, entity.ActionCreate}, f.events.actions())
}

func TestCreateValidatesParties(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	foreign := "contact-b"
	_, err := f.svc.Quote.Create(ctx, &service.CreateQuoteRequest{ProjectID: "project-1", ContactID: &foreign}, "op-1")
	requireCode(t, err, apperr.CodeInvalidContactAssociation)

	_, err = f.svc.Quote.Create(ctx, &service.CreateQuoteRequest{ProjectID: "missing"}, "op-1")
	requireCode(t, err, apperr.CodeNotFound)

	_, err = f.svc.Quote.Create(ctx, &service.CreateQuoteRequest{}, "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)

	_, err = f.svc.Quote.Create(ctx, &service.CreateQuoteRequest{
		ProjectID:        "project-1",
		CommercialFields: service.CommercialFields{ExchangeRate: service.Some(decimal.Zero)},
	}, "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)

	var count int64
	f.db.Model(&entity.Quote{}).Count(&count)
	require.Zero(t, count)
}

func TestCreateRetriesOnceOnReferenceConflict(t *testing.T) {
	flaky := &flakyQuotes{failures: 1}
	f := setup(t, func(d *service.Deps) {
		flaky.QuoteRepository = d.Quotes.(*repository.QuoteRepository)
		d.Quotes = flaky
	})

	q := f.create(t)
	require.Equal(t, "P-001", q.Reference)

	flaky.failures = 2
	_, err := f.svc.Quote.Create(context.Background(), &service.CreateQuoteRequest{ProjectID: "project-1"}, "op-1")
	requireCode(t, err, apperr.CodeReferenceConflict)
}

func TestSubmitJobIsSingleFlight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Island", 240, 100))

	ticket := f.submit(t, q.ID, false)
	require.Equal(t, 1, ticket.Attempt)
	require.NotEmpty(t, ticket.LeaseToken)

	desc, err := f.ledger.Read(q.ID)
	require.NoError(t, err)
	require.Equal(t, 1, desc.Attempt)
	require.Equal(t, "P-001", desc.Inputs.ProjectReference)
	require.Len(t, desc.Inputs.Items, 1)

	_, err = f.svc.Sync.SubmitJob(ctx, q.ID, service.SubmitOptions{})
	requireCode(t, err, apperr.CodeJobAlreadyInFlight)

	forced := f.submit(t, q.ID, true)
	require.Equal(t, 2, forced.Attempt)

	jobs, err := f.svc.Sync.JobHistory(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, entity.JobStatusSuperseded, jobs[0].Status)
	require.Equal(t, entity.JobStatusPending, jobs[1].Status)

	pending, err := f.svc.Sync.ListPendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 2, pending[0].Attempt)
}

func TestSubmitJobRollsBackWhenLedgerFails(t *testing.T) {
	f := setup(t, func(d *service.Deps) { d.Ledger = failingLedger{} })
	ctx := context.Background()
	q := f.create(t)

	_, err := f.svc.Sync.SubmitJob(ctx, q.ID, service.SubmitOptions{})
	requireCode(t, err, apperr.CodeInternal)

	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusNone, got.SyncStatus)
	require.Equal(t, 0, got.JobAttempt)

	var jobs int64
	f.db.Model(&entity.AgentJob{}).Count(&jobs)
	require.Zero(t, jobs)
}

func TestReportResultRejectsStaleAttempts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Backsplash", 300, 45))

	first := f.submit(t, q.ID, false)
	f.submit(t, q.ID, true)

	_, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: first.Attempt, Success: true})
	requireCode(t, err, apperr.CodeStaleWriteReporting)

	// 旧租约同样过期
	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, LeaseToken: first.LeaseToken, Success: true})
	requireCode(t, err, apperr.CodeStaleWriteReporting)

	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusPending, got.SyncStatus)
	require.Equal(t, 2, got.JobAttempt)

	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Success: true})
	requireCode(t, err, apperr.CodeArgumentInvalid)
}

func TestReportResultSuccessReplacesItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Old line", 10, 10))
	ticket := f.submit(t, q.ID, false)

	got, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID:    q.ID,
		LeaseToken: ticket.LeaseToken,
		Success:    true,
		Items: []service.ItemInput{
			{Position: 1, Description: "Kitchen top", Length: 240, Width: 65, Thickness: 3, Quantity: 1,
				NetArea: 1.56, GrossArea: 1.8, Weight: 128.7,
				InternalCost: decimal.RequireFromString("812.40"), ExternalPrice: decimal.RequireFromString("1299.00")},
			{Position: 2, Description: "Island", Length: 200, Width: 100, Thickness: 3, Quantity: 1},
			{Position: 3, Description: "Sill", Length: 90, Width: 20, Thickness: 2, Quantity: 4},
		},
	})
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusCalculated, got.SyncStatus)
	require.Nil(t, got.SyncError)
	require.Len(t, got.Items, 3)
	require.Equal(t, "Kitchen top", got.Items[0].Description)
	require.True(t, got.Items[0].ExternalPrice.Equal(decimal.RequireFromString("1299")))

	_, err = f.ledger.Read(q.ID)
	require.Error(t, err, "settled job must be withdrawn from the ledger")

	// 重复回报被拒绝
	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: ticket.Attempt, Success: true})
	requireCode(t, err, apperr.CodeStaleWriteReporting)

	jobs, err := f.svc.Sync.JobHistory(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.JobStatusSucceeded, jobs[0].Status)
	require.NotNil(t, jobs[0].CompletedAt)
}

func TestReportResultFailureRecordsReason(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	ticket := f.submit(t, q.ID, false)

	got, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID: q.ID, Attempt: ticket.Attempt, ErrorReason: "material not priced",
	})
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusError, got.SyncStatus)
	require.Equal(t, "material not priced", *got.SyncError)
	require.Len(t, got.Items, 1, "failed calculation keeps the existing items")

	// 失败后可以重新提交，错误原因清空
	f.submit(t, q.ID, false)
	got, err = f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusPending, got.SyncStatus)
	require.Nil(t, got.SyncError)

	got, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: 2})
	require.NoError(t, err)
	require.Equal(t, service.DefaultFailureReason, *got.SyncError)
}

func TestDownloadConfirmsCalculatedResultOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))

	_, err := f.svc.Sync.FetchResultArtifact(ctx, q.ID)
	requireCode(t, err, apperr.CodeArtifactNotFound)

	ticket := f.submit(t, q.ID, false)
	data := resultWorkbook(t,
		workbook.Row{Position: 1, Description: "Top", Length: 100, Width: 60, Thickness: 3, Quantity: 1,
			NetArea: 0.6, InternalCost: decimal.NewFromInt(300), ExternalPrice: decimal.NewFromInt(480)},
		workbook.Row{Position: 2, Description: "Splash", Length: 100, Width: 10, Thickness: 2, Quantity: 1},
	)
	got, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID: q.ID, Attempt: ticket.Attempt, Success: true,
		Artifact: bytes.NewReader(data), ArtifactName: "P-001.xlsx",
	})
	require.NoError(t, err)
	require.Len(t, got.Items, 2, "items are read from the workbook when none are posted")
	require.NotNil(t, got.ArtifactKey)

	art, err := f.svc.Sync.FetchResultArtifact(ctx, q.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(art.Body)
	require.NoError(t, err)
	art.Body.Close()
	require.Equal(t, data, body)
	require.Equal(t, "P-001.xlsx", art.Filename)
	require.Equal(t, artifact.ContentTypeXLSX, art.ContentType)

	got, err = f.svc.Sync.ConfirmDownload(ctx, q.ID, ticket.Attempt, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusSynced, got.SyncStatus)

	// 再次下载不改变状态
	got, err = f.svc.Sync.ConfirmDownload(ctx, q.ID, ticket.Attempt, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusSynced, got.SyncStatus)

	logs, _, err := f.svc.Quote.History(ctx, q.ID, 1, 50)
	require.NoError(t, err)
	var downloads int
	for _, l := range logs {
		if l.Action == entity.ActionDownload {
			downloads++
			require.EqualValues(t, ticket.Attempt, l.Metadata["attempt"])
		}
	}
	require.Equal(t, 1, downloads)
}

func TestReintegrateReplacesItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	data := resultWorkbook(t,
		workbook.Row{Description: "Edited top", Length: 110, Width: 60, Thickness: 3, Quantity: 1},
		workbook.Row{Description: "Edited splash", Length: 110, Width: 10, Thickness: 2, Quantity: 2},
	)

	ticket := f.submit(t, q.ID, false)
	_, err := f.svc.Sync.Reintegrate(ctx, q.ID, bytes.NewReader(data), "edited.xlsx", "op-1")
	requireCode(t, err, apperr.CodeJobAlreadyInFlight)

	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: ticket.Attempt, Success: true})
	require.NoError(t, err)

	got, err := f.svc.Sync.Reintegrate(ctx, q.ID, bytes.NewReader(data), "edited.xlsx", "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusSynced, got.SyncStatus)
	require.Len(t, got.Items, 2)
	require.Equal(t, "Edited top", got.Items[0].Description)
	require.Equal(t, 1, got.Items[0].Position)

	// SYNCED 之后仍可再次导入
	_, err = f.svc.Sync.Reintegrate(ctx, q.ID, bytes.NewReader(data), "edited.xlsx", "op-1")
	require.NoError(t, err)

	_, err = f.svc.Sync.Reintegrate(ctx, q.ID, bytes.NewReader([]byte("not a workbook")), "x.xlsx", "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)
}

func TestQuoteStatusLifecycle(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))

	_, err := f.svc.Quote.Accept(ctx, q.ID, "op-1")
	requireCode(t, err, apperr.CodeInvalidTransition)

	f.submit(t, q.ID, false)
	_, err = f.svc.Quote.Emit(ctx, q.ID, &service.EmitRequest{Subject: "Your quote"}, "op-1")
	requireCode(t, err, apperr.CodeJobAlreadyInFlight)

	_, err = f.svc.Quote.Update(ctx, q.ID, &service.UpdateQuoteRequest{}, "op-1")
	requireCode(t, err, apperr.CodeJobAlreadyInFlight)

	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: 1, Success: true})
	require.NoError(t, err)

	sent, err := f.svc.Quote.Emit(ctx, q.ID, &service.EmitRequest{Subject: "Your quote", Message: "See attached"}, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.QuoteStatusSent, sent.Status)
	require.NotNil(t, sent.EmittedAt)
	require.Len(t, f.notifier.sent, 1)

	notes := "late change"
	_, err = f.svc.Quote.Update(ctx, q.ID, &service.UpdateQuoteRequest{
		CommercialFields: service.CommercialFields{Notes: service.Some(notes)},
	}, "op-1")
	requireCode(t, err, apperr.CodeQuoteLocked)

	_, err = f.svc.Sync.SubmitJob(ctx, q.ID, service.SubmitOptions{})
	requireCode(t, err, apperr.CodeQuoteLocked)

	_, err = f.svc.Quote.Emit(ctx, q.ID, &service.EmitRequest{}, "op-1")
	requireCode(t, err, apperr.CodeInvalidTransition)

	accepted, err := f.svc.Quote.Accept(ctx, q.ID, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.QuoteStatusAccepted, accepted.Status)

	logs, total, err := f.svc.Quote.History(ctx, q.ID, 1, 50)
	require.NoError(t, err)
	require.EqualValues(t, len(logs), total)
	require.Equal(t, entity.ActionCreate, logs[0].Action)
	require.Equal(t, entity.ActionAccept, logs[len(logs)-1].Action)
}

func TestNotifierFailureDoesNotFailEmit(t *testing.T) {
	f := setup(t)
	f.notifier.err = errors.New("webhook down")
	q := f.create(t)

	sent, err := f.svc.Quote.Emit(context.Background(), q.ID, &service.EmitRequest{Subject: "s"}, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.QuoteStatusSent, sent.Status)
}

func TestUpdateDraft(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))

	items := []service.ItemInput{slab("A", 50, 50), slab("B", 60, 60)}
	got, err := f.svc.Quote.Update(ctx, q.ID, &service.UpdateQuoteRequest{
		ContactID:        service.Null[string](),
		CommercialFields: service.CommercialFields{ValidityDays: service.Some(45), Notes: service.Some("rush")},
		Items:            &items,
	}, "op-1")
	require.NoError(t, err)
	require.Nil(t, got.ContactID)
	require.Equal(t, 45, *got.ValidityDays)
	require.Equal(t, "rush", *got.Notes)
	require.Equal(t, "CAD", *got.Currency, "omitted fields stay unchanged")
	require.Len(t, got.Items, 2)

	_, err = f.svc.Quote.Update(ctx, q.ID, &service.UpdateQuoteRequest{ContactID: service.Some("contact-b")}, "op-1")
	requireCode(t, err, apperr.CodeInvalidContactAssociation)

	bad := []service.ItemInput{{Length: -1}}
	_, err = f.svc.Quote.Update(ctx, q.ID, &service.UpdateQuoteRequest{Items: &bad}, "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)
}

func TestCreateRevisionCopiesCommercialTerms(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.create(t, slab("Top", 100, 60))
	_, err := f.svc.Quote.Update(ctx, src.ID, &service.UpdateQuoteRequest{
		CommercialFields: service.CommercialFields{
			MaterialID:   service.Some("granite-black"),
			Notes:        service.Some("deliver by crane"),
			ExchangeRate: service.Some(decimal.RequireFromString("1.3725")),
			ValidityDays: service.Some(60),
			IncotermID:   service.Null[string](),
			PalletTerms:  service.Null[string](),
		},
	}, "op-1")
	require.NoError(t, err)
	_, err = f.svc.Quote.Emit(ctx, src.ID, &service.EmitRequest{Subject: "v1"}, "op-1")
	require.NoError(t, err)

	rev, err := f.svc.Revision.CreateRevision(ctx, src.ID, &service.CommercialFields{
		Currency: service.Some("EUR"),
	}, "op-2")
	require.NoError(t, err)
	require.Equal(t, "P-001-R1", rev.Reference)
	require.Equal(t, src.ID, *rev.PredecessorID)
	require.Equal(t, entity.QuoteStatusDraft, rev.Status)
	require.Equal(t, entity.SyncStatusNone, rev.SyncStatus)
	require.Equal(t, 0, rev.JobAttempt)
	require.Empty(t, rev.Items)
	require.Equal(t, "granite-black", *rev.MaterialID)
	require.Equal(t, "deliver by crane", *rev.Notes)
	require.Equal(t, "EUR", *rev.Currency)
	require.Equal(t, "client-a", rev.ClientID)
	require.Equal(t, "contact-a", *rev.ContactID)

	again, err := f.svc.Revision.CreateRevision(ctx, rev.ID, nil, "op-2")
	require.NoError(t, err)
	require.Equal(t, "P-001-R2", again.Reference)
	require.Equal(t, rev.ID, *again.PredecessorID)
	requireSameCommercialTerms(t, rev, again)
	require.Nil(t, again.IncotermID)
	require.Nil(t, again.PalletTerms)
	require.Equal(t, "NET30", *again.PaymentTermID)

	stored, err := f.svc.Quote.Get(ctx, again.ID)
	require.NoError(t, err)
	requireSameCommercialTerms(t, rev, stored)

	_, err = f.svc.Revision.CreateRevision(ctx, "missing", nil, "op-2")
	requireCode(t, err, apperr.CodeNotFound)
}

func requireSameCommercialTerms(t *testing.T, want, got *entity.Quote) {
	t.Helper()
	require.Equal(t, want.MaterialID, got.MaterialID, "material_id")
	require.Equal(t, want.PaymentTermID, got.PaymentTermID, "payment_term_id")
	require.Equal(t, want.IncotermID, got.IncotermID, "incoterm_id")
	require.Equal(t, want.Currency, got.Currency, "currency")
	require.Equal(t, want.ExchangeRate.Valid, got.ExchangeRate.Valid, "exchange_rate")
	require.Truef(t, want.ExchangeRate.Decimal.Equal(got.ExchangeRate.Decimal),
		"exchange_rate %s != %s", want.ExchangeRate.Decimal, got.ExchangeRate.Decimal)
	require.Equal(t, want.PalletTerms, got.PalletTerms, "pallet_terms")
	require.Equal(t, want.ValidityDays, got.ValidityDays, "validity_days")
	require.Equal(t, want.Notes, got.Notes, "notes")
}

func TestConcurrentRevisionsKeepReferencesUnique(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.create(t, slab("Top", 100, 60))

	const workers = 6
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		refs   = map[string]int{}
		failed int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rev, err := f.svc.Revision.CreateRevision(ctx, src.ID, nil, "op-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if apperr.CodeOf(err) != apperr.CodeReferenceConflict {
					t.Errorf("unexpected error: %v", err)
				}
				failed++
				return
			}
			refs[rev.Reference]++
		}()
	}
	close(start)
	wg.Wait()

	require.NotEmpty(t, refs)
	for ref, n := range refs {
		require.Equalf(t, 1, n, "reference %s issued %d times", ref, n)
	}
	require.Equal(t, workers, len(refs)+failed)

	quotes, err := f.svc.Quote.ListByProject(ctx, "project-1")
	require.NoError(t, err)
	require.Len(t, quotes, len(refs)+1)
}

func TestDuplicateForClient(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	src := f.create(t, slab("Top", 100, 60))

	wrong := "contact-a"
	_, err := f.svc.Revision.DuplicateForClient(ctx, src.ID, &service.DuplicateRequest{ClientID: "client-b", ContactID: &wrong}, "op-1")
	requireCode(t, err, apperr.CodeInvalidContactAssociation)

	contact := "contact-b"
	dup, err := f.svc.Revision.DuplicateForClient(ctx, src.ID, &service.DuplicateRequest{ClientID: "client-b", ContactID: &contact}, "op-1")
	require.NoError(t, err)
	require.Equal(t, "P-001-R1", dup.Reference)
	require.Equal(t, "client-b", dup.ClientID)
	require.Equal(t, "contact-b", *dup.ContactID)
	require.Nil(t, dup.PredecessorID)
	require.Empty(t, dup.Items)

	moved, err := f.svc.Revision.DuplicateForClient(ctx, src.ID, &service.DuplicateRequest{ClientID: "client-b", ProjectID: "project-2"}, "op-1")
	require.NoError(t, err)
	require.Equal(t, "P-002", moved.Reference)
	require.Equal(t, "project-2", moved.ProjectID)

	_, err = f.svc.Revision.DuplicateForClient(ctx, src.ID, &service.DuplicateRequest{}, "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)
}

func TestUnknownQuote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Quote.Get(ctx, "missing")
	requireCode(t, err, apperr.CodeNotFound)
	_, err = f.svc.Sync.SubmitJob(ctx, "missing", service.SubmitOptions{})
	requireCode(t, err, apperr.CodeNotFound)
	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: "missing", Attempt: 1})
	requireCode(t, err, apperr.CodeNotFound)
	_, err = f.svc.Sync.ConfirmDownload(ctx, "missing", 1, "op-1")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestWithdrawKeepsNewerAttempt(t *testing.T) {
	hook := &hookLedger{}
	f := setup(t, func(d *service.Deps) {
		hook.DirLedger = d.Ledger.(*ledger.DirLedger)
		d.Ledger = hook
	})
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	first := f.submit(t, q.ID, false)

	var forced *service.JobTicket
	hook.beforeWithdraw = func() { forced = f.submit(t, q.ID, true) }

	// 第一次回报在撤回前被强制重提交赶超，回报本身已落库
	_, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: first.Attempt, Success: true})
	require.NoError(t, err)
	require.NotNil(t, forced)
	require.Equal(t, 2, forced.Attempt)

	desc, err := f.ledger.Read(q.ID)
	require.NoError(t, err, "descriptor of the newer attempt must survive")
	require.Equal(t, 2, desc.Attempt)

	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusPending, got.SyncStatus)
	require.Equal(t, 2, got.JobAttempt)
}

func TestReportWithoutWorkbookStillProducesDownload(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Old line", 10, 10))
	ticket := f.submit(t, q.ID, false)

	got, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID: q.ID, Attempt: ticket.Attempt, Success: true,
		Items: []service.ItemInput{
			{Description: "Kitchen top", Length: 240, Width: 65, Thickness: 3, Quantity: 1, ExternalPrice: decimal.NewFromInt(1299)},
			{Description: "Island", Length: 200, Width: 100, Thickness: 3, Quantity: 1},
			{Description: "Sill", Length: 90, Width: 20, Thickness: 2, Quantity: 4},
		},
	})
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusCalculated, got.SyncStatus)
	require.NotNil(t, got.ArtifactKey)

	art, err := f.svc.Sync.FetchResultArtifact(ctx, q.ID)
	require.NoError(t, err)
	rows, err := workbook.ParseItems(art.Body)
	art.Body.Close()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "Kitchen top", rows[0].Description)
	require.Equal(t, float64(4), rows[2].Quantity)
	require.Equal(t, "P-001.xlsx", art.Filename)

	got, err = f.svc.Sync.ConfirmDownload(ctx, q.ID, art.Quote.JobAttempt, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusSynced, got.SyncStatus)
}

func TestResubmitClearsPreviousArtifact(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	ticket := f.submit(t, q.ID, false)

	_, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID: q.ID, Attempt: ticket.Attempt, Success: true,
		Artifact:     bytes.NewReader(resultWorkbook(t, workbook.Row{Description: "Top", Length: 100, Width: 60, Thickness: 3, Quantity: 1})),
		ArtifactName: "P-001.xlsx",
	})
	require.NoError(t, err)
	_, err = f.svc.Sync.FetchResultArtifact(ctx, q.ID)
	require.NoError(t, err)

	f.submit(t, q.ID, false)
	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Nil(t, got.ArtifactKey)

	_, err = f.svc.Sync.FetchResultArtifact(ctx, q.ID)
	requireCode(t, err, apperr.CodeArtifactNotFound)

	// 旧文件仍在存储里，只是不再挂在报价上
	body, _, err := f.store.Get(ctx, artifact.ResultKey(q.ID, ticket.Attempt, "P-001.xlsx"))
	require.NoError(t, err)
	body.Close()
}

func TestConfirmDownloadIgnoresOlderAttempt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))

	first := f.submit(t, q.ID, false)
	_, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: first.Attempt, Success: true})
	require.NoError(t, err)

	// 下载第一次结果期间重新提交并完成了第二次
	second := f.submit(t, q.ID, false)
	_, err = f.svc.Sync.ReportResult(ctx, &service.ResultReport{QuoteID: q.ID, Attempt: second.Attempt, Success: true})
	require.NoError(t, err)

	got, err := f.svc.Sync.ConfirmDownload(ctx, q.ID, first.Attempt, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusCalculated, got.SyncStatus)
	require.Equal(t, second.Attempt, got.JobAttempt)

	got, err = f.svc.Sync.ConfirmDownload(ctx, q.ID, second.Attempt, "op-1")
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusSynced, got.SyncStatus)
}

func TestStaleReportLeavesNoArtifact(t *testing.T) {
	hook := &hookQuotes{}
	f := setup(t, func(d *service.Deps) {
		hook.QuoteStore = d.Quotes
		d.Quotes = hook
	})
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	first := f.submit(t, q.ID, false)

	// 回报通过了预检，但在落库前被强制重提交抢先
	hook.beforeApply = func() { f.submit(t, q.ID, true) }

	_, err := f.svc.Sync.ReportResult(ctx, &service.ResultReport{
		QuoteID: q.ID, Attempt: first.Attempt, Success: true,
		Artifact:     bytes.NewReader(resultWorkbook(t, workbook.Row{Description: "Top", Length: 100, Width: 60, Thickness: 3, Quantity: 1})),
		ArtifactName: "P-001.xlsx",
	})
	requireCode(t, err, apperr.CodeStaleWriteReporting)

	_, _, err = f.store.Get(ctx, artifact.ResultKey(q.ID, first.Attempt, "P-001.xlsx"))
	require.ErrorIs(t, err, artifact.ErrNotFound)

	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, entity.SyncStatusPending, got.SyncStatus)
	require.Equal(t, 2, got.JobAttempt)
	require.Nil(t, got.ArtifactKey)
}

func TestReintegrateRejectsNegativeQuantity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := f.create(t, slab("Top", 100, 60))
	data := resultWorkbook(t, workbook.Row{Description: "Top", Length: 100, Width: 60, Thickness: 3, Quantity: -1})

	_, err := f.svc.Sync.Reintegrate(ctx, q.ID, bytes.NewReader(data), "edited.xlsx", "op-1")
	requireCode(t, err, apperr.CodeArgumentInvalid)

	got, err := f.svc.Quote.Get(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	require.Equal(t, float64(1), got.Items[0].Quantity)
}
