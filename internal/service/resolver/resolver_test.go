package resolver_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/service/resolver"
	"github.com/abtree/abtree/internal/storage"
)

// fakeStore is an in-memory resolver.Store. Counter mutations take the lock
// so the concurrency tests exercise the same no-lost-updates contract the
// SQL layer provides.
type fakeStore struct {
	mu          sync.Mutex
	pagesByID   map[uuid.UUID]model.Page
	pagesByPath map[string]model.Page
	experiments map[string]model.Experiment // by slug
	history     map[string]*model.ExperimentHistory
	assignments map[string]*model.Assignment

	ledgerCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pagesByID:   make(map[uuid.UUID]model.Page),
		pagesByPath: make(map[string]model.Page),
		experiments: make(map[string]model.Experiment),
		history:     make(map[string]*model.ExperimentHistory),
		assignments: make(map[string]*model.Assignment),
	}
}

func (f *fakeStore) addPage(path, title, breadcrumb, body string) model.Page {
	p := model.Page{ID: uuid.New(), Path: path, Title: title, Breadcrumb: breadcrumb, Body: body}
	f.pagesByID[p.ID] = p
	f.pagesByPath[p.Path] = p
	return p
}

func (f *fakeStore) putExperiment(exp model.Experiment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.experiments[exp.Slug] = exp
}

func historyKey(expID, varID uuid.UUID) string  { return expID.String() + "/" + varID.String() }
func assignKey(expID uuid.UUID, tok string) string { return expID.String() + "/" + tok }

func (f *fakeStore) GetPageByID(_ context.Context, id uuid.UUID) (model.Page, error) {
	if p, ok := f.pagesByID[id]; ok {
		return p, nil
	}
	return model.Page{}, storage.ErrNotFound
}

func (f *fakeStore) GetPageByPath(_ context.Context, path string) (model.Page, error) {
	if p, ok := f.pagesByPath[path]; ok {
		return p, nil
	}
	return model.Page{}, storage.ErrNotFound
}

func (f *fakeStore) GetPagePaths(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if p, ok := f.pagesByID[id]; ok {
			out[id] = p.Path
		}
	}
	return out, nil
}

func (f *fakeStore) GetExperimentBySlug(_ context.Context, slug string) (model.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.experiments[slug]; ok {
		return e, nil
	}
	return model.Experiment{}, storage.ErrNotFound
}

func (f *fakeStore) GetExperimentByControlPage(_ context.Context, pageID uuid.UUID) (model.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.experiments {
		if e.ControlPageID == pageID {
			return e, nil
		}
	}
	return model.Experiment{}, storage.ErrNotFound
}

func (f *fakeStore) GetLiveExperimentByGoalPage(_ context.Context, pageID uuid.UUID) (model.Experiment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.experiments {
		if e.GoalPageID != nil && *e.GoalPageID == pageID && e.Status == model.StatusLive {
			return e, nil
		}
	}
	return model.Experiment{}, storage.ErrNotFound
}

func (f *fakeStore) IncrementParticipant(_ context.Context, expID, varID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerCalls++
	key := historyKey(expID, varID)
	if f.history[key] == nil {
		f.history[key] = &model.ExperimentHistory{ExperimentID: expID, VariationPageID: varID}
	}
	f.history[key].ParticipantCount++
	return f.history[key].ParticipantCount, nil
}

func (f *fakeStore) IncrementCompletion(_ context.Context, expID, varID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledgerCalls++
	key := historyKey(expID, varID)
	if f.history[key] == nil {
		f.history[key] = &model.ExperimentHistory{ExperimentID: expID, VariationPageID: varID}
	}
	f.history[key].CompletionCount++
	return f.history[key].CompletionCount, nil
}

func (f *fakeStore) GetHistory(_ context.Context, expID uuid.UUID) ([]model.ExperimentHistory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ExperimentHistory
	for _, h := range f.history {
		if h.ExperimentID == expID {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordAssignment(_ context.Context, a model.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := assignKey(a.ExperimentID, a.VisitorToken)
	if _, exists := f.assignments[key]; exists {
		return nil
	}
	a.ServedAt = time.Now().UTC()
	f.assignments[key] = &a
	return nil
}

func (f *fakeStore) GetAssignment(_ context.Context, expID uuid.UUID, token string) (model.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.assignments[assignKey(expID, token)]; ok {
		return *a, nil
	}
	return model.Assignment{}, storage.ErrNotFound
}

func (f *fakeStore) MarkAssignmentCompleted(_ context.Context, expID uuid.UUID, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.assignments[assignKey(expID, token)]
	if !ok || a.Completed {
		return false, nil
	}
	a.Completed = true
	return true, nil
}

func (f *fakeStore) participantCount(expID, varID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.history[historyKey(expID, varID)]; h != nil {
		return h.ParticipantCount
	}
	return 0
}

func (f *fakeStore) completionCount(expID, varID uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h := f.history[historyKey(expID, varID)]; h != nil {
		return h.CompletionCount
	}
	return 0
}

// Visitor tokens with known buckets for experiment "homepage-text" with two
// alternatives (obtained experimentally, pinned in the assign package tests):
// visitors A and B land on the control, visitor C on alternative 1.
const (
	visitorA = "11111111-1111-1111-1111-111111111111"
	visitorB = "22222222-2222-2222-2222-222222222222"
	visitorC = "33333333-3333-3333-3333-333333333333"
)

type fixture struct {
	store   *fakeStore
	svc     *resolver.Service
	exp     model.Experiment
	control model.Page
	alt1    model.Page
	alt2    model.Page
}

func newFixture(t *testing.T, status model.ExperimentStatus) *fixture {
	t.Helper()
	store := newFakeStore()
	control := store.addPage("/home/", "Home", "Home", "<p>Welcome to our site!</p>")
	alt1 := store.addPage("/home/home-alternative-1/", "Homepage alternative 1", "Home > Alt 1",
		"<p>Welcome to our site! It's lovely to meet you.</p>")
	alt2 := store.addPage("/home/home-alternative-2/", "Homepage alternative 2", "Home > Alt 2",
		"<p>Oh, it's you. What do you want?</p>")

	exp := model.Experiment{
		ID:             uuid.New(),
		Slug:           "homepage-text",
		Status:         status,
		ControlPageID:  control.ID,
		AlternativeIDs: []uuid.UUID{alt1.ID, alt2.ID},
	}
	store.putExperiment(exp)

	return &fixture{
		store:   store,
		svc:     resolver.New(store, nil, slog.Default()),
		exp:     exp,
		control: control,
		alt1:    alt1,
		alt2:    alt2,
	}
}

func TestResolve_PassthroughWithoutExperiment(t *testing.T) {
	store := newFakeStore()
	page := store.addPage("/about/", "About", "About us", "<p>About.</p>")
	svc := resolver.New(store, nil, slog.Default())

	got, err := svc.Resolve(context.Background(), "/about/", visitorA)
	require.NoError(t, err)
	assert.Equal(t, page.ID, got.ID)
	assert.Empty(t, got.ExperimentSlug)
	assert.Zero(t, store.ledgerCalls)
}

func TestResolve_UnknownPage(t *testing.T) {
	svc := resolver.New(newFakeStore(), nil, slog.Default())

	_, err := svc.Resolve(context.Background(), "/missing/", visitorA)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolve_DraftServesControlAndWritesNothing(t *testing.T) {
	f := newFixture(t, model.StatusDraft)

	// Visitor C would get alternative 1 when live, but draft always serves
	// the control and the ledger is never touched.
	got, err := f.svc.Resolve(context.Background(), "/home/", visitorC)
	require.NoError(t, err)
	assert.Equal(t, f.control.ID, got.ID)
	assert.Equal(t, "<p>Welcome to our site!</p>", got.Body)
	assert.Zero(t, f.store.ledgerCalls)

	// Completion signals are ignored in draft too.
	require.NoError(t, f.svc.SignalCompletion(context.Background(), "homepage-text", visitorC))
	assert.Zero(t, f.store.ledgerCalls)
}

func TestResolve_LiveAssignsDeterministically(t *testing.T) {
	f := newFixture(t, model.StatusLive)

	for i := 0; i < 5; i++ {
		got, err := f.svc.Resolve(context.Background(), "/home/", visitorA)
		require.NoError(t, err)
		assert.Equal(t, f.control.ID, got.ID, "visitor A sticks to the control")
	}
	for i := 0; i < 5; i++ {
		got, err := f.svc.Resolve(context.Background(), "/home/", visitorC)
		require.NoError(t, err)
		assert.Equal(t, f.alt1.ID, got.ID, "visitor C sticks to alternative 1")
		assert.Equal(t, "<p>Welcome to our site! It's lovely to meet you.</p>", got.Body)
	}
}

func TestResolve_AlternativeKeepsControlIdentity(t *testing.T) {
	f := newFixture(t, model.StatusLive)

	got, err := f.svc.Resolve(context.Background(), "/home/", visitorC)
	require.NoError(t, err)
	assert.Equal(t, f.alt1.ID, got.ID)
	assert.Equal(t, "Home", got.Title, "title must stay the control's")
	assert.Equal(t, "Home", got.Breadcrumb, "tree position must stay the control's")
	assert.Equal(t, "homepage-text", got.ExperimentSlug)
}

func TestResolve_ParticipantLedger(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "/home/", visitorA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.participantCount(f.exp.ID, f.control.ID))

	_, err = f.svc.Resolve(ctx, "/home/", visitorB)
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.store.participantCount(f.exp.ID, f.control.ID))

	_, err = f.svc.Resolve(ctx, "/home/", visitorC)
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.store.participantCount(f.exp.ID, f.control.ID))
	assert.EqualValues(t, 1, f.store.participantCount(f.exp.ID, f.alt1.ID))
	assert.EqualValues(t, 0, f.store.participantCount(f.exp.ID, f.alt2.ID))
}

func TestResolve_RepeatVisitsCountPerVisit(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.Resolve(ctx, "/home/", visitorA)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, f.store.participantCount(f.exp.ID, f.control.ID))
}

func TestSignalCompletion_CountsOncePerVisitor(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "/home/", visitorC)
	require.NoError(t, err)

	require.NoError(t, f.svc.SignalCompletion(ctx, "homepage-text", visitorC))
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.alt1.ID))
	assert.EqualValues(t, 0, f.store.completionCount(f.exp.ID, f.control.ID))

	// Duplicate signals do not double count.
	require.NoError(t, f.svc.SignalCompletion(ctx, "homepage-text", visitorC))
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.alt1.ID))
}

func TestSignalCompletion_NoOpWithoutParticipation(t *testing.T) {
	f := newFixture(t, model.StatusLive)

	require.NoError(t, f.svc.SignalCompletion(context.Background(), "homepage-text", visitorA))
	assert.Zero(t, f.store.ledgerCalls)

	// Unknown experiment is also a quiet no-op.
	require.NoError(t, f.svc.SignalCompletion(context.Background(), "no-such-experiment", visitorA))
}

func TestResolve_CompletedServesWinnerToEveryone(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	// Live activity first.
	_, err := f.svc.Resolve(ctx, "/home/", visitorA)
	require.NoError(t, err)
	require.NoError(t, f.svc.SignalCompletion(ctx, "homepage-text", visitorA))

	// Admin completes the experiment with alternative 2 as winner.
	f.exp.Status = model.StatusCompleted
	f.exp.WinningPageID = &f.alt2.ID
	f.store.putExperiment(f.exp)

	before := f.store.ledgerCalls
	for _, tok := range []string{visitorA, visitorB, visitorC} {
		got, err := f.svc.Resolve(ctx, "/home/", tok)
		require.NoError(t, err)
		assert.Equal(t, f.alt2.ID, got.ID, "everyone gets the winner")
		assert.Equal(t, "<p>Oh, it's you. What do you want?</p>", got.Body)
		assert.Equal(t, "Home", got.Title)
	}

	// Frozen: no new writes, prior counts intact.
	assert.Equal(t, before, f.store.ledgerCalls)
	assert.EqualValues(t, 1, f.store.participantCount(f.exp.ID, f.control.ID))
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.control.ID))

	// Completion signals are ignored once completed, even for visitors with
	// a live-era assignment.
	require.NoError(t, f.svc.SignalCompletion(ctx, "homepage-text", visitorB))
	assert.Equal(t, before, f.store.ledgerCalls)
}

func TestResolve_CompletedWithoutWinnerDegradesToControl(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	f.exp.Status = model.StatusCompleted
	f.exp.WinningPageID = nil
	f.store.putExperiment(f.exp)

	got, err := f.svc.Resolve(context.Background(), "/home/", visitorC)
	require.NoError(t, err)
	assert.Equal(t, f.control.ID, got.ID)
	assert.Zero(t, f.store.ledgerCalls)
}

func TestResolve_ZeroAlternatives(t *testing.T) {
	store := newFakeStore()
	control := store.addPage("/pricing/", "Pricing", "Pricing", "<p>Plans.</p>")
	exp := model.Experiment{
		ID:            uuid.New(),
		Slug:          "pricing-solo",
		Status:        model.StatusLive,
		ControlPageID: control.ID,
	}
	store.putExperiment(exp)
	svc := resolver.New(store, nil, slog.Default())

	got, err := svc.Resolve(context.Background(), "/pricing/", visitorC)
	require.NoError(t, err)
	assert.Equal(t, control.ID, got.ID)
	// Still a live experiment: the visit is counted against the control.
	assert.EqualValues(t, 1, store.participantCount(exp.ID, control.ID))
}

func TestResolve_GoalPageRecordsCompletion(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	goal := f.store.addPage("/signup-complete/", "Thanks", "Thanks", "<p>Done!</p>")
	f.exp.GoalPageID = &goal.ID
	f.store.putExperiment(f.exp)
	ctx := context.Background()

	_, err := f.svc.Resolve(ctx, "/home/", visitorA)
	require.NoError(t, err)
	assert.EqualValues(t, 0, f.store.completionCount(f.exp.ID, f.control.ID))

	// Visiting the goal page completes the experiment for this visitor.
	got, err := f.svc.Resolve(ctx, "/signup-complete/", visitorA)
	require.NoError(t, err)
	assert.Equal(t, goal.ID, got.ID, "goal page renders normally")
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.control.ID))

	// Repeat goal visits stay at one completion.
	_, err = f.svc.Resolve(ctx, "/signup-complete/", visitorA)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.control.ID))

	// A visitor who never participated completes nothing.
	_, err = f.svc.Resolve(ctx, "/signup-complete/", "99999999-9999-9999-9999-999999999999")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.store.completionCount(f.exp.ID, f.control.ID))
}

func TestResolve_ConcurrentVisitsLoseNoIncrements(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	const visitors = 50
	var wg sync.WaitGroup
	for i := 0; i < visitors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Resolve(ctx, "/home/", fmt.Sprintf("visitor-%04d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := f.store.participantCount(f.exp.ID, f.control.ID) +
		f.store.participantCount(f.exp.ID, f.alt1.ID) +
		f.store.participantCount(f.exp.ID, f.alt2.ID)
	assert.EqualValues(t, visitors, total)
}

func TestReport(t *testing.T) {
	f := newFixture(t, model.StatusLive)
	ctx := context.Background()

	for _, tok := range []string{visitorA, visitorB, visitorC} {
		_, err := f.svc.Resolve(ctx, "/home/", tok)
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.SignalCompletion(ctx, "homepage-text", visitorC))

	report, err := f.svc.Report(ctx, "homepage-text")
	require.NoError(t, err)
	require.Len(t, report.Variations, 3, "all variations appear, served or not")

	byID := map[uuid.UUID]model.VariationReport{}
	for _, v := range report.Variations {
		byID[v.VariationPageID] = v
	}

	control := byID[f.control.ID]
	assert.True(t, control.IsControl)
	assert.EqualValues(t, 2, control.ParticipantCount)
	assert.EqualValues(t, 0, control.CompletionCount)
	assert.Zero(t, control.ConversionRate)

	alt1 := byID[f.alt1.ID]
	assert.EqualValues(t, 1, alt1.ParticipantCount)
	assert.EqualValues(t, 1, alt1.CompletionCount)
	assert.InDelta(t, 1.0, alt1.ConversionRate, 1e-9)

	alt2 := byID[f.alt2.ID]
	assert.EqualValues(t, 0, alt2.ParticipantCount)
	assert.Equal(t, "/home/home-alternative-2/", alt2.Path)
}
