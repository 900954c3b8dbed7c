package sync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/locking"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/utils"
	"github.com/unimailhq/unimail/services/providers"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type fakeAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account
}

func newFakeAccountRepo() *fakeAccountRepo {
	return &fakeAccountRepo{accounts: make(map[string]*models.Account)}
}

func (r *fakeAccountRepo) Create(ctx context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == "" {
		account.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	r.accounts[account.ID] = account
	return nil
}

func (r *fakeAccountRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[id], nil
}

func (r *fakeAccountRepo) GetDueForSync(ctx context.Context, olderThan time.Duration) ([]*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := utils.Now().Add(-olderThan)
	var due []*models.Account
	for _, account := range r.accounts {
		if account.Status == enum.AccountStatusDisabled || account.Status == enum.AccountStatusAuthFailed {
			continue
		}
		if account.LastSyncAt == nil || account.LastSyncAt.Before(cutoff) {
			due = append(due, account)
		}
	}
	return due, nil
}

func (r *fakeAccountRepo) UpdateStatus(ctx context.Context, id string, status enum.AccountStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	account.Status = status
	return nil
}

func (r *fakeAccountRepo) UpdateSyncResult(ctx context.Context, id string, status enum.AccountStatus, cursor string, syncedAt time.Time, syncError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[id]
	if !ok {
		return errors.New("account not found")
	}
	account.Status = status
	account.SyncCursor = cursor
	account.LastSyncAt = utils.TimePtr(syncedAt)
	account.LastSyncError = syncError
	return nil
}

type fakeSyncJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.SyncJob

	// missActiveCheck makes the next CountActiveByAccount report zero,
	// simulating a concurrent create landing between the check and Create.
	missActiveCheck bool
}

func newFakeSyncJobRepo() *fakeSyncJobRepo {
	return &fakeSyncJobRepo{jobs: make(map[string]*models.SyncJob)}
}

func (r *fakeSyncJobRepo) Create(ctx context.Context, job *models.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.jobs {
		if existing.AccountID == job.AccountID && !existing.State.IsTerminal() {
			return coreerrors.ErrDuplicateActiveJob
		}
	}
	if job.ID == "" {
		job.ID = utils.GenerateNanoIDWithPrefix("job", 16)
	}
	if job.State == "" {
		job.State = enum.SyncJobPending
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = utils.Now()
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeSyncJobRepo) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id], nil
}

func (r *fakeSyncJobRepo) MarkRunning(ctx context.Context, id string, stalledBefore time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	claimable := job.State == enum.SyncJobPending ||
		(job.State == enum.SyncJobRunning && job.UpdatedAt.Before(stalledBefore))
	if !claimable {
		return coreerrors.ErrSyncJobNotClaimable
	}
	job.State = enum.SyncJobRunning
	job.Attempts++
	job.StartedAt = utils.TimePtr(utils.Now())
	job.UpdatedAt = utils.Now()
	return nil
}

func (r *fakeSyncJobRepo) MarkPending(ctx context.Context, id string, jobError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.State = enum.SyncJobPending
	job.Error = jobError
	job.UpdatedAt = utils.Now()
	return nil
}

func (r *fakeSyncJobRepo) Complete(ctx context.Context, id string, state enum.SyncJobState, messagesSynced int, jobError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return errors.New("job not found")
	}
	job.State = state
	job.MessagesSynced = messagesSynced
	job.Error = jobError
	job.CompletedAt = utils.TimePtr(utils.Now())
	job.UpdatedAt = utils.Now()
	return nil
}

func (r *fakeSyncJobRepo) GetStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stalled []*models.SyncJob
	for _, job := range r.jobs {
		if !job.State.IsTerminal() && job.UpdatedAt.Before(before) {
			stalled = append(stalled, job)
		}
	}
	return stalled, nil
}

func (r *fakeSyncJobRepo) CountActiveByAccount(ctx context.Context, accountID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missActiveCheck {
		r.missActiveCheck = false
		return 0, nil
	}
	var count int64
	for _, job := range r.jobs {
		if job.AccountID == accountID && !job.State.IsTerminal() {
			count++
		}
	}
	return count, nil
}

type enqueuedMessage struct {
	Msg  interfaces.SyncJobMessage
	Opts interfaces.EnqueueOptions
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []enqueuedMessage
}

func (q *fakeQueue) Enqueue(ctx context.Context, msg interfaces.SyncJobMessage, opts interfaces.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, enqueuedMessage{Msg: msg, Opts: opts})
	return nil
}

func (q *fakeQueue) Process(handler interfaces.JobHandler, concurrency int) error {
	return nil
}

func (q *fakeQueue) Close() error {
	return nil
}

func (q *fakeQueue) last() *enqueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil
	}
	return &q.messages[len(q.messages)-1]
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

type fakeCredentialManager struct {
	mu         sync.Mutex
	snapshot   *interfaces.CredentialSnapshot
	getErr     error
	refreshErr error
	refreshes  int
}

func (c *fakeCredentialManager) Get(ctx context.Context, accountID string) (*interfaces.CredentialSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.snapshot, nil
}

func (c *fakeCredentialManager) RefreshExpired(ctx context.Context, accountID string, owner string, seenVersion int64) (*interfaces.CredentialSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.refreshErr != nil {
		return nil, c.refreshErr
	}
	refreshed := *c.snapshot
	refreshed.Version = seenVersion + 1
	c.snapshot = &refreshed
	return &refreshed, nil
}

// fakeAdapter scripts provider behavior page by page.
type fakeAdapter struct {
	mu          sync.Mutex
	connectErrs []error
	pages       []*interfaces.FetchPage
	fetchErr    error
	failAfter   int
	failErr     error
	fetchCalls  int
	connects    int
	closed      bool
}

// fetchErrAfter makes the adapter fail once n fetches have succeeded.
func (a *fakeAdapter) fetchErrAfter(n int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
	a.failErr = err
}

func (a *fakeAdapter) TestConnection(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if len(a.connectErrs) > 0 {
		err := a.connectErrs[0]
		a.connectErrs = a.connectErrs[1:]
		return err
	}
	return nil
}

func (a *fakeAdapter) FetchMessages(ctx context.Context, cursor string, limit int) (*interfaces.FetchPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	if a.failErr != nil && a.fetchCalls >= a.failAfter {
		return nil, a.failErr
	}
	if a.fetchCalls >= len(a.pages) {
		return &interfaces.FetchPage{NextCursor: cursor}, nil
	}
	page := a.pages[a.fetchCalls]
	a.fetchCalls++
	return page, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, msg *interfaces.IncomingMessage) error {
	return nil
}

func (a *fakeAdapter) SetFlags(ctx context.Context, providerMessageID string, flags interfaces.FlagUpdate) error {
	return nil
}

func (a *fakeAdapter) Move(ctx context.Context, providerMessageID string, folder string) error {
	return nil
}

func (a *fakeAdapter) Delete(ctx context.Context, providerMessageID string) error {
	return nil
}

func (a *fakeAdapter) ListFolders(ctx context.Context) ([]interfaces.Folder, error) {
	return nil, nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type storedCall struct {
	AccountID string
	Msg       *interfaces.IncomingMessage
}

type fakeMessageStore struct {
	mu       sync.Mutex
	stored   []storedCall
	seen     map[string]bool
	storeErr error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{seen: make(map[string]bool)}
}

func (s *fakeMessageStore) Store(ctx context.Context, account *models.Account, msg *interfaces.IncomingMessage) (*models.Email, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, false, s.storeErr
	}
	key := account.ID + "|" + msg.ProviderMessageID
	if s.seen[key] {
		return &models.Email{ID: "email_" + msg.ProviderMessageID, AccountID: account.ID}, false, nil
	}
	s.seen[key] = true
	s.stored = append(s.stored, storedCall{AccountID: account.ID, Msg: msg})
	return &models.Email{ID: "email_" + msg.ProviderMessageID, AccountID: account.ID}, true, nil
}

type fakeIndexPipeline struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (p *fakeIndexPipeline) EnqueueUpsert(email *models.Email) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.upserts = append(p.upserts, email.ID)
}

func (p *fakeIndexPipeline) EnqueueDelete(emailID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deletes = append(p.deletes, emailID)
}

func (p *fakeIndexPipeline) Start() {}

func (p *fakeIndexPipeline) Stop() {}

type orchestratorFixture struct {
	orchestrator *Orchestrator
	accounts     *fakeAccountRepo
	jobs         *fakeSyncJobRepo
	queue        *fakeQueue
	locker       *locking.LeaseManager
	credentials  *fakeCredentialManager
	adapter      *fakeAdapter
	store        *fakeMessageStore
	indexer      *fakeIndexPipeline
}

func newOrchestratorFixture() *orchestratorFixture {
	log := testLogger()
	accounts := newFakeAccountRepo()
	jobs := newFakeSyncJobRepo()
	queue := &fakeQueue{}
	locker := locking.NewLeaseManager()
	credentials := &fakeCredentialManager{
		snapshot: &interfaces.CredentialSnapshot{AccountID: "acct_1", Version: 1, Username: "u", Password: "p", ServerHost: "imap.example.com"},
	}
	adapter := &fakeAdapter{}
	store := newFakeMessageStore()
	indexer := &fakeIndexPipeline{}

	registry := providers.NewRegistry(log)
	registry.Register(enum.EmailProviderIMAP, func(snapshot *interfaces.CredentialSnapshot, _ logger.Logger) (interfaces.ProviderAdapter, error) {
		return adapter, nil
	})

	repos := &repository.Repositories{
		AccountRepository: accounts,
		SyncJobRepository: jobs,
	}

	cfg := &config.SyncConfig{
		Concurrency:    1,
		MaxAttempts:    3,
		FetchLimit:     50,
		LeaseTTL:       time.Minute,
		StallTimeout:   10 * time.Minute,
		RetryBaseDelay: 30 * time.Second,
		Interval:       10 * time.Minute,
		Schedule:       "*/2 * * * *",
	}

	return &orchestratorFixture{
		orchestrator: NewOrchestrator(cfg, log, repos, queue, locker, credentials, registry, store, indexer),
		accounts:     accounts,
		jobs:         jobs,
		queue:        queue,
		locker:       locker,
		credentials:  credentials,
		adapter:      adapter,
		store:        store,
		indexer:      indexer,
	}
}
