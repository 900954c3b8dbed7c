package sync

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/utils"
)

func activeAccount(f *orchestratorFixture) *models.Account {
	account := &models.Account{ID: "acct_1", Provider: enum.EmailProviderIMAP, Address: "alice@example.com", Status: enum.AccountStatusActive}
	_ = f.accounts.Create(context.Background(), account)
	return account
}

func pendingJob(f *orchestratorFixture, accountID string) *models.SyncJob {
	job := &models.SyncJob{AccountID: accountID}
	_ = f.jobs.Create(context.Background(), job)
	return job
}

func fetchedMessage(providerMessageID string) *interfaces.IncomingMessage {
	return &interfaces.IncomingMessage{
		ProviderMessageID: providerMessageID,
		MessageID:         providerMessageID + "@example.com",
		Subject:           "hello",
		FromAddress:       "bob@example.com",
		ToAddresses:       []string{"alice@example.com"},
		Folder:            "INBOX",
		BodyText:          "hi",
	}
}

func TestTriggerSync(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)

	jobID, err := f.orchestrator.TriggerSync(context.Background(), account.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	job, err := f.jobs.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enum.SyncJobPending, job.State)

	last := f.queue.last()
	require.NotNil(t, last)
	assert.Equal(t, jobID, last.Msg.JobID)
	assert.Equal(t, uint8(5), last.Opts.Priority)
}

func TestTriggerSync_UnknownAccount(t *testing.T) {
	f := newOrchestratorFixture()

	_, err := f.orchestrator.TriggerSync(context.Background(), "acct_missing")
	assert.ErrorIs(t, err, coreerrors.ErrAccountNotFound)
}

func TestTriggerSync_DisabledAccount(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	account.Status = enum.AccountStatusDisabled

	_, err := f.orchestrator.TriggerSync(context.Background(), account.ID)
	assert.ErrorIs(t, err, coreerrors.ErrAccountDisabled)
}

func TestTriggerSync_ActiveJobNotQueuedTwice(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)

	_, err := f.orchestrator.TriggerSync(context.Background(), account.ID)
	require.NoError(t, err)

	_, err = f.orchestrator.TriggerSync(context.Background(), account.ID)
	assert.ErrorIs(t, err, ErrSyncAlreadyQueued)
}

func TestHandleJob_HappyPath(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.adapter.pages = []*interfaces.FetchPage{
		{
			Messages:   []*interfaces.IncomingMessage{fetchedMessage("INBOX:1"), fetchedMessage("INBOX:2")},
			NextCursor: `{"INBOX":2}`,
			HasMore:    true,
		},
		{
			Messages:   []*interfaces.IncomingMessage{fetchedMessage("INBOX:3")},
			NextCursor: `{"INBOX":3}`,
		},
	}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobCompleted, job.State)
	assert.Equal(t, 3, job.MessagesSynced)
	assert.Equal(t, enum.AccountStatusActive, account.Status)
	assert.Equal(t, `{"INBOX":3}`, account.SyncCursor)
	require.NotNil(t, account.LastSyncAt)
	assert.Empty(t, account.LastSyncError)

	// Every stored message was pushed to the indexer, the lease released
	// and the adapter closed.
	assert.Len(t, f.indexer.upserts, 3)
	assert.Equal(t, "", f.locker.Holder(account.ID))
	assert.True(t, f.adapter.closed)
}

func TestHandleJob_DuplicatesNotCountedOrIndexed(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.store.seen[account.ID+"|INBOX:1"] = true
	f.adapter.pages = []*interfaces.FetchPage{
		{Messages: []*interfaces.IncomingMessage{fetchedMessage("INBOX:1"), fetchedMessage("INBOX:2")}},
	}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, job.MessagesSynced)
	assert.Len(t, f.indexer.upserts, 1)
}

func TestHandleJob_MalformedRecordsDoNotFailTheJob(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.adapter.pages = []*interfaces.FetchPage{
		{
			Messages:   []*interfaces.IncomingMessage{fetchedMessage("INBOX:2")},
			Errors:     []interfaces.RecordError{{ProviderMessageID: "INBOX:1", Err: errors.New("bad mime")}},
			NextCursor: `{"INBOX":2}`,
		},
	}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobCompleted, job.State)
	assert.Equal(t, 1, job.MessagesSynced)
	// The cursor moved past the malformed record.
	assert.Equal(t, `{"INBOX":2}`, account.SyncCursor)
}

func TestHandleJob_TerminalJobNeverRunsAgain(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)
	require.NoError(t, f.jobs.Complete(context.Background(), job.ID, enum.SyncJobCompleted, 5, ""))

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	// No fetch happened and nothing was re-queued.
	assert.Equal(t, 0, f.adapter.fetchCalls)
	assert.Equal(t, 0, f.queue.count())
	assert.Equal(t, 5, job.MessagesSynced)
}

func TestHandleJob_UnknownJobDropsDelivery(t *testing.T) {
	f := newOrchestratorFixture()

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: "job_gone", AccountID: "acct_1"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.count())
}

func TestHandleJob_DeletedAccountFailsJob(t *testing.T) {
	f := newOrchestratorFixture()
	job := pendingJob(f, "acct_gone")

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: "acct_gone"})
	require.NoError(t, err)
	assert.Equal(t, enum.SyncJobFailed, job.State)
}

func TestHandleJob_DisabledAccountCompletesWithoutSync(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	account.Status = enum.AccountStatusDisabled
	job := pendingJob(f, account.ID)

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobCompleted, job.State)
	assert.Equal(t, 0, f.adapter.fetchCalls)
}

func TestHandleJob_LeaseContentionRequeues(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	require.True(t, f.locker.TryAcquire(account.ID, "other-job", time.Minute))

	msg := interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID, Attempt: 1}
	err := f.orchestrator.HandleJob(context.Background(), msg)
	require.NoError(t, err)

	// The job went back to the queue untouched, with a delay.
	assert.Equal(t, enum.SyncJobPending, job.State)
	last := f.queue.last()
	require.NotNil(t, last)
	assert.Equal(t, msg, last.Msg)
	assert.Equal(t, 30*time.Second, last.Opts.Delay)
	assert.Equal(t, 0, f.adapter.fetchCalls)
}

func TestHandleJob_TransientFailureRetriesWithBackoff(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.adapter.fetchErr = coreerrors.Transient(errors.New("connection reset"))

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobPending, job.State)
	assert.Equal(t, account.LastSyncError, job.Error)

	last := f.queue.last()
	require.NotNil(t, last)
	assert.Equal(t, 1, last.Msg.Attempt)
	assert.Equal(t, 30*time.Second, last.Opts.Delay)

	// Second attempt doubles the delay.
	err = f.orchestrator.HandleJob(context.Background(), last.Msg)
	require.NoError(t, err)
	last = f.queue.last()
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Msg.Attempt)
	assert.Equal(t, 60*time.Second, last.Opts.Delay)
}

func TestHandleJob_RetryBudgetExhausted(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.adapter.fetchErr = coreerrors.Transient(errors.New("connection reset"))

	// MaxAttempts is 3; the delivery carrying Attempt 2 is the third try.
	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID, Attempt: 2})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobFailed, job.State)
	assert.NotEmpty(t, job.Error)
	assert.Equal(t, 0, f.queue.count())
	// Transient exhaustion does not park the account.
	assert.Equal(t, enum.AccountStatusActive, account.Status)
}

func TestHandleJob_AuthFailureParksAccount(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	authErr := coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, "login rejected"))
	f.adapter.connectErrs = []error{authErr, authErr}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobFailed, job.State)
	assert.Equal(t, enum.AccountStatusAuthFailed, account.Status)
	assert.Equal(t, 0, f.queue.count())
	// Exactly one refresh cycle was attempted before giving up.
	assert.Equal(t, 1, f.credentials.refreshes)
}

func TestHandleJob_RefreshRecoversAuthFailure(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.adapter.connectErrs = []error{
		coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, "token expired")),
	}
	f.adapter.pages = []*interfaces.FetchPage{
		{Messages: []*interfaces.IncomingMessage{fetchedMessage("INBOX:1")}, NextCursor: `{"INBOX":1}`},
	}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobCompleted, job.State)
	assert.Equal(t, 1, job.MessagesSynced)
	assert.Equal(t, 1, f.credentials.refreshes)
	assert.Equal(t, enum.AccountStatusActive, account.Status)
}

func TestHandleJob_CredentialLoadFailureIsTerminal(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	f.credentials.getErr = errors.New("secret store unavailable")

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobFailed, job.State)
	assert.Equal(t, enum.AccountStatusAuthFailed, account.Status)
}

func TestHandleJob_PartialProgressSurvivesFailure(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	job := pendingJob(f, account.ID)

	// First page lands, then the provider fails. The cursor must reflect
	// the stored page so the retry does not refetch it.
	f.adapter.pages = []*interfaces.FetchPage{
		{
			Messages:   []*interfaces.IncomingMessage{fetchedMessage("INBOX:1")},
			NextCursor: `{"INBOX":1}`,
			HasMore:    true,
		},
	}
	fetchesBeforeFailure := 1
	f.adapter.fetchErrAfter(fetchesBeforeFailure, coreerrors.Transient(errors.New("connection reset")))

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobPending, job.State)
	assert.Equal(t, `{"INBOX":1}`, account.SyncCursor)
	assert.Len(t, f.indexer.upserts, 1)
}

func TestHandleJob_UnknownProviderFailsTerminally(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	account.Provider = enum.EmailProviderGmail
	job := pendingJob(f, account.ID)

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)
	assert.Equal(t, enum.SyncJobFailed, job.State)
	assert.Equal(t, 0, f.queue.count())
}

func TestTriggerSync_LostCreateRaceReportsAlreadyQueued(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	pendingJob(f, account.ID)

	// The active-job check misses the concurrent job; the unique constraint
	// on the create catches it.
	f.jobs.missActiveCheck = true

	_, err := f.orchestrator.TriggerSync(context.Background(), account.ID)
	require.ErrorIs(t, err, ErrSyncAlreadyQueued)

	assert.Len(t, f.jobs.jobs, 1)
	assert.Equal(t, 0, f.queue.count())
}

func TestHandleJob_TakesOverStalledRunningJob(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)
	account.Status = enum.AccountStatusSyncing

	// A worker died mid-job: the row is stuck in running and nothing will
	// finalize it. The redelivered message takes it over.
	job := pendingJob(f, account.ID)
	job.State = enum.SyncJobRunning
	job.Attempts = 1
	job.UpdatedAt = utils.Now().Add(-time.Hour)

	f.adapter.pages = []*interfaces.FetchPage{
		{Messages: []*interfaces.IncomingMessage{fetchedMessage("m-1")}, NextCursor: `{"INBOX":1}`},
	}

	err := f.orchestrator.HandleJob(context.Background(), interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID})
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobCompleted, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, enum.AccountStatusActive, account.Status)
	assert.Equal(t, 1, job.MessagesSynced)
}

func TestHandleJob_FreshRunningJobGoesBackToTheQueue(t *testing.T) {
	f := newOrchestratorFixture()
	account := activeAccount(f)

	// Another replica is actively working this job; its lease is invisible
	// here, so the claim guard is what keeps the delivery off it.
	job := pendingJob(f, account.ID)
	job.State = enum.SyncJobRunning
	job.UpdatedAt = utils.Now()

	msg := interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID}
	err := f.orchestrator.HandleJob(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, enum.SyncJobRunning, job.State)
	assert.Equal(t, 0, f.adapter.fetchCalls)
	last := f.queue.last()
	require.NotNil(t, last)
	assert.Equal(t, msg, last.Msg)
	assert.Equal(t, 30*time.Second, last.Opts.Delay)
}
