package sync

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
	"github.com/unimailhq/unimail/services/providers"
)

// ErrSyncAlreadyQueued is returned by TriggerSync when the account already
// has a pending or running job.
var ErrSyncAlreadyQueued = errors.New("account already has an active sync job")

// Orchestrator consumes sync jobs from the queue and runs the fetch cycle for
// one account per job. At most one job per account runs at a time, enforced
// by the account lease; a second job landing on a leased account goes back to
// the queue with a delay instead of waiting in a worker slot.
type Orchestrator struct {
	cfg          *config.SyncConfig
	log          logger.Logger
	repositories *repository.Repositories
	queue        interfaces.JobQueue
	locker       interfaces.AccountLocker
	credentials  interfaces.CredentialManager
	registry     *providers.Registry
	store        interfaces.MessageStore
	indexer      interfaces.IndexPipeline
}

func NewOrchestrator(
	cfg *config.SyncConfig,
	log logger.Logger,
	repositories *repository.Repositories,
	queue interfaces.JobQueue,
	locker interfaces.AccountLocker,
	credentials interfaces.CredentialManager,
	registry *providers.Registry,
	store interfaces.MessageStore,
	indexer interfaces.IndexPipeline,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		log:          log,
		repositories: repositories,
		queue:        queue,
		locker:       locker,
		credentials:  credentials,
		registry:     registry,
		store:        store,
		indexer:      indexer,
	}
}

// Run consumes the job queue until the queue is closed.
func (o *Orchestrator) Run() error {
	return o.queue.Process(o.HandleJob, o.cfg.Concurrency)
}

// TriggerSync creates and enqueues an on-demand job for the account, ahead of
// scheduled work. An account with an active job is not queued twice.
func (o *Orchestrator) TriggerSync(ctx context.Context, accountID string) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.TriggerSync")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	account, err := o.repositories.AccountRepository.GetByID(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if account == nil {
		return "", coreerrors.ErrAccountNotFound
	}
	if account.Status == enum.AccountStatusDisabled {
		return "", coreerrors.ErrAccountDisabled
	}

	active, err := o.repositories.SyncJobRepository.CountActiveByAccount(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if active > 0 {
		return "", ErrSyncAlreadyQueued
	}

	job := &models.SyncJob{AccountID: accountID, State: enum.SyncJobPending}
	if err := o.repositories.SyncJobRepository.Create(ctx, job); err != nil {
		if errors.Is(err, coreerrors.ErrDuplicateActiveJob) {
			// A concurrent trigger or the scheduler sweep won the race.
			return "", ErrSyncAlreadyQueued
		}
		tracing.TraceErr(span, err)
		return "", err
	}

	msg := interfaces.SyncJobMessage{JobID: job.ID, AccountID: accountID}
	if err := o.queue.Enqueue(ctx, msg, interfaces.EnqueueOptions{Priority: 5}); err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	tracing.TagJob(span, job.ID)
	return job.ID, nil
}

// HandleJob runs one delivery of one sync job. Returning nil acks the
// delivery; every retry and re-queue decision is made explicitly in here, so
// an error return means the delivery itself was undeliverable.
func (o *Orchestrator) HandleJob(ctx context.Context, msg interfaces.SyncJobMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.HandleJob")
	defer span.Finish()
	tracing.TagComponentWorker(span)
	tracing.TagJob(span, msg.JobID)
	tracing.TagAccount(span, msg.AccountID)

	job, err := o.repositories.SyncJobRepository.GetByID(ctx, msg.JobID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if job == nil {
		o.log.Warnf("sync job %s no longer exists, dropping delivery", msg.JobID)
		return nil
	}
	if job.State.IsTerminal() {
		// A terminal job never runs again, whatever the queue redelivers.
		span.SetTag("terminal", true)
		return nil
	}

	account, err := o.repositories.AccountRepository.GetByID(ctx, job.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if account == nil {
		return o.repositories.SyncJobRepository.Complete(ctx, job.ID, enum.SyncJobFailed, 0, "account no longer exists")
	}
	if account.Status == enum.AccountStatusDisabled {
		o.log.Infof("account %s is disabled, skipping sync job %s", account.ID, job.ID)
		return o.repositories.SyncJobRepository.Complete(ctx, job.ID, enum.SyncJobCompleted, 0, "account disabled")
	}

	// The job id is the lease owner token. The credential manager receives
	// the same token, so a mid-job refresh re-enters the lease instead of
	// deadlocking on it.
	owner := job.ID
	if !o.locker.TryAcquire(account.ID, owner, o.cfg.LeaseTTL) {
		span.SetTag("lease_contention", true)
		o.log.Infof("account %s is leased by %s, re-queueing job %s", account.ID, o.locker.Holder(account.ID), job.ID)
		return o.queue.Enqueue(ctx, msg, interfaces.EnqueueOptions{Delay: o.cfg.RetryBaseDelay})
	}
	defer o.locker.Release(account.ID, owner)

	// A running job past the stall cutoff was abandoned by a dead worker and
	// may be taken over; one a live worker holds goes back to the queue for
	// a later look instead of dead-lettering the delivery.
	stalledBefore := utils.Now().Add(-o.cfg.StallTimeout)
	if err := o.repositories.SyncJobRepository.MarkRunning(ctx, job.ID, stalledBefore); err != nil {
		if errors.Is(err, coreerrors.ErrSyncJobNotClaimable) {
			span.SetTag("job_claimed_elsewhere", true)
			return o.queue.Enqueue(ctx, msg, interfaces.EnqueueOptions{Delay: o.cfg.RetryBaseDelay})
		}
		tracing.TraceErr(span, err)
		return err
	}
	attempt := msg.Attempt + 1
	span.SetTag("attempt", attempt)

	if err := o.repositories.AccountRepository.UpdateStatus(ctx, account.ID, enum.AccountStatusSyncing); err != nil {
		tracing.TraceErr(span, err)
	}

	synced, cursor, err := o.runSync(ctx, account, owner)
	if err != nil {
		return o.finishWithError(ctx, job, account, attempt, synced, cursor, err)
	}

	now := utils.Now()
	if err := o.repositories.AccountRepository.UpdateSyncResult(ctx, account.ID, enum.AccountStatusActive, cursor, now, ""); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.SetTag("messages_synced", synced)
	return o.repositories.SyncJobRepository.Complete(ctx, job.ID, enum.SyncJobCompleted, synced, "")
}

// runSync builds the adapter and walks fetch pages until the provider has no
// more. It returns how many new messages were stored and the furthest cursor
// reached; both are meaningful even on error, because stored pages are
// durable and must not be refetched.
func (o *Orchestrator) runSync(ctx context.Context, account *models.Account, owner string) (int, string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.runSync")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)

	cursor := account.SyncCursor

	snapshot, err := o.credentials.Get(ctx, account.ID)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, cursor, coreerrors.Terminal(errors.Wrap(coreerrors.ErrAuthFailed, err.Error()))
	}

	adapter, err := o.connectAdapter(ctx, account, snapshot, owner)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, cursor, err
	}
	defer adapter.Close()

	synced := 0
	for {
		if ctx.Err() != nil {
			return synced, cursor, coreerrors.Transient(ctx.Err())
		}

		page, err := adapter.FetchMessages(ctx, cursor, o.cfg.FetchLimit)
		if err != nil {
			tracing.TraceErr(span, err)
			return synced, cursor, err
		}

		for _, recordErr := range page.Errors {
			// Malformed records fail individually and never the batch.
			o.log.Warnf("skipping malformed message %s on account %s: %v", recordErr.ProviderMessageID, account.ID, recordErr.Err)
		}

		for _, msg := range page.Messages {
			email, created, err := o.store.Store(ctx, account, msg)
			if err != nil {
				tracing.TraceErr(span, err)
				return synced, cursor, coreerrors.Transient(err)
			}
			if created {
				synced++
				o.indexer.EnqueueUpsert(email)
			}
		}

		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	span.SetTag("messages_synced", synced)
	return synced, cursor, nil
}

// connectAdapter builds the provider adapter and proves the connection. An
// auth failure gets exactly one credential refresh cycle; if the refreshed
// credentials still fail, the error is terminal.
func (o *Orchestrator) connectAdapter(ctx context.Context, account *models.Account, snapshot *interfaces.CredentialSnapshot, owner string) (interfaces.ProviderAdapter, error) {
	adapter, err := o.registry.New(account.Provider, snapshot)
	if err != nil {
		return nil, coreerrors.Terminal(err)
	}

	err = adapter.TestConnection(ctx)
	if err == nil {
		return adapter, nil
	}
	if !coreerrors.IsAuth(err) {
		adapter.Close()
		return nil, err
	}

	adapter.Close()
	o.log.Infof("credentials for account %s rejected, attempting refresh", account.ID)

	refreshed, refreshErr := o.credentials.RefreshExpired(ctx, account.ID, owner, snapshot.Version)
	if refreshErr != nil {
		return nil, refreshErr
	}

	adapter, err = o.registry.New(account.Provider, refreshed)
	if err != nil {
		return nil, coreerrors.Terminal(err)
	}
	if err := adapter.TestConnection(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	return adapter, nil
}

// finishWithError decides between retry and final failure. Transient errors
// retry with exponential backoff until the attempt budget runs out; terminal
// errors and exhausted budgets fail the job. Auth failures additionally park
// the account so the scheduler stops picking it up.
func (o *Orchestrator) finishWithError(ctx context.Context, job *models.SyncJob, account *models.Account, attempt int, synced int, cursor string, syncErr error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.finishWithError")
	defer span.Finish()
	tracing.TagJob(span, job.ID)
	tracing.TagAccount(span, account.ID)
	span.SetTag("attempt", attempt)
	tracing.TraceErr(span, syncErr)

	// Progress made before the failure is durable; the cursor moves with it.
	accountStatus := enum.AccountStatusActive
	if coreerrors.IsAuth(syncErr) {
		accountStatus = enum.AccountStatusAuthFailed
	}

	if coreerrors.IsTransient(syncErr) && attempt < o.cfg.MaxAttempts {
		delay := o.retryDelay(attempt)
		o.log.Warnf("sync job %s attempt %d failed, retrying in %s: %v", job.ID, attempt, delay, syncErr)

		if err := o.repositories.AccountRepository.UpdateSyncResult(ctx, account.ID, accountStatus, cursor, utils.Now(), syncErr.Error()); err != nil {
			tracing.TraceErr(span, err)
		}
		if err := o.repositories.SyncJobRepository.MarkPending(ctx, job.ID, syncErr.Error()); err != nil {
			tracing.TraceErr(span, err)
			return err
		}
		msg := interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID, Attempt: attempt}
		return o.queue.Enqueue(ctx, msg, interfaces.EnqueueOptions{Delay: delay})
	}

	o.log.Errorf("sync job %s failed permanently after attempt %d: %v", job.ID, attempt, syncErr)
	if err := o.repositories.AccountRepository.UpdateSyncResult(ctx, account.ID, accountStatus, cursor, utils.Now(), syncErr.Error()); err != nil {
		tracing.TraceErr(span, err)
	}
	return o.repositories.SyncJobRepository.Complete(ctx, job.ID, enum.SyncJobFailed, synced, syncErr.Error())
}

func (o *Orchestrator) retryDelay(attempt int) time.Duration {
	delay := o.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
