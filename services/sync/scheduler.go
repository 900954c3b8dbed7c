package sync

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	cronv3 "github.com/robfig/cron/v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/unimailhq/unimail/config"
	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

const (
	leaseDuration = 15 * time.Second
	renewDeadline = 10 * time.Second
	retryPeriod   = 2 * time.Second
)

// Scheduler sweeps for accounts whose last sync is older than the configured
// interval and enqueues a job for each. Only one replica runs the sweep at a
// time, decided by Kubernetes leader election; without a cluster it runs
// standalone.
type Scheduler struct {
	cfg          *config.SyncConfig
	log          logger.Logger
	repositories *repository.Repositories
	queue        interfaces.JobQueue
	k8s          kubernetes.Interface

	cron   *cronv3.Cron
	stopCh chan struct{}
}

func NewScheduler(cfg *config.SyncConfig, log logger.Logger, repositories *repository.Repositories, queue interfaces.JobQueue, k8s kubernetes.Interface) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		log:          log,
		repositories: repositories,
		queue:        queue,
		stopCh:       make(chan struct{}),
		k8s:          k8s,
	}
}

// Start begins the sweep, behind leader election when a k8s client is
// available and directly otherwise.
func (s *Scheduler) Start(podName, namespace string) error {
	if s.k8s == nil || os.Getenv("LOCAL_DEV") == "true" {
		s.log.Info("starting sync scheduler in local mode")
		s.startCron()
		return nil
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      "unimail-scheduler-leader",
			Namespace: namespace,
		},
		Client: s.k8s.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: podName,
		},
	}

	errCh := make(chan error, 1)
	go func() {
		le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
			Lock:            lock,
			ReleaseOnCancel: true,
			LeaseDuration:   leaseDuration,
			RenewDeadline:   renewDeadline,
			RetryPeriod:     retryPeriod,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					s.startCron()
				},
				OnStoppedLeading: func() {
					s.log.Info("scheduler leadership lost, stopping sweep")
					s.Stop()
				},
				OnNewLeader: func(identity string) {
					s.log.Infof("scheduler leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			errCh <- err
			return
		}
		le.Run(context.Background())
	}()

	select {
	case err := <-errCh:
		s.log.Warnf("leader election failed, falling back to local mode: %v", err)
		s.startCron()
	case <-time.After(5 * time.Second):
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.log.Info("stopping sync scheduler")
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Scheduler) startCron() {
	c := cronv3.New(cronv3.WithChain(
		cronv3.SkipIfStillRunning(cronv3.DefaultLogger),
		cronv3.Recover(cronv3.DefaultLogger),
	))

	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		defer tracing.RecoverAndLog(s.log)
		s.sweepDueAccounts()
	}); err != nil {
		s.log.Fatalf("could not register sync sweep job: %v", err)
	}

	c.Start()
	s.cron = c
	s.log.Infof("sync scheduler started with schedule %s", s.cfg.Schedule)
}

// sweepDueAccounts enqueues one job per due account. An account with a
// pending or running job is skipped; the running job either finishes or
// retries on its own schedule.
func (s *Scheduler) sweepDueAccounts() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	span, ctx := tracing.StartTracerSpan(ctx, "Scheduler.sweepDueAccounts")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	s.recoverStalledJobs(ctx)

	accounts, err := s.repositories.AccountRepository.GetDueForSync(ctx, s.cfg.Interval)
	if err != nil {
		tracing.TraceErr(span, err)
		s.log.Errorf("failed to list accounts due for sync: %v", err)
		return
	}
	span.SetTag("due_accounts", len(accounts))

	enqueued := 0
	for _, account := range accounts {
		if err := s.scheduleAccount(ctx, account); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("failed to schedule sync for account %s: %v", account.ID, err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.log.Infof("sync sweep enqueued %d of %d due accounts", enqueued, len(accounts))
	}
}

func (s *Scheduler) scheduleAccount(ctx context.Context, account *models.Account) error {
	active, err := s.repositories.SyncJobRepository.CountActiveByAccount(ctx, account.ID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}

	job := &models.SyncJob{AccountID: account.ID, State: enum.SyncJobPending}
	if err := s.repositories.SyncJobRepository.Create(ctx, job); err != nil {
		if errors.Is(err, coreerrors.ErrDuplicateActiveJob) {
			// An on-demand trigger beat the sweep to this account.
			return nil
		}
		return err
	}

	return s.queue.Enqueue(ctx, interfaces.SyncJobMessage{JobID: job.ID, AccountID: account.ID}, interfaces.EnqueueOptions{})
}

// recoverStalledJobs re-enqueues jobs a dead worker or a dead-lettered
// delivery left behind. Running rows go back to pending first; the claim
// cutoff in MarkRunning keeps a job a live worker holds safe from the extra
// delivery. Without this, a crash mid-job would leave the job running and
// the account syncing forever, and the account would never be swept again.
func (s *Scheduler) recoverStalledJobs(ctx context.Context) {
	span, ctx := tracing.StartTracerSpan(ctx, "Scheduler.recoverStalledJobs")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	before := utils.Now().Add(-s.cfg.StallTimeout)
	jobs, err := s.repositories.SyncJobRepository.GetStalled(ctx, before)
	if err != nil {
		tracing.TraceErr(span, err)
		s.log.Errorf("failed to list stalled sync jobs: %v", err)
		return
	}
	span.SetTag("stalled_jobs", len(jobs))

	for _, job := range jobs {
		if job.State == enum.SyncJobRunning {
			if err := s.repositories.SyncJobRepository.MarkPending(ctx, job.ID, "worker lost, job recovered"); err != nil {
				tracing.TraceErr(span, err)
				s.log.Errorf("failed to recover stalled sync job %s: %v", job.ID, err)
				continue
			}
		}
		msg := interfaces.SyncJobMessage{JobID: job.ID, AccountID: job.AccountID, Attempt: job.Attempts}
		if err := s.queue.Enqueue(ctx, msg, interfaces.EnqueueOptions{}); err != nil {
			tracing.TraceErr(span, err)
			s.log.Errorf("failed to re-enqueue stalled sync job %s: %v", job.ID, err)
			continue
		}
		s.log.Warnf("recovered stalled sync job %s for account %s", job.ID, job.AccountID)
	}
}
