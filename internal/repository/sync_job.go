package repository

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/enum"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

type syncJobRepository struct {
	db *gorm.DB
}

func NewSyncJobRepository(db *gorm.DB) interfaces.SyncJobRepository {
	return &syncJobRepository{db: db}
}

func (r *syncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if job == nil {
		err := errors.New("job cannot be nil")
		tracing.TraceErr(span, err)
		return err
	}
	if job.State == "" {
		job.State = enum.SyncJobPending
	}

	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// The partial unique index on account_id caught a concurrent
			// create; the earlier job stands.
			return coreerrors.ErrDuplicateActiveJob
		}
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *syncJobRepository) GetByID(ctx context.Context, id string) (*models.SyncJob, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagJob(span, id)

	var job models.SyncJob
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrSyncJobNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &job, nil
}

// MarkRunning claims the job: pending rows always, running rows only when
// they stalled before the cutoff. A running row past the cutoff belongs to a
// worker that died mid-job, so a redelivered message may take it over; a
// fresh running row is a live worker's and stays claimed.
func (r *syncJobRepository) MarkRunning(ctx context.Context, id string, stalledBefore time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.MarkRunning")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagJob(span, id)

	now := utils.Now()
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND (state = ? OR (state = ? AND updated_at < ?))", id, enum.SyncJobPending, enum.SyncJobRunning, stalledBefore).
		Updates(map[string]interface{}{
			"state":      enum.SyncJobRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		tracing.TraceErr(span, coreerrors.ErrSyncJobNotClaimable)
		return coreerrors.ErrSyncJobNotClaimable
	}
	return nil
}

func (r *syncJobRepository) MarkPending(ctx context.Context, id string, jobError string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.MarkPending")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagJob(span, id)

	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state = ?", id, enum.SyncJobRunning).
		Updates(map[string]interface{}{
			"state":      enum.SyncJobPending,
			"error":      jobError,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		err := errors.New("job is not running")
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *syncJobRepository) Complete(ctx context.Context, id string, state enum.SyncJobState, messagesSynced int, jobError string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.Complete")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagJob(span, id)
	span.SetTag("state", state.String())

	if !state.IsTerminal() {
		err := errors.Errorf("state %s is not terminal", state)
		tracing.TraceErr(span, err)
		return err
	}

	now := utils.Now()
	// Guarded on non-terminal state so completed/failed jobs are never
	// resurrected by a late or duplicate delivery.
	result := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("id = ? AND state IN ?", id, []enum.SyncJobState{enum.SyncJobPending, enum.SyncJobRunning}).
		Updates(map[string]interface{}{
			"state":           state,
			"messages_synced": messagesSynced,
			"error":           jobError,
			"completed_at":    now,
			"updated_at":      now,
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		err := errors.New("job already finalized")
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// GetStalled returns non-terminal jobs with no progress since the cutoff.
// These are leftovers of dead workers or dead-lettered deliveries; the
// recovery sweep re-enqueues them.
func (r *syncJobRepository) GetStalled(ctx context.Context, before time.Time) ([]*models.SyncJob, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.GetStalled")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var jobs []*models.SyncJob
	err := r.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", []enum.SyncJobState{enum.SyncJobPending, enum.SyncJobRunning}, before).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return jobs, nil
}

func (r *syncJobRepository) CountActiveByAccount(ctx context.Context, accountID string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "syncJobRepository.CountActiveByAccount")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, accountID)

	var count int64
	err := r.db.WithContext(ctx).Model(&models.SyncJob{}).
		Where("account_id = ? AND state IN ?", accountID, []enum.SyncJobState{enum.SyncJobPending, enum.SyncJobRunning}).
		Count(&count).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	return count, nil
}
