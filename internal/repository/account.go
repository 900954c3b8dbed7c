package repository

import (
	"time"

	"context"

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

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) interfaces.AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if account == nil {
		err := errors.New("account cannot be nil")
		tracing.TraceErr(span, err)
		return err
	}

	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, id)

	var account models.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, coreerrors.ErrAccountNotFound
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetDueForSync(ctx context.Context, olderThan time.Duration) ([]*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.GetDueForSync")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	cutoff := utils.Now().Add(-olderThan)

	// Syncing accounts are included so one whose worker died without
	// resetting the status still comes due; the active-job check at
	// scheduling time keeps accounts with live jobs out.
	var accounts []*models.Account
	err := r.db.WithContext(ctx).
		Where("status IN ?", []enum.AccountStatus{enum.AccountStatusActive, enum.AccountStatusSyncing}).
		Where("last_sync_at IS NULL OR last_sync_at < ?", cutoff).
		Order("last_sync_at ASC NULLS FIRST").
		Find(&accounts).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	span.SetTag("due_count", len(accounts))
	return accounts, nil
}

func (r *accountRepository) UpdateStatus(ctx context.Context, id string, status enum.AccountStatus) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.UpdateStatus")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, id)
	span.SetTag("status", status.String())

	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return coreerrors.ErrAccountNotFound
	}
	return nil
}

func (r *accountRepository) UpdateSyncResult(ctx context.Context, id string, status enum.AccountStatus, cursor string, syncedAt time.Time, syncError string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.UpdateSyncResult")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, id)
	span.SetTag("status", status.String())

	updates := map[string]interface{}{
		"status":          status,
		"last_sync_at":    syncedAt,
		"last_sync_error": syncError,
		"updated_at":      utils.Now(),
	}
	if cursor != "" {
		updates["sync_cursor"] = cursor
	}

	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return coreerrors.ErrAccountNotFound
	}
	return nil
}
