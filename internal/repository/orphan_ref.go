package repository

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

type orphanRefRepository struct {
	db *gorm.DB
}

func NewOrphanRefRepository(db *gorm.DB) interfaces.OrphanRefRepository {
	return &orphanRefRepository{db: db}
}

func (r *orphanRefRepository) Create(ctx context.Context, orphan *models.OrphanRef) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanRefRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if orphan == nil {
		err := errors.New("orphan cannot be nil")
		tracing.TraceErr(span, err)
		return err
	}
	orphan.MessageID = utils.NormalizeMessageID(orphan.MessageID)

	if err := r.db.WithContext(ctx).Create(orphan).Error; err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (r *orphanRefRepository) GetByMessageID(ctx context.Context, accountID, messageID string) (*models.OrphanRef, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanRefRepository.GetByMessageID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, accountID)

	messageID = utils.NormalizeMessageID(messageID)
	if messageID == "" {
		return nil, nil
	}

	var orphan models.OrphanRef
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND message_id = ?", accountID, messageID).
		First(&orphan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &orphan, nil
}

func (r *orphanRefRepository) DeleteByThreadID(ctx context.Context, threadID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "orphanRefRepository.DeleteByThreadID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	span.SetTag("thread_id", threadID)

	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Delete(&models.OrphanRef{}).Error
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}
