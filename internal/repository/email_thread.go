package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

type emailThreadRepository struct {
	db *gorm.DB
}

func NewEmailThreadRepository(db *gorm.DB) interfaces.EmailThreadRepository {
	return &emailThreadRepository{db: db}
}

func (r *emailThreadRepository) Create(ctx context.Context, thread *models.EmailThread) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailThreadRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	if thread == nil {
		err := errors.New("thread cannot be nil")
		tracing.TraceErr(span, err)
		return "", err
	}

	if thread.ID == "" {
		thread.ID = utils.GenerateNanoIDWithPrefix("thrd", 16)
	}
	if thread.LastMessageID != "" {
		thread.LastMessageID = utils.NormalizeMessageID(thread.LastMessageID)
	}

	now := utils.Now()
	thread.CreatedAt = now
	thread.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(thread).Error; err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}

	return thread.ID, nil
}

func (r *emailThreadRepository) GetByID(ctx context.Context, id string) (*models.EmailThread, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailThreadRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	span.SetTag("thread_id", id)

	if id == "" {
		err := errors.New("thread ID cannot be empty")
		tracing.TraceErr(span, err)
		return nil, err
	}

	var thread models.EmailThread
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}

	return &thread, nil
}

func (r *emailThreadRepository) FindBySubjectAndAccount(ctx context.Context, subject string, accountID string) ([]*models.EmailThread, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailThreadRepository.FindBySubjectAndAccount")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, accountID)

	if subject == "" {
		return nil, nil
	}

	var threads []*models.EmailThread
	result := r.db.WithContext(ctx).
		Where("subject = ? AND account_id = ?", subject, accountID).
		Order("last_message_at DESC").
		Find(&threads)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return nil, errors.Wrap(result.Error, "error querying threads by subject")
	}

	return threads, nil
}

// RecordMessage locks the thread row for update, then folds the new message
// into message_count, participants and the first/last timestamps. The row
// lock keeps count == number of referencing emails under concurrent inserts.
// Runs as a savepoint when the caller already holds a transaction, so the
// message insert and the count update commit or roll back together.
func (r *emailThreadRepository) RecordMessage(ctx context.Context, threadID string, messageID string, participants []string, messageTime time.Time, hasAttachment bool) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "emailThreadRepository.RecordMessage")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	span.SetTag("thread_id", threadID)

	if threadID == "" || messageID == "" {
		err := errors.New("thread ID and message ID cannot be empty")
		tracing.TraceErr(span, err)
		return err
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var thread models.EmailThread
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", threadID).
			First(&thread).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("thread with ID %s not found", threadID)
			}
			return err
		}

		merged := thread.Participants
		for _, participant := range participants {
			if !utils.IsStringInSlice(participant, merged) {
				merged = append(merged, participant)
			}
		}

		updates := map[string]interface{}{
			"message_count":   gorm.Expr("message_count + 1"),
			"last_message_id": utils.NormalizeMessageID(messageID),
			"participants":    merged,
			"updated_at":      utils.Now(),
		}
		if hasAttachment {
			updates["has_attachments"] = true
		}
		if thread.LastMessageAt == nil || messageTime.After(*thread.LastMessageAt) {
			updates["last_message_at"] = messageTime
		}
		if thread.FirstMessageAt == nil || messageTime.Before(*thread.FirstMessageAt) {
			updates["first_message_at"] = messageTime
		}

		return tx.Model(&models.EmailThread{}).
			Where("id = ?", threadID).
			Updates(updates).Error
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}
