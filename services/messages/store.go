package messages

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

// errLostInsertRace aborts the store transaction when another worker inserted
// the same message first, rolling back the thread work done for the loser.
var errLostInsertRace = errors.New("message was inserted concurrently")

// Store persists normalized messages: dedup against the account's existing
// mail, raw content to the blob store, thread resolution, then the database
// row. Storing the same provider message twice is a no-op.
type Store struct {
	log          logger.Logger
	repositories *repository.Repositories
	blobs        interfaces.BlobStorage
}

func NewStore(log logger.Logger, repositories *repository.Repositories, blobs interfaces.BlobStorage) *Store {
	return &Store{
		log:          log,
		repositories: repositories,
		blobs:        blobs,
	}
}

func (s *Store) Store(ctx context.Context, account *models.Account, msg *interfaces.IncomingMessage) (*models.Email, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "MessageStore.Store")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)
	span.SetTag("provider_message_id", msg.ProviderMessageID)

	existing, err := s.repositories.EmailRepository.GetByDedupKey(ctx, account.ID, msg.ProviderMessageID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, false, err
	}
	if existing != nil {
		span.SetTag("duplicate", true)
		return existing, false, nil
	}

	email := s.buildEmail(account, msg)

	// Blob uploads happen before the database transaction. The keys are
	// content addressed, so a retry after a rollback lands on the same
	// objects instead of leaking new ones.
	if len(msg.Raw) > 0 {
		storageKey := rawStorageKey(account.ID, msg.Raw)
		if err := s.blobs.Upload(ctx, storageKey, msg.Raw, "message/rfc822"); err != nil {
			tracing.TraceErr(span, err)
			return nil, false, errors.Wrap(err, "upload raw message")
		}
		email.StorageKey = storageKey
	}

	attachmentRecords, err := s.uploadAttachments(ctx, account, msg.Attachments)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, false, err
	}

	// The email row, the thread count update and the attachment records
	// commit or roll back as one unit. A failure part way leaves no row
	// behind, so the next delivery of the message starts clean instead of
	// deduping against a half-stored one.
	err = s.repositories.Tx.WithinTransaction(ctx, func(tx *repository.Repositories) error {
		threadID, err := s.resolveThread(ctx, tx, account, email)
		if err != nil {
			return err
		}
		email.ThreadID = threadID

		created, err := tx.EmailRepository.Create(ctx, email)
		if err != nil {
			return err
		}
		if !created {
			return errLostInsertRace
		}

		err = tx.EmailThreadRepository.RecordMessage(ctx, threadID, email.MessageID, email.AllParticipants(), messageTime(email), email.HasAttachment)
		if err != nil {
			return err
		}

		for _, record := range attachmentRecords {
			record.EmailID = email.ID
			if err := tx.EmailAttachmentRepository.Create(ctx, record); err != nil {
				return errors.Wrapf(err, "create attachment record %s", record.Filename)
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLostInsertRace) {
			// Another worker stored the same message between the dedup check
			// and the insert. Their row wins.
			span.SetTag("duplicate", true)
			existing, err := s.repositories.EmailRepository.GetByDedupKey(ctx, account.ID, msg.ProviderMessageID)
			if err != nil {
				tracing.TraceErr(span, err)
				return nil, false, err
			}
			return existing, false, nil
		}
		tracing.TraceErr(span, err)
		return nil, false, err
	}

	return email, true, nil
}

func (s *Store) buildEmail(account *models.Account, msg *interfaces.IncomingMessage) *models.Email {
	return &models.Email{
		AccountID:         account.ID,
		ProviderMessageID: msg.ProviderMessageID,
		Folder:            msg.Folder,
		IsRead:            msg.IsRead,
		IsStarred:         msg.IsStarred,
		IsSpam:            msg.IsSpam,
		MessageID:         msg.MessageID,
		InReplyTo:         msg.InReplyTo,
		References:        pq.StringArray(msg.References),
		Subject:           msg.Subject,
		FromAddress:       msg.FromAddress,
		FromName:          msg.FromName,
		ToAddresses:       pq.StringArray(msg.ToAddresses),
		CcAddresses:       pq.StringArray(msg.CcAddresses),
		BccAddresses:      pq.StringArray(msg.BccAddresses),
		SentAt:            msg.SentAt,
		ReceivedAt:        msg.ReceivedAt,
		BodyText:          msg.BodyText,
		BodyHTML:          msg.BodyHTML,
		HasAttachment:     len(msg.Attachments) > 0,
		Size:              msg.Size,
		RawHeaders:        models.JSONMap(msg.RawHeaders),
	}
}

// uploadAttachments pushes attachment content to the blob store and returns
// the records to insert; the email id is filled in inside the transaction
// once the row exists.
func (s *Store) uploadAttachments(ctx context.Context, account *models.Account, attachments []interfaces.IncomingAttachment) ([]*models.EmailAttachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "MessageStore.uploadAttachments")
	defer span.Finish()
	span.SetTag("count", len(attachments))

	records := make([]*models.EmailAttachment, 0, len(attachments))
	for i := range attachments {
		attachment := &attachments[i]
		checksum := utils.Checksum(attachment.Content)
		storageKey := fmt.Sprintf("accounts/%s/attachments/%s", account.ID, checksum)

		if err := s.blobs.Upload(ctx, storageKey, attachment.Content, attachment.ContentType); err != nil {
			return nil, errors.Wrapf(err, "upload attachment %s", attachment.Filename)
		}

		records = append(records, &models.EmailAttachment{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Size:        len(attachment.Content),
			IsInline:    attachment.IsInline,
			StorageKey:  storageKey,
			Checksum:    checksum,
		})
	}
	return records, nil
}

// rawStorageKey is content addressed so a retried upload of the same message
// lands on the same object.
func rawStorageKey(accountID string, raw []byte) string {
	return fmt.Sprintf("accounts/%s/raw/%s", accountID, utils.Checksum(raw))
}

func messageTime(email *models.Email) time.Time {
	switch {
	case email.SentAt != nil:
		return *email.SentAt
	case email.ReceivedAt != nil:
		return *email.ReceivedAt
	default:
		return utils.Now()
	}
}
