package messages

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

// resolveThread finds the conversation a message belongs to, in priority
// order: a thread whose members already reference this message, the direct
// In-Reply-To parent, any message on the reference chain, then a normalized
// subject match. Nothing matching means a new thread.
func (s *Store) resolveThread(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "MessageStore.resolveThread")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)

	threadID, err := s.findExistingThread(ctx, repos, account, email)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	if threadID != "" {
		span.SetTag("thread_id", threadID)
		return threadID, nil
	}

	threadID, err = s.createNewThread(ctx, repos, account, email)
	if err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	span.SetTag("thread_id", threadID)
	span.SetTag("thread_created", true)

	if err := s.recordMissingParents(ctx, repos, account, email, threadID); err != nil {
		tracing.TraceErr(span, err)
		return "", err
	}
	return threadID, nil
}

func (s *Store) findExistingThread(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email) (string, error) {
	threadID, err := s.adoptOrphanedChildren(ctx, repos, account, email)
	if err != nil {
		return "", err
	}
	if threadID != "" {
		return threadID, nil
	}

	if email.InReplyTo != "" {
		threadID, err := s.findThreadByMessageID(ctx, repos, account, email.InReplyTo)
		if err != nil {
			return "", err
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	for _, messageID := range email.References {
		if messageID == email.InReplyTo {
			continue
		}
		threadID, err := s.findThreadByMessageID(ctx, repos, account, messageID)
		if err != nil {
			return "", err
		}
		if threadID != "" {
			return threadID, nil
		}
	}

	// Subject matching is a best-effort fallback; a failure here never fails
	// the store.
	threadID, err = s.findThreadBySubjectMatch(ctx, repos, account, email)
	if err != nil {
		s.log.Warnf("subject based thread matching failed for account %s: %v", account.ID, err)
		return "", nil
	}
	return threadID, nil
}

// adoptOrphanedChildren handles the parent arriving after its replies. Those
// replies already started a thread and recorded the missing parent's message
// id; the parent joins that thread and the orphan markers fall away.
func (s *Store) adoptOrphanedChildren(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email) (string, error) {
	if email.MessageID == "" {
		return "", nil
	}
	// A message that is itself a reply resolves through its own parents.
	if email.InReplyTo != "" || len(email.References) > 0 {
		return "", nil
	}

	orphan, err := repos.OrphanRefRepository.GetByMessageID(ctx, account.ID, email.MessageID)
	if err != nil {
		return "", err
	}
	if orphan == nil || orphan.ThreadID == "" {
		return "", nil
	}

	if err := repos.OrphanRefRepository.DeleteByThreadID(ctx, orphan.ThreadID); err != nil {
		return "", err
	}
	return orphan.ThreadID, nil
}

func (s *Store) findThreadByMessageID(ctx context.Context, repos *repository.Repositories, account *models.Account, messageID string) (string, error) {
	message, err := repos.EmailRepository.GetByMessageID(ctx, account.ID, messageID)
	if err != nil {
		return "", err
	}
	if message == nil {
		return "", nil
	}
	return message.ThreadID, nil
}

// findThreadBySubjectMatch matches on the normalized subject. Among several
// candidates the one sharing the most participants wins; a thread sharing
// none is never matched. Ties go to the most recently active thread.
func (s *Store) findThreadBySubjectMatch(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email) (string, error) {
	normalizedSubject := utils.NormalizeEmailSubject(email.Subject)
	if normalizedSubject == "" {
		return "", nil
	}

	threads, err := repos.EmailThreadRepository.FindBySubjectAndAccount(ctx, normalizedSubject, account.ID)
	if err != nil {
		return "", err
	}
	if len(threads) == 0 {
		return "", nil
	}

	participants := email.AllParticipants()
	bestMatch := ""
	highestOverlap := 0
	var bestLastMessageAt *models.EmailThread

	for _, thread := range threads {
		overlap := 0
		for _, participant := range participants {
			if utils.IsStringInSlice(participant, thread.Participants) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		if overlap > highestOverlap || (overlap == highestOverlap && moreRecent(thread, bestLastMessageAt)) {
			highestOverlap = overlap
			bestMatch = thread.ID
			bestLastMessageAt = thread
		}
	}

	return bestMatch, nil
}

func moreRecent(candidate, current *models.EmailThread) bool {
	if current == nil {
		return true
	}
	if candidate.LastMessageAt == nil {
		return false
	}
	if current.LastMessageAt == nil {
		return true
	}
	return candidate.LastMessageAt.After(*current.LastMessageAt)
}

func (s *Store) createNewThread(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email) (string, error) {
	return repos.EmailThreadRepository.Create(ctx, &models.EmailThread{
		AccountID:      account.ID,
		Subject:        utils.NormalizeEmailSubject(email.Subject),
		Participants:   email.AllParticipants(),
		LastMessageID:  email.MessageID,
		HasAttachments: email.HasAttachment,
		FirstMessageAt: email.ReceivedAt,
		LastMessageAt:  email.ReceivedAt,
	})
}

// recordMissingParents marks every referenced-but-absent message id so the
// parent can adopt this thread if it shows up later.
func (s *Store) recordMissingParents(ctx context.Context, repos *repository.Repositories, account *models.Account, email *models.Email, threadID string) error {
	recorded := make(map[string]bool)

	record := func(messageID string) error {
		if messageID == "" || recorded[messageID] {
			return nil
		}
		recorded[messageID] = true
		return repos.OrphanRefRepository.Create(ctx, &models.OrphanRef{
			AccountID:    account.ID,
			MessageID:    messageID,
			ReferencedBy: email.MessageID,
			ThreadID:     threadID,
		})
	}

	if err := record(email.InReplyTo); err != nil {
		return err
	}
	for _, messageID := range email.References {
		if err := record(messageID); err != nil {
			return err
		}
	}
	return nil
}
