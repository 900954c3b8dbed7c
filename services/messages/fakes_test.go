package messages

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/repository"
	"github.com/unimailhq/unimail/internal/utils"
)

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type fakeEmailRepo struct {
	mu     sync.Mutex
	emails map[string]*models.Email

	// missDedupCheck makes the next GetByDedupKey miss, simulating a
	// concurrent insert landing between the pre-check and the insert.
	missDedupCheck bool
}

func newFakeEmailRepo() *fakeEmailRepo {
	return &fakeEmailRepo{emails: make(map[string]*models.Email)}
}

func (r *fakeEmailRepo) Create(ctx context.Context, email *models.Email) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.emails {
		if existing.AccountID == email.AccountID && existing.ProviderMessageID == email.ProviderMessageID {
			return false, nil
		}
	}
	if email.ID == "" {
		email.ID = utils.GenerateNanoIDWithPrefix("email", 24)
	}
	r.emails[email.ID] = email
	return true, nil
}

func (r *fakeEmailRepo) GetByID(ctx context.Context, id string) (*models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emails[id], nil
}

func (r *fakeEmailRepo) GetByDedupKey(ctx context.Context, accountID, providerMessageID string) (*models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missDedupCheck {
		r.missDedupCheck = false
		return nil, nil
	}
	for _, email := range r.emails {
		if email.AccountID == accountID && email.ProviderMessageID == providerMessageID {
			return email, nil
		}
	}
	return nil, nil
}

func (r *fakeEmailRepo) GetByMessageID(ctx context.Context, accountID, messageID string) (*models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageID == "" {
		return nil, nil
	}
	for _, email := range r.emails {
		if email.AccountID == accountID && email.MessageID == messageID {
			return email, nil
		}
	}
	return nil, nil
}

func (r *fakeEmailRepo) ListByThread(ctx context.Context, threadID string) ([]*models.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.Email
	for _, email := range r.emails {
		if email.ThreadID == threadID {
			result = append(result, email)
		}
	}
	return result, nil
}

func (r *fakeEmailRepo) UpdateFlags(ctx context.Context, id string, read, starred, spam *bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	email, ok := r.emails[id]
	if !ok {
		return errors.New("email not found")
	}
	if read != nil {
		email.IsRead = *read
	}
	if starred != nil {
		email.IsStarred = *starred
	}
	if spam != nil {
		email.IsSpam = *spam
	}
	return nil
}

func (r *fakeEmailRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.emails, id)
	return nil
}

type recordedMessage struct {
	ThreadID      string
	MessageID     string
	Participants  []string
	MessageTime   time.Time
	HasAttachment bool
}

type fakeThreadRepo struct {
	mu       sync.Mutex
	threads  map[string]*models.EmailThread
	recorded []recordedMessage

	// failNextRecord makes the next RecordMessage fail once, simulating a
	// lost lock or connection mid transaction.
	failNextRecord error
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{threads: make(map[string]*models.EmailThread)}
}

func (r *fakeThreadRepo) Create(ctx context.Context, thread *models.EmailThread) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if thread.ID == "" {
		thread.ID = utils.GenerateNanoIDWithPrefix("thrd", 16)
	}
	r.threads[thread.ID] = thread
	return thread.ID, nil
}

func (r *fakeThreadRepo) GetByID(ctx context.Context, id string) (*models.EmailThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[id], nil
}

func (r *fakeThreadRepo) FindBySubjectAndAccount(ctx context.Context, subject string, accountID string) ([]*models.EmailThread, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.EmailThread
	for _, thread := range r.threads {
		if thread.AccountID == accountID && thread.Subject == subject {
			result = append(result, thread)
		}
	}
	return result, nil
}

func (r *fakeThreadRepo) RecordMessage(ctx context.Context, threadID string, messageID string, participants []string, messageTime time.Time, hasAttachment bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextRecord != nil {
		err := r.failNextRecord
		r.failNextRecord = nil
		return err
	}
	r.recorded = append(r.recorded, recordedMessage{
		ThreadID:      threadID,
		MessageID:     messageID,
		Participants:  participants,
		MessageTime:   messageTime,
		HasAttachment: hasAttachment,
	})
	if thread, ok := r.threads[threadID]; ok {
		thread.MessageCount++
		thread.LastMessageID = messageID
		thread.LastMessageAt = utils.TimePtr(messageTime)
	}
	return nil
}

type fakeOrphanRepo struct {
	mu      sync.Mutex
	orphans []*models.OrphanRef
}

func newFakeOrphanRepo() *fakeOrphanRepo {
	return &fakeOrphanRepo{}
}

func (r *fakeOrphanRepo) Create(ctx context.Context, orphan *models.OrphanRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if orphan.ID == "" {
		orphan.ID = utils.GenerateNanoIDWithPrefix("orph", 12)
	}
	r.orphans = append(r.orphans, orphan)
	return nil
}

func (r *fakeOrphanRepo) GetByMessageID(ctx context.Context, accountID, messageID string) (*models.OrphanRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, orphan := range r.orphans {
		if orphan.AccountID == accountID && orphan.MessageID == messageID {
			return orphan, nil
		}
	}
	return nil, nil
}

func (r *fakeOrphanRepo) DeleteByThreadID(ctx context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.orphans[:0]
	for _, orphan := range r.orphans {
		if orphan.ThreadID != threadID {
			kept = append(kept, orphan)
		}
	}
	r.orphans = kept
	return nil
}

type fakeAttachmentRepo struct {
	mu      sync.Mutex
	records []*models.EmailAttachment
}

func newFakeAttachmentRepo() *fakeAttachmentRepo {
	return &fakeAttachmentRepo{}
}

func (r *fakeAttachmentRepo) Create(ctx context.Context, attachment *models.EmailAttachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, attachment)
	return nil
}

func (r *fakeAttachmentRepo) ListByEmail(ctx context.Context, emailID string) ([]*models.EmailAttachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*models.EmailAttachment
	for _, record := range r.records {
		if record.EmailID == emailID {
			result = append(result, record)
		}
	}
	return result, nil
}

type fakeBlobStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	failing bool
}

func newFakeBlobStorage() *fakeBlobStorage {
	return &fakeBlobStorage{objects: make(map[string][]byte)}
}

func (b *fakeBlobStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("blob store unavailable")
	}
	b.objects[key] = data
	return nil
}

func (b *fakeBlobStorage) Download(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (b *fakeBlobStorage) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// fakeTxRunner snapshots the fakes before the callback and restores them when
// it fails, mirroring a database rollback.
type fakeTxRunner struct {
	repos       *repository.Repositories
	emails      *fakeEmailRepo
	threads     *fakeThreadRepo
	orphans     *fakeOrphanRepo
	attachments *fakeAttachmentRepo
}

func (t *fakeTxRunner) WithinTransaction(ctx context.Context, fn func(tx *repository.Repositories) error) error {
	emailsSnap := make(map[string]*models.Email, len(t.emails.emails))
	for id, email := range t.emails.emails {
		emailsSnap[id] = email
	}
	threadsSnap := make(map[string]*models.EmailThread, len(t.threads.threads))
	for id, thread := range t.threads.threads {
		copied := *thread
		threadsSnap[id] = &copied
	}
	recordedSnap := append([]recordedMessage(nil), t.threads.recorded...)
	orphansSnap := append([]*models.OrphanRef(nil), t.orphans.orphans...)
	attachmentsSnap := append([]*models.EmailAttachment(nil), t.attachments.records...)

	err := fn(t.repos)
	if err != nil {
		t.emails.emails = emailsSnap
		t.threads.threads = threadsSnap
		t.threads.recorded = recordedSnap
		t.orphans.orphans = orphansSnap
		t.attachments.records = attachmentsSnap
	}
	return err
}

type storeFixture struct {
	store       *Store
	emails      *fakeEmailRepo
	threads     *fakeThreadRepo
	orphans     *fakeOrphanRepo
	attachments *fakeAttachmentRepo
	blobs       *fakeBlobStorage
}

func newStoreFixture() *storeFixture {
	emails := newFakeEmailRepo()
	threads := newFakeThreadRepo()
	orphans := newFakeOrphanRepo()
	attachments := newFakeAttachmentRepo()
	blobs := newFakeBlobStorage()

	repos := &repository.Repositories{
		EmailRepository:           emails,
		EmailThreadRepository:     threads,
		EmailAttachmentRepository: attachments,
		OrphanRefRepository:       orphans,
	}
	repos.Tx = &fakeTxRunner{
		repos:       repos,
		emails:      emails,
		threads:     threads,
		orphans:     orphans,
		attachments: attachments,
	}

	return &storeFixture{
		store:       NewStore(testLogger(), repos, blobs),
		emails:      emails,
		threads:     threads,
		orphans:     orphans,
		attachments: attachments,
		blobs:       blobs,
	}
}

var _ interfaces.BlobStorage = (*fakeBlobStorage)(nil)
