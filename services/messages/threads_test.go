package messages

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/models"
	"github.com/unimailhq/unimail/internal/utils"
)

func storeMessage(t *testing.T, f *storeFixture, account *models.Account, msg *interfaces.IncomingMessage) *models.Email {
	t.Helper()
	email, created, err := f.store.Store(context.Background(), account, msg)
	require.NoError(t, err)
	require.True(t, created)
	return email
}

func TestResolveThread_ReplyJoinsParentThread(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	parent := storeMessage(t, f, account, incoming("INBOX:1", "parent@example.com"))

	reply := incoming("INBOX:2", "reply@example.com")
	reply.Subject = "Re: release planning"
	reply.InReplyTo = "parent@example.com"
	reply.References = []string{"parent@example.com"}

	child := storeMessage(t, f, account, reply)
	assert.Equal(t, parent.ThreadID, child.ThreadID)
}

func TestResolveThread_ReferencesFallback(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	root := storeMessage(t, f, account, incoming("INBOX:1", "root@example.com"))

	// The direct parent was never ingested; the reference chain still leads
	// back to the root.
	msg := incoming("INBOX:3", "grandchild@example.com")
	msg.Subject = "Re: release planning"
	msg.InReplyTo = "missing-parent@example.com"
	msg.References = []string{"missing-parent@example.com", "root@example.com"}

	grandchild := storeMessage(t, f, account, msg)
	assert.Equal(t, root.ThreadID, grandchild.ThreadID)
}

func TestResolveThread_SubjectMatchRequiresParticipantOverlap(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	first := storeMessage(t, f, account, incoming("INBOX:1", "m1@example.com"))

	// Same normalized subject, shared participants: joins the thread.
	sameParty := incoming("INBOX:2", "m2@example.com")
	sameParty.Subject = "Re: Release Planning"
	joined := storeMessage(t, f, account, sameParty)
	assert.Equal(t, first.ThreadID, joined.ThreadID)

	// Same subject but disjoint participants: a new thread.
	strangers := incoming("INBOX:3", "m3@example.com")
	strangers.Subject = "release planning"
	strangers.FromAddress = "eve@other.org"
	strangers.ToAddresses = []string{"mallory@other.org"}
	separate := storeMessage(t, f, account, strangers)
	assert.NotEqual(t, first.ThreadID, separate.ThreadID)
}

func TestResolveThread_SubjectMatchPicksHighestOverlap(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()
	account := testAccount()

	lowOverlap := &models.EmailThread{
		AccountID:    account.ID,
		Subject:      "release planning",
		Participants: pq.StringArray{"bob@example.com"},
	}
	_, err := f.threads.Create(ctx, lowOverlap)
	require.NoError(t, err)

	highOverlap := &models.EmailThread{
		AccountID:    account.ID,
		Subject:      "release planning",
		Participants: pq.StringArray{"bob@example.com", "alice@example.com"},
	}
	_, err = f.threads.Create(ctx, highOverlap)
	require.NoError(t, err)

	email := storeMessage(t, f, account, incoming("INBOX:1", "m1@example.com"))
	assert.Equal(t, highOverlap.ID, email.ThreadID)
}

func TestResolveThread_SubjectTieGoesToMostRecentThread(t *testing.T) {
	f := newStoreFixture()
	ctx := context.Background()
	account := testAccount()

	old := utils.Now().Add(-48 * time.Hour)
	recent := utils.Now().Add(-time.Hour)

	stale := &models.EmailThread{
		AccountID:     account.ID,
		Subject:       "release planning",
		Participants:  pq.StringArray{"bob@example.com"},
		LastMessageAt: &old,
	}
	_, err := f.threads.Create(ctx, stale)
	require.NoError(t, err)

	active := &models.EmailThread{
		AccountID:     account.ID,
		Subject:       "release planning",
		Participants:  pq.StringArray{"bob@example.com"},
		LastMessageAt: &recent,
	}
	_, err = f.threads.Create(ctx, active)
	require.NoError(t, err)

	email := storeMessage(t, f, account, incoming("INBOX:1", "m1@example.com"))
	assert.Equal(t, active.ID, email.ThreadID)
}

func TestResolveThread_OrphanParentAdoption(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	// The reply arrives before its parent and starts a thread with an
	// orphan marker for the missing parent.
	reply := incoming("INBOX:2", "reply@example.com")
	reply.Subject = "Re: quarterly numbers"
	reply.InReplyTo = "parent@example.com"
	reply.References = []string{"parent@example.com"}
	child := storeMessage(t, f, account, reply)

	require.Len(t, f.orphans.orphans, 1)
	assert.Equal(t, "parent@example.com", f.orphans.orphans[0].MessageID)
	assert.Equal(t, child.ThreadID, f.orphans.orphans[0].ThreadID)

	// The parent shows up later and adopts the child's thread.
	parent := incoming("INBOX:1", "parent@example.com")
	parent.Subject = "quarterly numbers"
	adopted := storeMessage(t, f, account, parent)

	assert.Equal(t, child.ThreadID, adopted.ThreadID)
	assert.Empty(t, f.orphans.orphans)
}

func TestResolveThread_NewThreadRecordsMissingParents(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	msg := incoming("INBOX:5", "reply@example.com")
	msg.InReplyTo = "gone-1@example.com"
	msg.References = []string{"gone-1@example.com", "gone-2@example.com"}

	email := storeMessage(t, f, account, msg)

	require.Len(t, f.orphans.orphans, 2)
	seen := map[string]bool{}
	for _, orphan := range f.orphans.orphans {
		seen[orphan.MessageID] = true
		assert.Equal(t, email.ThreadID, orphan.ThreadID)
		assert.Equal(t, "reply@example.com", orphan.ReferencedBy)
	}
	assert.True(t, seen["gone-1@example.com"])
	assert.True(t, seen["gone-2@example.com"])
}

func TestResolveThread_EmptySubjectNeverSubjectMatches(t *testing.T) {
	f := newStoreFixture()
	account := testAccount()

	blank1 := incoming("INBOX:1", "b1@example.com")
	blank1.Subject = ""
	first := storeMessage(t, f, account, blank1)

	blank2 := incoming("INBOX:2", "b2@example.com")
	blank2.Subject = ""
	second := storeMessage(t, f, account, blank2)

	assert.NotEqual(t, first.ThreadID, second.ThreadID)
}
