package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
)

const (
	imapDialTimeout  = 30 * time.Second
	imapLoginTimeout = 30 * time.Second
	flagJunk         = "Junk"
)

// foldersToSkip are mailboxes whose contents duplicate what other folders
// already carry. Gmail exposes "All Mail" over IMAP; syncing it doubles every
// message.
var foldersToSkip = []string{"[Gmail]/All Mail", "[Gmail]/Important"}

// IMAPAdapter syncs one account over IMAP and sends over the companion SMTP
// endpoint. The cursor is a JSON map of folder name to the highest UID synced
// from it, so each folder resumes independently.
type IMAPAdapter struct {
	snapshot *interfaces.CredentialSnapshot
	log      logger.Logger

	clientMutex sync.Mutex
	client      *client.Client
}

func NewIMAPAdapter(snapshot *interfaces.CredentialSnapshot, log logger.Logger) (interfaces.ProviderAdapter, error) {
	if snapshot.ServerHost == "" || snapshot.Username == "" {
		return nil, errors.New("imap adapter requires server host and username")
	}
	return &IMAPAdapter{snapshot: snapshot, log: log}, nil
}

// imapCursor maps folder name to the last UID synced from it.
type imapCursor map[string]uint32

func decodeIMAPCursor(cursor string) (imapCursor, error) {
	if cursor == "" {
		return imapCursor{}, nil
	}
	var decoded imapCursor
	if err := json.Unmarshal([]byte(cursor), &decoded); err != nil {
		return nil, errors.Wrap(err, "invalid imap cursor")
	}
	return decoded, nil
}

func (c imapCursor) encode() string {
	encoded, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (a *IMAPAdapter) TestConnection(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.TestConnection")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	c, err := a.getClient(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if err := c.Noop(); err != nil {
		a.dropClient()
		err = classifyIMAPError(err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *IMAPAdapter) FetchMessages(ctx context.Context, cursor string, limit int) (*interfaces.FetchPage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.FetchMessages")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("limit", limit)

	state, err := decodeIMAPCursor(cursor)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, coreerrors.Terminal(err)
	}

	c, err := a.getClient(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	folders, err := a.selectableFolders(c)
	if err != nil {
		a.dropClient()
		err = classifyIMAPError(err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	page := &interfaces.FetchPage{}
	remaining := limit

	for _, folder := range folders {
		if remaining <= 0 {
			page.HasMore = true
			break
		}
		if ctx.Err() != nil {
			err = classifyIMAPError(ctx.Err())
			tracing.TraceErr(span, err)
			return nil, err
		}

		fetched, hasMore, err := a.fetchFolder(ctx, c, folder, state, remaining, page)
		if err != nil {
			a.dropClient()
			err = classifyIMAPError(err)
			tracing.TraceErr(span, err)
			return nil, err
		}
		remaining -= fetched
		if hasMore {
			page.HasMore = true
		}
	}

	page.NextCursor = state.encode()
	span.SetTag("messages", len(page.Messages))
	span.SetTag("record_errors", len(page.Errors))
	return page, nil
}

// fetchFolder pulls messages with UIDs above the folder's cursor position,
// oldest first, up to the remaining page budget. It advances the cursor for
// every UID it looked at, including malformed ones, so a poison message never
// wedges the folder.
func (a *IMAPAdapter) fetchFolder(ctx context.Context, c *client.Client, folder string, state imapCursor, remaining int, page *interfaces.FetchPage) (int, bool, error) {
	if _, err := c.Select(folder, true); err != nil {
		return 0, false, errors.Wrapf(err, "select %s", folder)
	}

	lastUID := state[folder]
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, false, errors.Wrapf(err, "search %s", folder)
	}

	// Some servers answer an open-ended UID range with the last message even
	// when nothing is new.
	newUids := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			newUids = append(newUids, uid)
		}
	}
	if len(newUids) == 0 {
		return 0, false, nil
	}

	sort.Slice(newUids, func(i, j int) bool { return newUids[i] < newUids[j] })

	hasMore := len(newUids) > remaining
	if hasMore {
		newUids = newUids[:remaining]
	}

	seqSet := new(imap.SeqSet)
	for _, uid := range newUids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, len(newUids))
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqSet, items, messages)
	}()

	fetched := 0
	for msg := range messages {
		incoming, err := a.normalizeIMAPMessage(msg, folder, section)
		if err != nil {
			page.Errors = append(page.Errors, interfaces.RecordError{
				ProviderMessageID: imapProviderMessageID(folder, msg.Uid),
				Err:               err,
			})
		} else {
			page.Messages = append(page.Messages, incoming)
		}
		if msg.Uid > state[folder] {
			state[folder] = msg.Uid
		}
		fetched++
	}

	if err := <-done; err != nil {
		return fetched, hasMore, errors.Wrapf(err, "fetch %s", folder)
	}
	return fetched, hasMore, nil
}

func (a *IMAPAdapter) normalizeIMAPMessage(msg *imap.Message, folder string, section *imap.BodySectionName) (*interfaces.IncomingMessage, error) {
	providerMessageID := imapProviderMessageID(folder, msg.Uid)

	literal := msg.GetBody(section)
	if literal == nil {
		return nil, &coreerrors.MalformedRecordError{
			ProviderMessageID: providerMessageID,
			Err:               errors.New("server returned no body section"),
		}
	}

	raw, err := io.ReadAll(literal)
	if err != nil {
		return nil, &coreerrors.MalformedRecordError{ProviderMessageID: providerMessageID, Err: err}
	}

	incoming := &interfaces.IncomingMessage{
		ProviderMessageID: providerMessageID,
		Folder:            folder,
		IsSpam:            isSpamFolder(folder),
	}
	if !msg.InternalDate.IsZero() {
		receivedAt := msg.InternalDate
		incoming.ReceivedAt = &receivedAt
	}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			incoming.IsRead = true
		case imap.FlaggedFlag:
			incoming.IsStarred = true
		case flagJunk:
			incoming.IsSpam = true
		}
	}

	if err := normalizeRaw(raw, incoming); err != nil {
		return nil, err
	}
	return incoming, nil
}

func (a *IMAPAdapter) SetFlags(ctx context.Context, providerMessageID string, flags interfaces.FlagUpdate) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.SetFlags")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)

	var add, remove []interface{}
	appendFlag := func(value *bool, flag string) {
		if value == nil {
			return
		}
		if *value {
			add = append(add, flag)
		} else {
			remove = append(remove, flag)
		}
	}
	appendFlag(flags.Read, imap.SeenFlag)
	appendFlag(flags.Starred, imap.FlaggedFlag)
	appendFlag(flags.Spam, flagJunk)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	err := a.withMessage(ctx, providerMessageID, func(c *client.Client, seqSet *imap.SeqSet) error {
		if len(add) > 0 {
			item := imap.FormatFlagsOp(imap.AddFlags, true)
			if err := c.UidStore(seqSet, item, add, nil); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			item := imap.FormatFlagsOp(imap.RemoveFlags, true)
			if err := c.UidStore(seqSet, item, remove, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (a *IMAPAdapter) Move(ctx context.Context, providerMessageID string, folder string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.Move")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)
	span.SetTag("destination", folder)

	err := a.withMessage(ctx, providerMessageID, func(c *client.Client, seqSet *imap.SeqSet) error {
		return c.UidMove(seqSet, folder)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (a *IMAPAdapter) Delete(ctx context.Context, providerMessageID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)

	err := a.withMessage(ctx, providerMessageID, func(c *client.Client, seqSet *imap.SeqSet) error {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := c.UidStore(seqSet, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
			return err
		}
		return c.Expunge(nil)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// withMessage selects the folder the message lives in and hands the caller a
// UID sequence set for it. The returned error is already classified.
func (a *IMAPAdapter) withMessage(ctx context.Context, providerMessageID string, fn func(c *client.Client, seqSet *imap.SeqSet) error) error {
	folder, uid, err := parseIMAPProviderMessageID(providerMessageID)
	if err != nil {
		return coreerrors.Terminal(err)
	}

	c, err := a.getClient(ctx)
	if err != nil {
		return err
	}

	if _, err := c.Select(folder, false); err != nil {
		a.dropClient()
		return classifyIMAPError(errors.Wrapf(err, "select %s", folder))
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)
	if err := fn(c, seqSet); err != nil {
		a.dropClient()
		return classifyIMAPError(err)
	}
	return nil
}

func (a *IMAPAdapter) ListFolders(ctx context.Context) ([]interfaces.Folder, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.ListFolders")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	c, err := a.getClient(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	names, err := a.selectableFolders(c)
	if err != nil {
		a.dropClient()
		err = classifyIMAPError(err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	folders := make([]interfaces.Folder, 0, len(names))
	for _, name := range names {
		folder := interfaces.Folder{Name: name}
		status, err := c.Status(name, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
		if err == nil {
			folder.Total = status.Messages
			folder.Unseen = status.Unseen
		}
		folders = append(folders, folder)
	}
	return folders, nil
}

func (a *IMAPAdapter) selectableFolders(c *client.Client) ([]string, error) {
	mailboxes := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var names []string
	for mailbox := range mailboxes {
		if hasAttribute(mailbox.Attributes, imap.NoSelectAttr) {
			continue
		}
		if isFolderToSkip(mailbox.Name) {
			continue
		}
		names = append(names, mailbox.Name)
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "list folders")
	}

	// INBOX first, then stable order, so the cursor advances predictably.
	sort.Slice(names, func(i, j int) bool {
		if names[i] == "INBOX" {
			return true
		}
		if names[j] == "INBOX" {
			return false
		}
		return names[i] < names[j]
	})
	return names, nil
}

func (a *IMAPAdapter) Close() error {
	a.clientMutex.Lock()
	defer a.clientMutex.Unlock()
	if a.client == nil {
		return nil
	}
	err := a.client.Logout()
	a.client = nil
	return err
}

// getClient returns the cached connection when it still answers NOOP and
// dials a fresh one otherwise.
func (a *IMAPAdapter) getClient(ctx context.Context) (*client.Client, error) {
	a.clientMutex.Lock()
	defer a.clientMutex.Unlock()

	if a.client != nil {
		if err := a.client.Noop(); err == nil {
			return a.client, nil
		}
		a.log.Warnf("imap connection to %s is broken, reconnecting", a.snapshot.ServerHost)
		a.client.Logout()
		a.client = nil
	}

	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *IMAPAdapter) dropClient() {
	a.clientMutex.Lock()
	defer a.clientMutex.Unlock()
	if a.client != nil {
		a.client.Logout()
		a.client = nil
	}
}

func (a *IMAPAdapter) connect(ctx context.Context) (*client.Client, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.connect")
	defer span.Finish()
	span.SetTag("server", a.snapshot.ServerHost)
	span.SetTag("port", a.snapshot.ServerPort)

	serverAddr := fmt.Sprintf("%s:%d", a.snapshot.ServerHost, a.snapshot.ServerPort)
	dialer := &net.Dialer{
		Timeout:   imapDialTimeout,
		KeepAlive: 30 * time.Second,
	}
	tlsConfig := &tls.Config{ServerName: a.snapshot.ServerHost}

	c, err := client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	if err != nil {
		err = classifyIMAPError(errors.Wrapf(err, "dial %s", serverAddr))
		tracing.TraceErr(span, err)
		return nil, err
	}

	c.Timeout = imapLoginTimeout
	if err := c.Login(a.snapshot.Username, a.snapshot.Password); err != nil {
		c.Logout()
		err = classifyIMAPError(errors.Wrapf(err, "login as %s", a.snapshot.Username))
		tracing.TraceErr(span, err)
		return nil, err
	}
	c.Timeout = 0

	return c, nil
}

func imapProviderMessageID(folder string, uid uint32) string {
	return folder + ":" + strconv.FormatUint(uint64(uid), 10)
}

func parseIMAPProviderMessageID(providerMessageID string) (string, uint32, error) {
	idx := strings.LastIndex(providerMessageID, ":")
	if idx <= 0 {
		return "", 0, errors.Errorf("malformed provider message id %q", providerMessageID)
	}
	uid, err := strconv.ParseUint(providerMessageID[idx+1:], 10, 32)
	if err != nil {
		return "", 0, errors.Errorf("malformed provider message id %q", providerMessageID)
	}
	return providerMessageID[:idx], uint32(uid), nil
}

func hasAttribute(attributes []string, attribute string) bool {
	for _, attr := range attributes {
		if attr == attribute {
			return true
		}
	}
	return false
}

func isSpamFolder(folder string) bool {
	lower := strings.ToLower(folder)
	return strings.Contains(lower, "spam") || strings.Contains(lower, "junk")
}

func isFolderToSkip(folder string) bool {
	for _, skip := range foldersToSkip {
		if folder == skip {
			return true
		}
	}
	return false
}
