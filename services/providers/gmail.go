package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/unimailhq/unimail/interfaces"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/logger"
	"github.com/unimailhq/unimail/internal/tracing"
)

const gmailUser = "me"

// gmailSystemLabels maps Gmail system labels to folder names. Anything
// without one of these labels is archived mail.
var gmailSystemLabels = []string{"INBOX", "SENT", "DRAFT", "SPAM", "TRASH"}

// GmailAdapter syncs one account through the Gmail REST API. The cursor
// carries a page token while the initial backfill walks the mailbox and a
// history id once the backfill completes, so later fetches only see changes.
type GmailAdapter struct {
	snapshot *interfaces.CredentialSnapshot
	log      logger.Logger

	serviceMutex sync.Mutex
	service      *gmail.Service
}

func NewGmailAdapter(snapshot *interfaces.CredentialSnapshot, log logger.Logger) (interfaces.ProviderAdapter, error) {
	if snapshot.AccessToken == "" && snapshot.RefreshToken == "" {
		return nil, errors.New("gmail adapter requires an oauth token")
	}
	return &GmailAdapter{snapshot: snapshot, log: log}, nil
}

type gmailCursor struct {
	HistoryID uint64 `json:"historyId,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
}

func decodeGmailCursor(cursor string) (*gmailCursor, error) {
	if cursor == "" {
		return &gmailCursor{}, nil
	}
	var decoded gmailCursor
	if err := json.Unmarshal([]byte(cursor), &decoded); err != nil {
		return nil, errors.Wrap(err, "invalid gmail cursor")
	}
	return &decoded, nil
}

func (c *gmailCursor) encode() string {
	encoded, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (a *GmailAdapter) getService(ctx context.Context) (*gmail.Service, error) {
	a.serviceMutex.Lock()
	defer a.serviceMutex.Unlock()

	if a.service != nil {
		return a.service, nil
	}

	config := &oauth2.Config{
		ClientID:     a.snapshot.ClientID,
		ClientSecret: a.snapshot.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope, gmail.GmailSendScope},
	}
	token := &oauth2.Token{
		AccessToken:  a.snapshot.AccessToken,
		RefreshToken: a.snapshot.RefreshToken,
		Expiry:       a.snapshot.TokenExpiry,
		TokenType:    "Bearer",
	}

	service, err := gmail.NewService(ctx, option.WithTokenSource(config.TokenSource(ctx, token)))
	if err != nil {
		return nil, classifyGmailError(err)
	}
	a.service = service
	return service, nil
}

func (a *GmailAdapter) TestConnection(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.TestConnection")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if _, err := service.Users.GetProfile(gmailUser).Context(ctx).Do(); err != nil {
		err = classifyGmailError(err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *GmailAdapter) FetchMessages(ctx context.Context, cursor string, limit int) (*interfaces.FetchPage, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.FetchMessages")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("limit", limit)

	state, err := decodeGmailCursor(cursor)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, coreerrors.Terminal(err)
	}

	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	var page *interfaces.FetchPage
	if state.HistoryID == 0 {
		page, err = a.fetchBackfillPage(ctx, service, state, limit)
	} else {
		page, err = a.fetchHistoryPage(ctx, service, state, limit)
	}
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	page.NextCursor = state.encode()
	span.SetTag("messages", len(page.Messages))
	span.SetTag("record_errors", len(page.Errors))
	return page, nil
}

// fetchBackfillPage walks the whole mailbox page by page. When the listing is
// exhausted it pins the profile history id so the next fetch switches to
// incremental history reads.
func (a *GmailAdapter) fetchBackfillPage(ctx context.Context, service *gmail.Service, state *gmailCursor, limit int) (*interfaces.FetchPage, error) {
	call := service.Users.Messages.List(gmailUser).MaxResults(int64(limit)).Context(ctx)
	if state.PageToken != "" {
		call = call.PageToken(state.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, classifyGmailError(err)
	}

	page := &interfaces.FetchPage{}
	for _, ref := range resp.Messages {
		a.appendMessage(ctx, service, ref.Id, page)
	}

	state.PageToken = resp.NextPageToken
	if resp.NextPageToken != "" {
		page.HasMore = true
		return page, nil
	}

	// Backfill done, switch the cursor to history mode.
	profile, err := service.Users.GetProfile(gmailUser).Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError(err)
	}
	state.HistoryID = profile.HistoryId
	return page, nil
}

// fetchHistoryPage reads message additions since the pinned history id. Gmail
// expires old history ids; when that happens the cursor falls back to a full
// backfill instead of failing the sync.
func (a *GmailAdapter) fetchHistoryPage(ctx context.Context, service *gmail.Service, state *gmailCursor, limit int) (*interfaces.FetchPage, error) {
	call := service.Users.History.List(gmailUser).
		StartHistoryId(state.HistoryID).
		HistoryTypes("messageAdded").
		MaxResults(int64(limit)).
		Context(ctx)
	if state.PageToken != "" {
		call = call.PageToken(state.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			a.log.Warnf("gmail history id %d expired for account %s, restarting backfill", state.HistoryID, a.snapshot.AccountID)
			*state = gmailCursor{}
			return &interfaces.FetchPage{HasMore: true}, nil
		}
		return nil, classifyGmailError(err)
	}

	page := &interfaces.FetchPage{}
	seen := make(map[string]bool)
	for _, history := range resp.History {
		for _, added := range history.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			a.appendMessage(ctx, service, added.Message.Id, page)
		}
	}

	state.PageToken = resp.NextPageToken
	if resp.NextPageToken != "" {
		page.HasMore = true
	} else if resp.HistoryId > 0 {
		state.HistoryID = resp.HistoryId
	}
	return page, nil
}

// appendMessage fetches one message in raw format and normalizes it onto the
// page. A message deleted between listing and fetching is skipped; any other
// per-message failure becomes a record error.
func (a *GmailAdapter) appendMessage(ctx context.Context, service *gmail.Service, id string, page *interfaces.FetchPage) {
	msg, err := service.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return
		}
		page.Errors = append(page.Errors, interfaces.RecordError{ProviderMessageID: id, Err: err})
		return
	}

	incoming, err := a.normalizeGmailMessage(msg)
	if err != nil {
		page.Errors = append(page.Errors, interfaces.RecordError{ProviderMessageID: id, Err: err})
		return
	}
	page.Messages = append(page.Messages, incoming)
}

func (a *GmailAdapter) normalizeGmailMessage(msg *gmail.Message) (*interfaces.IncomingMessage, error) {
	raw, err := base64.URLEncoding.DecodeString(msg.Raw)
	if err != nil {
		return nil, &coreerrors.MalformedRecordError{ProviderMessageID: msg.Id, Err: err}
	}

	incoming := &interfaces.IncomingMessage{
		ProviderMessageID: msg.Id,
		Folder:            gmailFolder(msg.LabelIds),
		IsRead:            true,
	}
	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			incoming.IsRead = false
		case "STARRED":
			incoming.IsStarred = true
		case "SPAM":
			incoming.IsSpam = true
		}
	}
	if msg.InternalDate > 0 {
		receivedAt := time.UnixMilli(msg.InternalDate).UTC()
		incoming.ReceivedAt = &receivedAt
	}

	if err := normalizeRaw(raw, incoming); err != nil {
		return nil, err
	}
	return incoming, nil
}

func (a *GmailAdapter) SendMessage(ctx context.Context, msg *interfaces.IncomingMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.SendMessage")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	if err := validateOutgoing(msg); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if msg.MessageID == "" {
		msg.MessageID = generateMessageID(msg.FromAddress)
	}

	buffer := bytes.NewBuffer(nil)
	if err := buildOutgoingMessage(msg, buffer); err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	outgoing := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(buffer.Bytes())}
	if _, err := service.Users.Messages.Send(gmailUser, outgoing).Context(ctx).Do(); err != nil {
		err = classifyGmailError(err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *GmailAdapter) SetFlags(ctx context.Context, providerMessageID string, flags interfaces.FlagUpdate) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.SetFlags")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)

	request := &gmail.ModifyMessageRequest{}
	appendLabel := func(value *bool, label string, invert bool) {
		if value == nil {
			return
		}
		set := *value
		if invert {
			set = !set
		}
		if set {
			request.AddLabelIds = append(request.AddLabelIds, label)
		} else {
			request.RemoveLabelIds = append(request.RemoveLabelIds, label)
		}
	}
	appendLabel(flags.Read, "UNREAD", true)
	appendLabel(flags.Starred, "STARRED", false)
	appendLabel(flags.Spam, "SPAM", false)
	if len(request.AddLabelIds) == 0 && len(request.RemoveLabelIds) == 0 {
		return nil
	}

	return a.modify(ctx, span, providerMessageID, request)
}

func (a *GmailAdapter) Move(ctx context.Context, providerMessageID string, folder string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.Move")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)
	span.SetTag("destination", folder)

	request := &gmail.ModifyMessageRequest{
		AddLabelIds:    []string{strings.ToUpper(folder)},
		RemoveLabelIds: gmailSystemLabels,
	}
	return a.modify(ctx, span, providerMessageID, request)
}

func (a *GmailAdapter) modify(ctx context.Context, span opentracing.Span, providerMessageID string, request *gmail.ModifyMessageRequest) error {
	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if _, err := service.Users.Messages.Modify(gmailUser, providerMessageID, request).Context(ctx).Do(); err != nil {
		err = classifyGmailError(err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *GmailAdapter) Delete(ctx context.Context, providerMessageID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.Delete")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)
	span.SetTag("provider_message_id", providerMessageID)

	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if _, err := service.Users.Messages.Trash(gmailUser, providerMessageID).Context(ctx).Do(); err != nil {
		err = classifyGmailError(err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *GmailAdapter) ListFolders(ctx context.Context) ([]interfaces.Folder, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter.ListFolders")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	service, err := a.getService(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	resp, err := service.Users.Labels.List(gmailUser).Context(ctx).Do()
	if err != nil {
		err = classifyGmailError(err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	folders := make([]interfaces.Folder, 0, len(resp.Labels))
	for _, label := range resp.Labels {
		detail, err := service.Users.Labels.Get(gmailUser, label.Id).Context(ctx).Do()
		if err != nil {
			folders = append(folders, interfaces.Folder{Name: label.Name})
			continue
		}
		folders = append(folders, interfaces.Folder{
			Name:   label.Name,
			Total:  uint32(detail.MessagesTotal),
			Unseen: uint32(detail.MessagesUnread),
		})
	}
	return folders, nil
}

func (a *GmailAdapter) Close() error {
	return nil
}

func gmailFolder(labelIds []string) string {
	for _, system := range gmailSystemLabels {
		for _, label := range labelIds {
			if label == system {
				return system
			}
		}
	}
	return "ARCHIVE"
}
