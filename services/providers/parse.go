package providers

import (
	"bytes"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/unimailhq/unimail/interfaces"
	coreerrors "github.com/unimailhq/unimail/internal/errors"
	"github.com/unimailhq/unimail/internal/utils"
)

// normalizeRaw fills the MIME-derived fields of an IncomingMessage from the
// raw RFC 5322 bytes. The adapter sets provider identity, folder and flags
// before calling; a parse failure is reported as a malformed record for that
// one message, never as a fetch failure.
func normalizeRaw(raw []byte, msg *interfaces.IncomingMessage) error {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return &coreerrors.MalformedRecordError{ProviderMessageID: msg.ProviderMessageID, Err: err}
	}

	msg.Raw = raw
	msg.Size = len(raw)
	msg.Subject = envelope.GetHeader("Subject")
	msg.MessageID = utils.NormalizeMessageID(envelope.GetHeader("Message-Id"))
	msg.BodyText = envelope.Text
	msg.BodyHTML = envelope.HTML

	processThreadingHeaders(envelope, msg)
	processAddresses(envelope, msg)

	if sentAt, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
		msg.SentAt = &sentAt
	}

	headers := make(map[string]interface{})
	for _, key := range envelope.GetHeaderKeys() {
		values := envelope.GetHeaderValues(key)
		if len(values) > 0 {
			headers[key] = values
		}
	}
	msg.RawHeaders = headers

	for _, part := range envelope.Attachments {
		msg.Attachments = append(msg.Attachments, incomingAttachment(part, false))
	}
	for _, part := range envelope.Inlines {
		if part.FileName == "" {
			continue
		}
		msg.Attachments = append(msg.Attachments, incomingAttachment(part, true))
	}

	return nil
}

// processThreadingHeaders extracts In-Reply-To and References. In-Reply-To can
// carry several space separated ids; the first one is kept as the direct
// parent and all of them join the reference chain.
func processThreadingHeaders(envelope *enmime.Envelope, msg *interfaces.IncomingMessage) {
	var references []string

	for _, ref := range strings.Fields(envelope.GetHeader("References")) {
		ref = utils.NormalizeMessageID(ref)
		if ref != "" && !utils.IsStringInSlice(ref, references) {
			references = append(references, ref)
		}
	}

	var inReplyTo []string
	for _, ref := range strings.Fields(envelope.GetHeader("In-Reply-To")) {
		ref = utils.NormalizeMessageID(ref)
		if ref != "" {
			inReplyTo = append(inReplyTo, ref)
			if !utils.IsStringInSlice(ref, references) {
				references = append(references, ref)
			}
		}
	}

	if len(inReplyTo) > 0 {
		msg.InReplyTo = inReplyTo[0]
	}
	msg.References = references
}

func processAddresses(envelope *enmime.Envelope, msg *interfaces.IncomingMessage) {
	if from, err := envelope.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromName = from[0].Name
		msg.FromAddress = strings.ToLower(from[0].Address)
	}

	msg.ToAddresses = addressesToStrings(envelope, "To")
	msg.CcAddresses = addressesToStrings(envelope, "Cc")
	msg.BccAddresses = addressesToStrings(envelope, "Bcc")
}

func addressesToStrings(envelope *enmime.Envelope, header string) []string {
	addresses, err := envelope.AddressList(header)
	if err != nil || len(addresses) == 0 {
		return nil
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if addr.Address != "" {
			result = append(result, strings.ToLower(addr.Address))
		}
	}
	return result
}

func incomingAttachment(part *enmime.Part, inline bool) interfaces.IncomingAttachment {
	filename := part.FileName
	if filename == "" {
		filename = "attachment"
	}
	return interfaces.IncomingAttachment{
		Filename:    filename,
		ContentType: part.ContentType,
		Content:     part.Content,
		IsInline:    inline,
	}
}
