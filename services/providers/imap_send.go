package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/unimailhq/unimail/interfaces"
	"github.com/unimailhq/unimail/internal/tracing"
	"github.com/unimailhq/unimail/internal/utils"
)

// SendMessage delivers an outgoing message through the account's SMTP
// endpoint. The IMAP protocol itself cannot submit mail.
func (a *IMAPAdapter) SendMessage(ctx context.Context, msg *interfaces.IncomingMessage) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "IMAPAdapter.SendMessage")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, a.snapshot.AccountID)

	if err := validateOutgoing(msg); err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if a.snapshot.SMTPHost == "" {
		err := errors.New("account has no smtp endpoint configured")
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

	addr := fmt.Sprintf("%s:%d", a.snapshot.SMTPHost, a.snapshot.SMTPPort)
	auth := smtp.PlainAuth("", a.snapshot.Username, a.snapshot.Password, a.snapshot.SMTPHost)
	recipients := allRecipients(msg)

	if err := smtp.SendMail(addr, auth, msg.FromAddress, recipients, buffer.Bytes()); err != nil {
		err = classifyIMAPError(errors.Wrap(err, "smtp send"))
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func validateOutgoing(msg *interfaces.IncomingMessage) error {
	if msg == nil {
		return errors.New("message cannot be nil")
	}
	if msg.FromAddress == "" {
		return errors.New("from address is required")
	}
	if len(msg.ToAddresses) == 0 {
		return errors.New("at least one recipient is required")
	}
	if msg.BodyText == "" && msg.BodyHTML == "" {
		return errors.New("message must have either text or html content")
	}
	return nil
}

func allRecipients(msg *interfaces.IncomingMessage) []string {
	recipients := make([]string, 0, len(msg.ToAddresses)+len(msg.CcAddresses)+len(msg.BccAddresses))
	recipients = append(recipients, msg.ToAddresses...)
	recipients = append(recipients, msg.CcAddresses...)
	recipients = append(recipients, msg.BccAddresses...)
	return utils.UniqueStrings(recipients)
}

func buildHeaders(msg *interfaces.IncomingMessage) map[string]string {
	from := msg.FromAddress
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.FromAddress)
	}

	headers := map[string]string{
		"From":         from,
		"To":           strings.Join(msg.ToAddresses, ", "),
		"Subject":      msg.Subject,
		"Date":         utils.Now().Format(time.RFC1123Z),
		"Message-ID":   "<" + msg.MessageID + ">",
		"MIME-Version": "1.0",
	}
	if len(msg.CcAddresses) > 0 {
		headers["Cc"] = strings.Join(msg.CcAddresses, ", ")
	}
	if msg.InReplyTo != "" {
		headers["In-Reply-To"] = "<" + msg.InReplyTo + ">"
	}
	if len(msg.References) > 0 {
		wrapped := make([]string, 0, len(msg.References))
		for _, ref := range msg.References {
			wrapped = append(wrapped, "<"+ref+">")
		}
		headers["References"] = strings.Join(wrapped, " ")
	}
	return headers
}

func buildOutgoingMessage(msg *interfaces.IncomingMessage, buffer *bytes.Buffer) error {
	headers := buildHeaders(msg)

	if msg.BodyHTML == "" && len(msg.Attachments) == 0 {
		headers["Content-Type"] = "text/plain; charset=UTF-8"
		writeHeaders(headers, buffer)
		_, err := buffer.WriteString(msg.BodyText)
		return err
	}

	writer := multipart.NewWriter(buffer)
	headers["Content-Type"] = "multipart/mixed; boundary=" + writer.Boundary()
	writeHeaders(headers, buffer)

	if msg.BodyText != "" {
		if err := addBodyPart(writer, "text/plain; charset=UTF-8", msg.BodyText); err != nil {
			return err
		}
	}
	if msg.BodyHTML != "" {
		if err := addBodyPart(writer, "text/html; charset=UTF-8", msg.BodyHTML); err != nil {
			return err
		}
	}
	for i := range msg.Attachments {
		if err := addAttachmentPart(writer, &msg.Attachments[i]); err != nil {
			return err
		}
	}
	return writer.Close()
}

func writeHeaders(headers map[string]string, buffer *bytes.Buffer) {
	for key, value := range headers {
		fmt.Fprintf(buffer, "%s: %s\r\n", key, value)
	}
	buffer.WriteString("\r\n")
}

func addBodyPart(writer *multipart.Writer, contentType, body string) error {
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType},
	})
	if err != nil {
		return err
	}
	_, err = part.Write([]byte(body))
	return err
}

func addAttachmentPart(writer *multipart.Writer, attachment *interfaces.IncomingAttachment) error {
	disposition := "attachment"
	if attachment.IsInline {
		disposition = "inline"
	}
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {attachment.ContentType},
		"Content-Disposition":       {fmt.Sprintf("%s; filename=%q", disposition, attachment.Filename)},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(attachment.Content)
	// 76 char lines per RFC 2045
	for len(encoded) > 0 {
		lineLen := 76
		if len(encoded) < lineLen {
			lineLen = len(encoded)
		}
		if _, err := part.Write([]byte(encoded[:lineLen] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[lineLen:]
	}
	return nil
}

func generateMessageID(fromAddress string) string {
	domain := "unimail.local"
	if idx := strings.LastIndex(fromAddress, "@"); idx >= 0 {
		domain = fromAddress[idx+1:]
	}
	return fmt.Sprintf("%s@%s", utils.GenerateNanoIDWithPrefix("msg", 21), domain)
}
