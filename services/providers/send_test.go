package providers

import (
	"bytes"
	"testing"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimailhq/unimail/interfaces"
)

func TestBuildOutgoingMessage_PlainText(t *testing.T) {
	msg := &interfaces.IncomingMessage{
		MessageID:   "out-1@example.com",
		Subject:     "status",
		FromAddress: "alice@example.com",
		FromName:    "Alice",
		ToAddresses: []string{"bob@example.com"},
		BodyText:    "all green",
	}

	buffer := bytes.NewBuffer(nil)
	require.NoError(t, buildOutgoingMessage(msg, buffer))

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "status", envelope.GetHeader("Subject"))
	assert.Equal(t, "<out-1@example.com>", envelope.GetHeader("Message-Id"))
	assert.Contains(t, envelope.GetHeader("From"), "alice@example.com")
	assert.Contains(t, envelope.Text, "all green")
	assert.Empty(t, envelope.Attachments)
}

func TestBuildOutgoingMessage_ReplyHeaders(t *testing.T) {
	msg := &interfaces.IncomingMessage{
		MessageID:   "out-2@example.com",
		InReplyTo:   "parent@example.com",
		References:  []string{"root@example.com", "parent@example.com"},
		Subject:     "Re: status",
		FromAddress: "alice@example.com",
		ToAddresses: []string{"bob@example.com"},
		BodyText:    "replying",
	}

	buffer := bytes.NewBuffer(nil)
	require.NoError(t, buildOutgoingMessage(msg, buffer))

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, "<parent@example.com>", envelope.GetHeader("In-Reply-To"))
	assert.Equal(t, "<root@example.com> <parent@example.com>", envelope.GetHeader("References"))
}

func TestBuildOutgoingMessage_WithAttachment(t *testing.T) {
	msg := &interfaces.IncomingMessage{
		MessageID:   "out-3@example.com",
		Subject:     "report",
		FromAddress: "alice@example.com",
		ToAddresses: []string{"bob@example.com"},
		BodyText:    "see attachment",
		BodyHTML:    "<p>see attachment</p>",
		Attachments: []interfaces.IncomingAttachment{
			{
				Filename:    "numbers.csv",
				ContentType: "text/csv",
				Content:     []byte("a,b\n1,2\n"),
			},
		},
	}

	buffer := bytes.NewBuffer(nil)
	require.NoError(t, buildOutgoingMessage(msg, buffer))

	envelope, err := enmime.ReadEnvelope(bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)

	assert.Contains(t, envelope.Text, "see attachment")
	assert.Contains(t, envelope.HTML, "see attachment")
	require.Len(t, envelope.Attachments, 1)
	assert.Equal(t, "numbers.csv", envelope.Attachments[0].FileName)
	assert.Equal(t, []byte("a,b\n1,2\n"), envelope.Attachments[0].Content)
}

func TestValidateOutgoing(t *testing.T) {
	valid := &interfaces.IncomingMessage{
		FromAddress: "alice@example.com",
		ToAddresses: []string{"bob@example.com"},
		BodyText:    "hi",
	}
	assert.NoError(t, validateOutgoing(valid))

	assert.Error(t, validateOutgoing(&interfaces.IncomingMessage{
		ToAddresses: []string{"bob@example.com"},
		BodyText:    "hi",
	}))
	assert.Error(t, validateOutgoing(&interfaces.IncomingMessage{
		FromAddress: "alice@example.com",
		BodyText:    "hi",
	}))
	assert.Error(t, validateOutgoing(&interfaces.IncomingMessage{
		FromAddress: "alice@example.com",
		ToAddresses: []string{"bob@example.com"},
	}))
}

func TestAllRecipients(t *testing.T) {
	msg := &interfaces.IncomingMessage{
		ToAddresses:  []string{"a@example.com", "b@example.com"},
		CcAddresses:  []string{"b@example.com", "c@example.com"},
		BccAddresses: []string{"d@example.com"},
	}

	assert.Equal(t,
		[]string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"},
		allRecipients(msg))
}

func TestGenerateMessageID(t *testing.T) {
	id := generateMessageID("alice@example.com")
	assert.Regexp(t, `^msg_[a-z0-9]{21}@example\.com$`, id)
	assert.NotEqual(t, id, generateMessageID("alice@example.com"))
}
