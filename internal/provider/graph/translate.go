package graph

import (
	"encoding/base64"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

// Translate converts an authenticated submission into a sendMail request.
//
// From is always env.Mailbox regardless of the message's own From header.
// Cc, Bcc and attachments are omitted when empty. Reply-To falls back to
// the login identity when the message has none.
func Translate(env *email.Envelope) *SendMailRequest {
	msg := env.Message

	body := Body{
		ContentType: ContentTypeText,
		Content:     msg.TextBody,
	}
	if msg.HTMLBody != "" {
		body.ContentType = ContentTypeHTML
		body.Content = msg.HTMLBody
	}

	out := Message{
		Subject:       msg.Subject,
		Body:          body,
		From:          recipientOf(env.Mailbox),
		ToRecipients:  recipients(email.Addresses(msg.To)),
		CcRecipients:  recipients(email.Addresses(msg.Cc)),
		BccRecipients: recipients(email.Addresses(msg.Bcc)),
		ReplyTo:       recipients(env.ReplyTo()),
	}
	if out.ToRecipients == nil {
		out.ToRecipients = []Recipient{}
	}

	for _, att := range msg.Attachments {
		out.Attachments = append(out.Attachments, Attachment{
			ODataType:    fileAttachmentType,
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &SendMailRequest{
		Message:         out,
		SaveToSentItems: true,
	}
}

func recipientOf(addr string) Recipient {
	return Recipient{EmailAddress: EmailAddress{Address: addr}}
}

// recipients returns nil for an empty list so omitempty drops the field.
func recipients(addrs []string) []Recipient {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]Recipient, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, recipientOf(a))
	}
	return out
}
