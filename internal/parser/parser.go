// Package parser turns a submitted RFC 5322 message into an email.Message.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

// ErrMalformedMessage is returned when the submitted bytes cannot be read
// as a message.
var ErrMalformedMessage = errors.New("malformed message")

// Parse parses a raw message. Transfer encodings and charsets are decoded
// by go-message. The first text/plain and text/html parts become the
// bodies; parts with attachment disposition or a filename become
// attachments. Unrecognized parts are logged and skipped.
func Parse(raw []byte) (*email.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err != nil {
		slog.Warn("unknown charset in message header", "error", err)
	}
	defer mr.Close()

	result := &email.Message{
		MessageID: mr.Header.Get("Message-Id"),
	}

	if result.Subject, err = mr.Header.Subject(); err != nil {
		result.Subject = mr.Header.Get("Subject")
	}
	if from := addressList(mr.Header, "From"); len(from) > 0 {
		result.From = from[0]
	}
	result.To = addressList(mr.Header, "To")
	result.Cc = addressList(mr.Header, "Cc")
	result.Bcc = addressList(mr.Header, "Bcc")
	result.ReplyTo = addressList(mr.Header, "Reply-To")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if err != nil {
			slog.Warn("unknown charset in message part, using raw bytes", "error", err)
		}

		if err := readPart(p, result); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	return result, nil
}

// readPart files one leaf part into result.
func readPart(p *mail.Part, result *email.Message) error {
	content, err := io.ReadAll(p.Body)
	if err != nil {
		return fmt.Errorf("failed to read part body: %w", err)
	}

	switch h := p.Header.(type) {
	case *mail.AttachmentHeader:
		mediaType, params := contentType(&h.Header)
		filename, _ := h.Filename()
		result.Attachments = append(result.Attachments, email.Attachment{
			Filename:    fallbackFilename(filename, params, mediaType),
			ContentType: mediaType,
			Content:     content,
		})

	case *mail.InlineHeader:
		mediaType, params := contentType(&h.Header)
		_, dispParams, _ := h.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		isText := mediaType == "text/plain" || mediaType == "text/html"

		switch {
		case filename == "" && mediaType == "text/plain" && result.TextBody == "":
			result.TextBody = string(content)
		case filename == "" && mediaType == "text/html" && result.HTMLBody == "":
			result.HTMLBody = string(content)
		case filename != "" || isText:
			// Named inline parts and extra text parts are kept as
			// attachments so no content is lost.
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    fallbackFilename(filename, params, mediaType),
				ContentType: mediaType,
				Content:     content,
			})
		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
			)
		}

	default:
		slog.Warn("unsupported part header type, skipping")
	}
	return nil
}

// contentType returns the media type of a part, defaulting to text/plain.
func contentType(h *message.Header) (string, map[string]string) {
	if h.Get("Content-Type") == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := h.ContentType()
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", h.Get("Content-Type"),
			"error", err,
		)
		return "text/plain", map[string]string{}
	}
	return mediaType, params
}

// fallbackFilename picks a name for an attachment. The send-mail API
// requires one, so a name is derived from the media type as a last resort.
func fallbackFilename(filename string, params map[string]string, mediaType string) string {
	if filename != "" {
		return filename
	}
	if name := params["name"]; name != "" {
		if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
			return decoded
		}
		return name
	}
	switch mediaType {
	case "text/plain":
		return "attachment.txt"
	case "text/html":
		return "attachment.html"
	}
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList parses an address header, keeping display names. Headers
// that fail RFC 5322 parsing fall back to a comma split.
func addressList(h mail.Header, key string) []email.Address {
	raw := h.Get(key)
	if raw == "" {
		return nil
	}

	list, err := h.AddressList(key)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]email.Address, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.Trim(strings.TrimSpace(p), "<>")
			if trimmed != "" {
				result = append(result, email.Address{Address: trimmed})
			}
		}
		return result
	}

	result := make([]email.Address, 0, len(list))
	for _, a := range list {
		result = append(result, email.Address{Name: a.Name, Address: a.Address})
	}
	return result
}
