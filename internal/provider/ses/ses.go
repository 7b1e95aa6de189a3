// Package ses implements a Provider that sends mail via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/smtp-graph-relay/internal/email"
	"github.com/shineum/smtp-graph-relay/internal/provider"
)

const defaultTimeout = 30 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Timeout bounds each SendEmail call. Zero means 30s.
	Timeout time.Duration
}

// SendEmailAPI is the subset of the SES v2 client used by Provider.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends mail via the AWS SES v2 API. The sender is the mailbox
// mapped to the authenticated identity.
type Provider struct {
	client  SendEmailAPI
	timeout time.Duration
}

// New creates a Provider from the default AWS credential chain, or from
// static keys when both are set.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg.Timeout), nil
}

// NewWithClient creates a Provider around an existing client.
func NewWithClient(client SendEmailAPI, timeout time.Duration) *Provider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{client: client, timeout: timeout}
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return "ses"
}

// Send delivers env with a single SendEmail call. Messages with
// attachments are sent as raw MIME.
func (s *Provider) Send(ctx context.Context, env *email.Envelope) error {
	if env.Mailbox == "" {
		return fmt.Errorf("%w: no mailbox mapped for %q", provider.ErrUpstreamRejected, env.Identity)
	}

	var input *sesv2.SendEmailInput
	if len(env.Message.Attachments) > 0 {
		raw, err := buildRawMessage(env)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(env.Mailbox),
			Destination:      destination(env.Message),
			ReplyToAddresses: env.ReplyTo(),
			Content:          &types.EmailContent{Raw: &types.RawMessage{Data: raw}},
		}
	} else {
		input = buildSimpleInput(env)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("SES API error", "code", apiErr.ErrorCode(), "message", apiErr.ErrorMessage())
		}
		return provider.UpstreamError("SES SendEmail failed", err)
	}

	slog.Debug("SES accepted message", "message_id", aws.ToString(out.MessageId))
	return nil
}

func destination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  email.Addresses(msg.To),
		CcAddresses:  email.Addresses(msg.Cc),
		BccAddresses: email.Addresses(msg.Bcc),
	}
}

// buildSimpleInput creates a SendEmailInput for messages without attachments.
func buildSimpleInput(env *email.Envelope) *sesv2.SendEmailInput {
	msg := env.Message
	body := &types.Body{}

	if msg.HTMLBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HTMLBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.Mailbox),
		Destination:      destination(msg),
		ReplyToAddresses: env.ReplyTo(),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage renders env as a multipart/mixed message. Bcc is left
// out of the headers and carried only in the destination.
func buildRawMessage(env *email.Envelope) ([]byte, error) {
	msg := env.Message

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: env.Mailbox}})
	h.SetAddressList("To", mailAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", mailAddresses(msg.Cc))
	}
	replyTo := make([]*mail.Address, 0, len(env.ReplyTo()))
	for _, addr := range env.ReplyTo() {
		replyTo = append(replyTo, &mail.Address{Address: addr})
	}
	h.SetAddressList("Reply-To", replyTo)
	h.SetSubject(msg.Subject)
	if msg.MessageID != "" {
		h.Set("Message-Id", msg.MessageID)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	if msg.HTMLBody != "" || msg.TextBody != "" {
		iw, err := mw.CreateInline()
		if err != nil {
			return nil, fmt.Errorf("failed to create body part: %w", err)
		}
		if msg.TextBody != "" {
			if err := writeInline(iw, "text/plain", msg.TextBody); err != nil {
				return nil, err
			}
		}
		if msg.HTMLBody != "" {
			if err := writeInline(iw, "text/html", msg.HTMLBody); err != nil {
				return nil, err
			}
		}
		if err := iw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close body part: %w", err)
		}
	}

	for _, att := range msg.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(att.ContentType, nil)
		ah.SetFilename(att.Filename)

		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := w.Write(att.Content); err != nil {
			return nil, fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close attachment %q: %w", att.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var th mail.InlineHeader
	th.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("failed to write %s part: %w", contentType, err)
	}
	return w.Close()
}

func mailAddresses(addrs []email.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
