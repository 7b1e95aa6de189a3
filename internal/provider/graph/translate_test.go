package graph

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shineum/smtp-graph-relay/internal/email"
)

func envelope(msg *email.Message) *email.Envelope {
	return &email.Envelope{
		Identity: "app@example.com",
		Mailbox:  "relay@contoso.com",
		Message:  msg,
	}
}

func TestTranslate_TextOnly(t *testing.T) {
	t.Parallel()

	req := Translate(envelope(&email.Message{
		From:     email.Address{Name: "Spoofer", Address: "ceo@example.com"},
		To:       []email.Address{{Name: "Dest", Address: "dest@example.com"}},
		Subject:  "Test",
		TextBody: "hello",
	}))

	if req.Message.Subject != "Test" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test")
	}
	if req.Message.Body.ContentType != ContentTypeText {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, ContentTypeText)
	}
	if req.Message.Body.Content != "hello" {
		t.Errorf("Body.Content: got %q, want %q", req.Message.Body.Content, "hello")
	}
	if req.Message.From.EmailAddress.Address != "relay@contoso.com" {
		t.Errorf("From: got %q, want mailbox %q", req.Message.From.EmailAddress.Address, "relay@contoso.com")
	}
	if len(req.Message.ToRecipients) != 1 || req.Message.ToRecipients[0].EmailAddress.Address != "dest@example.com" {
		t.Errorf("ToRecipients: got %+v, want [dest@example.com]", req.Message.ToRecipients)
	}
	if !req.SaveToSentItems {
		t.Error("SaveToSentItems should always be true")
	}
}

func TestTranslate_BodySelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		text        string
		html        string
		wantType    string
		wantContent string
	}{
		{name: "text only", text: "plain", wantType: ContentTypeText, wantContent: "plain"},
		{name: "html only", html: "<p>x</p>", wantType: ContentTypeHTML, wantContent: "<p>x</p>"},
		{name: "both prefers html", text: "plain", html: "<p>x</p>", wantType: ContentTypeHTML, wantContent: "<p>x</p>"},
		{name: "neither", wantType: ContentTypeText, wantContent: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := Translate(envelope(&email.Message{TextBody: tt.text, HTMLBody: tt.html}))
			if req.Message.Body.ContentType != tt.wantType {
				t.Errorf("ContentType: got %q, want %q", req.Message.Body.ContentType, tt.wantType)
			}
			if req.Message.Body.Content != tt.wantContent {
				t.Errorf("Content: got %q, want %q", req.Message.Body.Content, tt.wantContent)
			}
		})
	}
}

func TestTranslate_CcBccOmittedWhenEmpty(t *testing.T) {
	t.Parallel()

	req := Translate(envelope(&email.Message{
		To:       []email.Address{{Address: "a@example.com"}},
		Cc:       []email.Address{},
		TextBody: "x",
	}))

	if req.Message.CcRecipients != nil || req.Message.BccRecipients != nil {
		t.Errorf("Cc/Bcc: got %v / %v, want nil", req.Message.CcRecipients, req.Message.BccRecipients)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{"ccRecipients", "bccRecipients", "attachments"} {
		if strings.Contains(string(data), field) {
			t.Errorf("JSON should not contain %q: %s", field, data)
		}
	}
}

func TestTranslate_CcBccIncluded(t *testing.T) {
	t.Parallel()

	req := Translate(envelope(&email.Message{
		To:  []email.Address{{Address: "a@example.com"}},
		Cc:  []email.Address{{Name: "Carol", Address: "carol@example.com"}, {Address: "dave@example.com"}},
		Bcc: []email.Address{{Address: "hidden@example.com"}},
	}))

	if len(req.Message.CcRecipients) != 2 {
		t.Fatalf("CcRecipients: got %d, want 2", len(req.Message.CcRecipients))
	}
	if req.Message.CcRecipients[0].EmailAddress.Address != "carol@example.com" {
		t.Errorf("CcRecipients[0]: got %q", req.Message.CcRecipients[0].EmailAddress.Address)
	}
	if len(req.Message.BccRecipients) != 1 || req.Message.BccRecipients[0].EmailAddress.Address != "hidden@example.com" {
		t.Errorf("BccRecipients: got %+v", req.Message.BccRecipients)
	}
}

func TestTranslate_ReplyTo(t *testing.T) {
	t.Parallel()

	t.Run("from header", func(t *testing.T) {
		t.Parallel()
		req := Translate(envelope(&email.Message{
			ReplyTo: []email.Address{{Name: "Support", Address: "support@example.com"}, {Address: "ops@example.com"}},
		}))
		got := req.Message.ReplyTo
		if len(got) != 2 || got[0].EmailAddress.Address != "support@example.com" || got[1].EmailAddress.Address != "ops@example.com" {
			t.Errorf("ReplyTo: got %+v", got)
		}
	})

	t.Run("defaults to login identity", func(t *testing.T) {
		t.Parallel()
		req := Translate(envelope(&email.Message{}))
		got := req.Message.ReplyTo
		if len(got) != 1 || got[0].EmailAddress.Address != "app@example.com" {
			t.Errorf("ReplyTo: got %+v, want [app@example.com]", got)
		}
	})
}

func TestTranslate_Attachments(t *testing.T) {
	t.Parallel()

	req := Translate(envelope(&email.Message{
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("pdf-content")},
			{Filename: "a.txt", ContentType: "text/plain", Content: []byte{}},
		},
	}))

	if len(req.Message.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(req.Message.Attachments))
	}

	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q", att.ODataType)
	}
	if att.Name != "report.pdf" || att.ContentType != "application/pdf" {
		t.Errorf("attachment: got %q (%s)", att.Name, att.ContentType)
	}
	decoded, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil || string(decoded) != "pdf-content" {
		t.Errorf("ContentBytes: got %q (err %v)", att.ContentBytes, err)
	}
}

func TestTranslate_EmptyToIsArray(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Translate(envelope(&email.Message{})))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"toRecipients":[]`) {
		t.Errorf("toRecipients should serialize as an empty array: %s", data)
	}
}
