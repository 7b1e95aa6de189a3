// Package email defines the core email data model used throughout the relay.
package email

import "net/mail"

// Address is a mailbox address with an optional display name.
type Address struct {
	Name    string
	Address string
}

// String formats the address the way it would appear in a header.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return (&mail.Address{Name: a.Name, Address: a.Address}).String()
}

// Message represents a parsed email message with all its components.
type Message struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	ReplyTo     []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	MessageID   string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Envelope binds a parsed message to the session that submitted it.
// Identity is the SMTP login name and Mailbox is the cloud mailbox the
// login is mapped to. Providers always send as Mailbox, never as the
// message's own From header.
type Envelope struct {
	Identity string
	Mailbox  string
	Message  *Message
}

// ReplyTo returns the reply-to addresses for the outbound message. When the
// message carries no Reply-To header it falls back to the login identity
// (not the mailbox).
func (e *Envelope) ReplyTo() []string {
	if len(e.Message.ReplyTo) > 0 {
		return Addresses(e.Message.ReplyTo)
	}
	return []string{e.Identity}
}

// Addresses returns the bare addresses of list, dropping display names.
func Addresses(list []Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
