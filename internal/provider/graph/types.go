// Package graph implements a Provider that sends mail via the Microsoft
// Graph sendMail endpoint.
package graph

// SendMailRequest is the top-level request body for the sendMail endpoint.
type SendMailRequest struct {
	Message         Message `json:"message"`
	SaveToSentItems bool    `json:"saveToSentItems"`
}

// Message is the message portion of a sendMail request.
type Message struct {
	Subject       string       `json:"subject"`
	Body          Body         `json:"body"`
	From          Recipient    `json:"from"`
	ToRecipients  []Recipient  `json:"toRecipients"`
	CcRecipients  []Recipient  `json:"ccRecipients,omitempty"`
	BccRecipients []Recipient  `json:"bccRecipients,omitempty"`
	ReplyTo       []Recipient  `json:"replyTo,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// Body is the body of an email message.
type Body struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Recipient is an email recipient.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// EmailAddress is an address in a Graph request. Display names are never
// sent.
type EmailAddress struct {
	Address string `json:"address"`
}

// Attachment is a file attachment in a Graph request.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// Body content types.
const (
	ContentTypeText = "Text"
	ContentTypeHTML = "HTML"
)

const fileAttachmentType = "#microsoft.graph.fileAttachment"

// tokenResponse is the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse is an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
