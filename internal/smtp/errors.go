package smtp

import (
	gosmtp "github.com/emersion/go-smtp"
)

// SMTP replies for each rejection the relay can make. All are returned as
// *gosmtp.SMTPError so the library writes them verbatim.
var (
	ErrConnectionRejected = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
		Message:      "Connection rejected: your IP address is not allowed",
	}
	ErrInvalidCredentials = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	ErrAuthenticationRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	ErrTooManyAuthFailures = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "Too many authentication failures, closing connection",
	}
	ErrMessageParseFailure = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Message could not be parsed",
	}
	ErrUpstreamRejected = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 0},
		Message:      "Message rejected by upstream mail service",
	}
	ErrUpstreamTimeout = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 4, 7},
		Message:      "Upstream mail service timed out",
	}
)
