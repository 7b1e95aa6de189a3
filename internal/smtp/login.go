package smtp

import (
	"errors"

	"github.com/emersion/go-sasl"
)

var errUnexpectedLoginResponse = errors.New("unexpected LOGIN response")

const (
	loginStart = iota
	loginUsername
	loginPassword
	loginDone
)

// loginServer is the server side of the LOGIN mechanism. go-sasl only
// ships a LOGIN client.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

var _ sasl.Server = (*loginServer)(nil)

// Next implements sasl.Server. A non-nil response on the first call is an
// initial response carrying the username.
func (a *loginServer) Next(response []byte) ([]byte, bool, error) {
	if a.step == loginStart {
		a.step = loginUsername
		if response == nil {
			return []byte("Username:"), false, nil
		}
	}

	switch a.step {
	case loginUsername:
		a.username = string(response)
		a.step = loginPassword
		return []byte("Password:"), false, nil
	case loginPassword:
		a.step = loginDone
		return nil, true, a.authenticate(a.username, string(response))
	default:
		return nil, true, errUnexpectedLoginResponse
	}
}
