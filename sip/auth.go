package sip

import (
	"braces.dev/errtrace"
	"github.com/icholy/digest"
)

// Authenticator answers authentication challenges of outgoing requests.
type Authenticator interface {
	// Authenticate returns the credentials header value answering the challenge
	// taken from a WWW-Authenticate or Proxy-Authenticate header.
	Authenticate(req *OutgoingRequestMessage, challenge string) (string, error)
}

// DigestAuthenticator computes RFC 2617 digest credentials.
type DigestAuthenticator struct {
	Username string
	Password string

	nonce string
	count int
}

// NewDigestAuthenticator creates a digest authenticator with the credentials.
func NewDigestAuthenticator(username, password string) *DigestAuthenticator {
	return &DigestAuthenticator{Username: username, Password: password}
}

func (a *DigestAuthenticator) Authenticate(req *OutgoingRequestMessage, challenge string) (string, error) {
	chal, err := digest.ParseChallenge(challenge)
	if err != nil {
		return "", errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if chal.Nonce != a.nonce {
		a.nonce = chal.Nonce
		a.count = 0
	}
	a.count++

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method,
		URI:      req.RequestURI.String(),
		Count:    a.count,
		Username: a.Username,
		Password: a.Password,
	})
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	return cred.String(), nil
}
