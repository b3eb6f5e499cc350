// Package address parses and formats the private-message routing envelope
// `login@serverAddress body` exchanged between users, chat servers and the
// balancer.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// ErrMalformedAddress is returned when a message does not follow the
	// private-message convention. Callers treat it as a broadcast.
	ErrMalformedAddress = errors.New("malformed private message address")

	// ErrInvalidLogin is returned for nicknames that would break parsing.
	ErrInvalidLogin = errors.New("invalid login")
)

// The body may span lines; the routing prefix may not.
var privatePattern = regexp.MustCompile(`(?s)^(\S+)@(\S+)\s(.+)$`)

// Envelope is a private message parsed once at the boundary.
type Envelope struct {
	Raw    string
	Login  string
	Server string
	Body   string
}

// DestinationLogin returns the full `login@server` routing key.
func (e Envelope) DestinationLogin() string {
	return e.Login + "@" + e.Server
}

// Parse splits a private message into its routing fields.
func Parse(text string) (Envelope, error) {
	groups := privatePattern.FindStringSubmatch(text)
	if groups == nil {
		return Envelope{}, fmt.Errorf("%w: %q", ErrMalformedAddress, text)
	}
	return Envelope{
		Raw:    text,
		Login:  groups[1],
		Server: groups[2],
		Body:   groups[3],
	}, nil
}

// IsPrivate reports whether text is addressed to a single user.
func IsPrivate(text string) bool {
	return privatePattern.MatchString(text)
}

// DestinationServer extracts the server address a private message targets.
func DestinationServer(text string) (string, error) {
	env, err := Parse(text)
	if err != nil {
		return "", err
	}
	return env.Server, nil
}

// DestinationLogin extracts the `login@server` token of a private message.
func DestinationLogin(text string) (string, error) {
	env, err := Parse(text)
	if err != nil {
		return "", err
	}
	return env.DestinationLogin(), nil
}

// Format builds the wire form of a private message.
func Format(login, server, body string) string {
	return login + "@" + server + " " + body
}

// ValidateLogin rejects nicknames that are empty or contain `@` or
// whitespace, since either would make envelopes addressed to them ambiguous.
func ValidateLogin(login string) error {
	if login == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLogin)
	}
	if strings.ContainsRune(login, '@') {
		return fmt.Errorf("%w: %q contains '@'", ErrInvalidLogin, login)
	}
	if strings.IndexFunc(login, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidLogin, login)
	}
	return nil
}
