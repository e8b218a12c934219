package remote

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

var (
	ErrSSHConnection     = errors.New("ssh: connection failed")
	ErrSSHAuthentication = errors.New("ssh: authentication failed")
	ErrSSHSession        = errors.New("ssh: session failed")
	ErrScriptUpload      = errors.New("ssh: script upload failed")
	ErrScriptLanguage    = errors.New("unsupported script language")
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConnectionRefused
	KindUnreachable
	KindAuthentication
	KindHostKey
	KindTimeout
	KindConnectionLost
	KindSetup
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindUnreachable:
		return "unreachable"
	case KindAuthentication:
		return "authentication"
	case KindHostKey:
		return "host_key"
	case KindTimeout:
		return "timeout"
	case KindConnectionLost:
		return "connection_lost"
	case KindSetup:
		return "setup"
	}
	return "unknown"
}

// ClassifiedError tags a transport failure with a kind and the short message
// shown to operators in the per-host result.
type ClassifiedError struct {
	Kind     ErrorKind
	Original error
}

func (e *ClassifiedError) Error() string {
	if e.Original == nil {
		return e.UserMessage()
	}
	return e.Original.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Original
}

func (e *ClassifiedError) UserMessage() string {
	switch e.Kind {
	case KindConnectionRefused:
		return "Connection refused"
	case KindUnreachable:
		return "Host unreachable"
	case KindAuthentication:
		return "Authentication failed"
	case KindHostKey:
		return "Host key verification failed"
	case KindTimeout:
		return "Connection timed out"
	case KindConnectionLost:
		return "Connection lost"
	case KindSetup:
		if e.Original != nil {
			return e.Original.Error()
		}
	}
	if e.Original != nil {
		return e.Original.Error()
	}
	return "unknown error"
}

// Classify inspects err and wraps it in a ClassifiedError. Already
// classified errors pass through untouched; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return err
	}
	return &ClassifiedError{Kind: kindOf(err), Original: err}
}

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return KindUnreachable
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrSSHAuthentication):
		return KindAuthentication
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused"):
		return KindConnectionRefused
	case containsAny(msg, "no route to host", "host unreachable", "network unreachable", "no such host"):
		return KindUnreachable
	case containsAny(msg, "unable to authenticate", "no supported authentication methods", "permission denied (publickey", "authentication failed"):
		return KindAuthentication
	case containsAny(msg, "knownhosts:", "host key mismatch", "key is unknown"):
		return KindHostKey
	case containsAny(msg, "i/o timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(msg, "connection reset", "broken pipe", "unexpected eof", "connection lost", "handshake failed"):
		return KindConnectionLost
	case containsAny(msg, "invalid private key", "cannot decode encrypted private keys", "no credentials"):
		return KindSetup
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
