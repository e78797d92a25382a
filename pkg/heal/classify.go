package heal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the recovery category of a processing failure.
type Kind string

// Only KindDesync is remediated. KindTransient is logged under its own name
// but otherwise fails like KindUnclassified.
const (
	KindUnclassified Kind = "unclassified"
	KindTransient    Kind = "transient"
	KindDesync       Kind = "desync"
)

// Classifier maps a failure to a recovery category.
type Classifier func(err error) Kind

// sessionSignatures are signal session exception names and messages.
var sessionSignatures = []string{
	"invalid message",
	"invalidmessageexception",
	"bad mac",
	"bad authentication code",
	"mismatching mac",
	"no matching session",
	"no session for",
	"no valid sessions",
	"sessionerror",
	"failed to decrypt",
}

// senderKeySignatures are group cipher and sender-key state faults.
var senderKeySignatures = []string{
	"sender key",
	"senderkey",
	"sender_key",
	"senderkeyrecord",
	"senderkeystate",
	"groupcipher",
	"group cipher",
	"group session",
	"no sender key state",
	"skmsg",
}

var transientSignatures = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"websocket not connected",
	"not connected",
	"eof",
}

// Classify is the default Classifier. Desync wins over transient so a sender-key
// fault raised mid-send is still remediated.
func Classify(err error) Kind {
	if err == nil {
		return KindUnclassified
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Kind
	}

	text := errorText(err)
	if containsAny(text, sessionSignatures) || containsAny(text, senderKeySignatures) {
		return KindDesync
	}

	if isTransient(err) || containsAny(text, transientSignatures) {
		return KindTransient
	}

	return KindUnclassified
}

// MatchesSessionFault reports the crypto-session heuristic on its own.
func MatchesSessionFault(err error) bool {
	return err != nil && containsAny(errorText(err), sessionSignatures)
}

// MatchesSenderKeyFault reports the group-cipher heuristic on its own.
func MatchesSenderKeyFault(err error) bool {
	return err != nil && containsAny(errorText(err), senderKeySignatures)
}

// errorText joins the message with the verbose rendering, which carries a stack
// trace for errors that record one.
func errorText(err error) string {
	message := err.Error()
	verbose := fmt.Sprintf("%+v", err)
	if verbose == message {
		return strings.ToLower(message)
	}

	return strings.ToLower(message + "\n" + verbose)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}

	return false
}

// Error pins a failure to a Kind regardless of its text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil || e.Err == nil {
		return string(KindUnclassified)
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Desync marks err as a group crypto desync.
func Desync(err error) error {
	return &Error{Kind: KindDesync, Err: err}
}

// Transient marks err as a transient network failure.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}
