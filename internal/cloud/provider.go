// Package cloud defines the contract between the sync engine and a cloud
// relay, and the unified status set every backend maps its failures onto.
//
// The relay only ever sees encrypted bytes: commit records are sealed before
// AddCommits and objects are addressed by obfuscated names.
package cloud

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

// Status is the outcome of a cloud call.
type Status int

const (
	OK Status = iota
	NetworkError
	ServerError
	AuthError
	NotFound
	ParseError
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NetworkError:
		return "NETWORK_ERROR"
	case ServerError:
		return "SERVER_ERROR"
	case AuthError:
		return "AUTH_ERROR"
	case NotFound:
		return "NOT_FOUND"
	case ParseError:
		return "PARSE_ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Retryable reports whether repeating the call can change its outcome.
func (s Status) Retryable() bool {
	return s == NetworkError || s == ServerError || s == AuthError
}

// Error is a cloud failure tagged with its Status.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf returns an error for op failing with s.
func Errorf(s Status, op, format string, args ...any) error {
	return &Error{Status: s, Op: op, Err: fmt.Errorf(format, args...)}
}

// Of extracts the Status carried by err. Errors from the network stack are
// NETWORK_ERROR; anything else without a status is a SERVER_ERROR.
func Of(err error) Status {
	if err == nil {
		return OK
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NetworkError
	}
	return ServerError
}

// StatusFromHTTP maps an HTTP (or OCI distribution) status code.
func StatusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return OK
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return AuthError
	case code == http.StatusNotFound:
		return NotFound
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return ParseError
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests,
		code == http.StatusBadGateway, code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return NetworkError
	default:
		return ServerError
	}
}

// Record is an encrypted commit record. Name identifies it on the relay
// without revealing the commit id.
type Record struct {
	Name string `msgpack:"name"`
	Data []byte `msgpack:"data"`
}

// Batch is a group of records delivered together, with the cursor to resume
// after them.
type Batch struct {
	Records []Record
	Cursor  []byte
}

// Stream delivers batches of commit records in relay order.
type Stream interface {
	// Recv blocks until a batch is available or ctx ends.
	Recv(ctx context.Context) (Batch, error)
	Close() error
}

// Provider is a cloud relay. Every call carries a bearer token. Adding a
// record or object that is already present is not an error.
type Provider interface {
	AddCommits(ctx context.Context, page, token string, records []Record) error
	WatchCommits(ctx context.Context, page, token string, cursor []byte) (Stream, error)
	AddObject(ctx context.Context, page, token, name string, data []byte) error
	GetObject(ctx context.Context, page, token, name string) ([]byte, error)
}
