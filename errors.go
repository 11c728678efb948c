package pagestore

import (
	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/page"
	"github.com/aweris/pagestore/internal/status"
)

var (
	ErrClosed        = errors.New("pagestore: store closed")
	ErrSyncRunning   = errors.New("pagestore: sync already running")
	ErrJournalClosed = page.ErrJournalFinished
	ErrStorageClosed = page.ErrClosed
)

// Status is the outcome of a storage operation, carried by every error this
// package returns.
type Status = status.Status

const (
	StatusOK            = status.OK
	StatusNotFound      = status.NotFound
	StatusInternalError = status.InternalError
	StatusParseError    = status.ParseError
	StatusIOError       = status.IOError
)

// StatusOf returns the Status carried by err.
func StatusOf(err error) Status { return status.Of(err) }

// AppStatus is the status reported to applications.
type AppStatus int

const (
	AppOK AppStatus = iota
	AppKeyNotFound
	AppPageNotFound
	AppReferenceNotFound
	AppInternalError
	AppIOError
)

func (s AppStatus) String() string {
	switch s {
	case AppOK:
		return "OK"
	case AppKeyNotFound:
		return "KEY_NOT_FOUND"
	case AppPageNotFound:
		return "PAGE_NOT_FOUND"
	case AppReferenceNotFound:
		return "REFERENCE_NOT_FOUND"
	case AppInternalError:
		return "INTERNAL_ERROR"
	case AppIOError:
		return "IO_ERROR"
	default:
		return "AppStatus(?)"
	}
}

// ToAppStatus maps the storage status of err. NOT_FOUND becomes notFound,
// since what is missing depends on the call. Corrupt data is an internal
// error to applications.
func ToAppStatus(err error, notFound AppStatus) AppStatus {
	switch status.Of(err) {
	case status.OK:
		return AppOK
	case status.NotFound:
		return notFound
	case status.IOError:
		return AppIOError
	default:
		return AppInternalError
	}
}
