// Package errs defines the stable error taxonomy shared by every part of the
// engine. Transient conditions travel as warnings on the same stream as
// results; only unrecoverable conditions tear a pipeline down. Callers decide
// retryability through IsRetryable rather than by inspecting messages.
package errs

import (
	"errors"
	"fmt"
)

// NetworkErrorKind classifies transport-level failures.
type NetworkErrorKind int

const (
	NetworkTimeout NetworkErrorKind = iota
	NetworkAborted
	NetworkHTTPStatus
	NetworkOther
)

func (k NetworkErrorKind) String() string {
	switch k {
	case NetworkTimeout:
		return "timeout"
	case NetworkAborted:
		return "aborted"
	case NetworkHTTPStatus:
		return "http"
	default:
		return "other"
	}
}

// NetworkError is raised by the request layer.
type NetworkError struct {
	Kind   NetworkErrorKind
	Status int // HTTP status, when Kind is NetworkHTTPStatus
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Kind == NetworkHTTPStatus {
		return fmt.Sprintf("network error (%s %d) on %s", e.Kind, e.Status, e.URL)
	}
	if e.Err != nil {
		return fmt.Sprintf("network error (%s) on %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("network error (%s) on %s", e.Kind, e.URL)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Retryable reports whether a new attempt may succeed. Timeouts, generic
// network failures, 408, 429 and every 5xx are retryable; aborts and other
// 4xx are not.
func (e *NetworkError) Retryable() bool {
	switch e.Kind {
	case NetworkTimeout, NetworkOther:
		return true
	case NetworkAborted:
		return false
	case NetworkHTTPStatus:
		if e.Status == 408 || e.Status == 429 {
			return true
		}
		return e.Status >= 500 && e.Status < 600
	}
	return false
}

// ManifestErrorKind classifies failures of the manifest layer.
type ManifestErrorKind int

const (
	ManifestParse ManifestErrorKind = iota
	ManifestUnsupported
	ManifestRefreshFailed
)

func (k ManifestErrorKind) String() string {
	switch k {
	case ManifestParse:
		return "parse"
	case ManifestUnsupported:
		return "unsupported"
	default:
		return "refresh-failed"
	}
}

type ManifestError struct {
	Kind ManifestErrorKind
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error (%s): %v", e.Kind, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

// IndexErrorKind classifies segment-index failures.
type IndexErrorKind int

const (
	IndexNotInitialized IndexErrorKind = iota
	IndexOutOfSync
	IndexDiscontinuityEncountered
)

func (k IndexErrorKind) String() string {
	switch k {
	case IndexNotInitialized:
		return "not-initialized"
	case IndexOutOfSync:
		return "out-of-sync"
	default:
		return "discontinuity-encountered"
	}
}

type IndexError struct {
	Kind IndexErrorKind
	Err  error
}

func (e *IndexError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("index error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("index error (%s)", e.Kind)
}

func (e *IndexError) Unwrap() error { return e.Err }

// IntegrityError reports structurally malformed media bytes. It is treated
// as retryable by the fetch path.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error (mp4-malformed): %v", e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// MediaErrorKind classifies failures of the media pipeline itself.
type MediaErrorKind int

const (
	MediaStartingTimeNotFound MediaErrorKind = iota
	MediaBufferFull
	MediaCodecNotSupported
)

func (k MediaErrorKind) String() string {
	switch k {
	case MediaStartingTimeNotFound:
		return "starting-time-not-found"
	case MediaBufferFull:
		return "buffer-full"
	default:
		return "codec-not-supported"
	}
}

type MediaError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("media error (%s)", e.Kind)
}

func (e *MediaError) Unwrap() error { return e.Err }

// DRMErrorKind classifies key-system failures. Key-scoped kinds may be
// handled by blacklisting the key instead of failing the load.
type DRMErrorKind int

const (
	DRMKeyLoad DRMErrorKind = iota
	DRMKeyStatus
	DRMKeyUpdate
	DRMKeyError
	DRMNoSupport
)

func (k DRMErrorKind) String() string {
	switch k {
	case DRMKeyLoad:
		return "key-load"
	case DRMKeyStatus:
		return "key-status"
	case DRMKeyUpdate:
		return "key-update"
	case DRMKeyError:
		return "key-error"
	default:
		return "no-support"
	}
}

type DRMError struct {
	Kind  DRMErrorKind
	KeyID []byte
	Err   error
}

func (e *DRMError) Error() string {
	return fmt.Sprintf("drm error (%s)", e.Kind)
}

func (e *DRMError) Unwrap() error { return e.Err }

// PerKey reports whether the error concerns a single key and playback may
// continue with that key blacklisted.
func (e *DRMError) PerKey() bool {
	return e.Kind == DRMKeyStatus || e.Kind == DRMKeyUpdate
}

// ErrCancellation marks work abandoned because its cancellation token fired.
var ErrCancellation = errors.New("operation was cancelled")

// PipelineParseError reports a failure while interpreting fetched bytes
// outside of the manifest path (sidx boxes, cues, ...).
type PipelineParseError struct {
	Err error
}

func (e *PipelineParseError) Error() string {
	return fmt.Sprintf("pipeline parse error: %v", e.Err)
}

func (e *PipelineParseError) Unwrap() error { return e.Err }

// IsRetryable reports whether a failed attempt is worth retrying: network
// errors according to their own rule, and integrity errors always.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable()
	}
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// IsCancellation reports whether err stems from a cancellation, either ours
// or context's.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancellation)
}
