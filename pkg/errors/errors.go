// Package errors provides error wrapping utilities and the typed failure
// taxonomy reported by an installation run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies why an installation failed
type Kind string

const (
	KindInvalidRequest            Kind = "invalid_request"
	KindEnvironmentUnmet          Kind = "environment_unmet"
	KindMissingAsset              Kind = "missing_asset"
	KindDownloadFailure           Kind = "download_failure"
	KindExtractionFailure         Kind = "extraction_failure"
	KindMountabilityFailure       Kind = "mountability_failure"
	KindRenameFailure             Kind = "rename_failure"
	KindWriteVerificationMismatch Kind = "write_verification_mismatch"
	KindWriteFailure              Kind = "write_failure"
	KindCancelled                 Kind = "cancelled"
	KindInternal                  Kind = "internal"
)

// Sentinel errors shared across packages.
var (
	ErrContentMismatch   = stderrors.New("device content differs from image")
	ErrCancelled         = stderrors.New("operation cancelled")
	ErrAlreadyRegistered = stderrors.New("a worker is already registered")
)

// InstallError is the single terminal error of an installation run.
type InstallError struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

// New creates an InstallError of the given kind.
func New(kind Kind, stage, message string, cause error) *InstallError {
	return &InstallError{Kind: kind, Stage: stage, Message: message, Err: cause}
}

func (e *InstallError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (stage %s)", e.Message, e.Stage)
	}
	return fmt.Sprintf("%s (stage %s): %v", e.Message, e.Stage, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, KindCancelled for a bare
// cancellation, and KindInternal for anything else.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *InstallError
	if stderrors.As(err, &ie) {
		return ie.Kind
	}
	if stderrors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// Unwrap returns the next error in err's chain, or nil.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}
