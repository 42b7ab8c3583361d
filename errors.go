package fatshuffle

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ShuffleError is the interface implemented by every error this library
// returns. Each failure kind is a package-level root value; WithMessage
// attaches context to a kind and Wrap chains an underlying error onto it.
// Both preserve the root kind for errors.Is.
type ShuffleError interface {
	error
	WithMessage(message string) ShuffleError
	Wrap(err error) ShuffleError
}

type baseShuffleError string

const rootError = baseShuffleError("")

var ErrMalformedBootSector = rootError.WithMessage("Malformed boot sector")
var ErrTruncatedFATTable = rootError.WithMessage("FAT table truncated")
var ErrBrokenChain = rootError.WithMessage("Broken cluster chain")
var ErrChainCycleDetected = rootError.WithMessage("Cluster chain cycle detected")
var ErrMalformedDirectoryEntry = rootError.WithMessage("Malformed directory entry")
var ErrDirectoryCycleDetected = rootError.WithMessage("Directory cycle detected")
var ErrWriteBoundsExceeded = rootError.WithMessage("Write outside image bounds")
var ErrVerificationFailed = rootError.WithMessage("Verification failed")
var ErrInvalidArgument = rootError.WithMessage("Invalid argument")
var ErrIOFailed = rootError.WithMessage("Input/output error")

func (e baseShuffleError) Error() string {
	return string(e)
}

func (e baseShuffleError) WithMessage(message string) ShuffleError {
	return customShuffleError{
		message:       message,
		originalError: e,
	}
}

func (e baseShuffleError) Wrap(err error) ShuffleError {
	return customShuffleError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customShuffleError struct {
	message       string
	originalError error
}

// Error implements the `error` object interface. When called, it returns a string
// describing the error.
func (e customShuffleError) Error() string {
	return e.message
}

func (e customShuffleError) WithMessage(message string) ShuffleError {
	return customShuffleError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customShuffleError) Wrap(err error) ShuffleError {
	return customShuffleError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customShuffleError) Unwrap() error {
	return e.originalError
}
