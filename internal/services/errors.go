package services

import (
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Error taxonomy for the ingestion pipeline. Components return these wrapped
// with %w and never retry via redelivery themselves; the orchestrator is the
// sole decision point for retry-versus-quarantine. The embedding client is
// the one exception: it performs its own bounded provider retries before
// surfacing a failure.
var (
	// ErrInvalidInput marks a malformed event or malformed document input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an object that is not (yet) visible in storage.
	// Transient: the notification may have outrun the object, or the object
	// was deleted in flight.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied marks a fetch the pipeline is not permitted to perform.
	ErrAccessDenied = errors.New("access denied")

	// ErrTooLarge marks an object over the configured size ceiling.
	ErrTooLarge = errors.New("object exceeds size ceiling")

	// ErrProviderThrottled marks an embedding call rejected for rate.
	ErrProviderThrottled = errors.New("embedding provider throttled")

	// ErrProviderUnavailable marks a transiently unreachable embedding provider.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrInvalidModelResponse marks a malformed or dimension-mismatched
	// embedding response.
	ErrInvalidModelResponse = errors.New("invalid model response")

	// ErrStorageWrite marks a failed durable write; always retryable because
	// every write target is fully keyed and safely overwritten on retry.
	ErrStorageWrite = errors.New("storage write failed")
)

// IsFatal reports whether err belongs to the error classes that quarantine a
// message instead of leaving it for queue redelivery. ErrInvalidModelResponse
// is fatal here because the embedding client has already exhausted its
// bounded retries by the time it surfaces.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrInvalidModelResponse)
}

// ClassifyFetchError maps storage read failures onto the pipeline taxonomy.
// Errors already carrying a taxonomy sentinel, and unrecognized errors, pass
// through unchanged; unrecognized errors default to retryable.
func ClassifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		}
	}
	return err
}
