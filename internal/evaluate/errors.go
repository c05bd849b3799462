package evaluate

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/pavelanni/gradescan/internal/scorer"
	"github.com/pavelanni/gradescan/internal/vision"
)

// Fatal input and configuration errors. These are surfaced to the
// caller immediately and never retried.
var (
	// ErrNoAnswerSheet means the student submitted nothing.
	ErrNoAnswerSheet = errors.New("no answer sheet uploaded for this student")

	// ErrMissingDocument means the test has no question paper or
	// answer key on file.
	ErrMissingDocument = errors.New("required test document missing")

	// ErrAlreadyInProgress means another run holds the evaluation row.
	ErrAlreadyInProgress = errors.New("evaluation already in progress")

	// ErrConfiguration marks missing or rejected credentials and
	// endpoints.
	ErrConfiguration = errors.New("evaluation pipeline misconfigured")
)

// transientSignals are substrings that mark an error as a transport
// hiccup worth retrying: timeouts, unreachable URLs, failed downloads
// and extraction failures on the scoring side.
var transientSignals = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"unreachable",
	"connection refused",
	"connection reset",
	"no such host",
	"download",
	"extraction",
	"ocr",
	"overloaded",
	"status 429",
	"status 502",
	"status 503",
	"status 504",
}

// retryable classifies an error as a transient transport failure.
// Anything fatal by construction (missing input, configuration,
// cancellation, a PDF that still needs conversion) is excluded first.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrNoAnswerSheet),
		errors.Is(err, ErrMissingDocument),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, scorer.ErrUnauthorized),
		errors.Is(err, vision.ErrNeedsConversion),
		errors.Is(err, context.Canceled):
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, vision.ErrEmptyExtraction) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSignals {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
