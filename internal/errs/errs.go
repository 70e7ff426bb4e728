// Package errs centralizes the error taxonomy shared across the update
// engine so call sites can classify failures with errors.Is/errors.As
// instead of matching on message text.
package errs

import "fmt"

// Sentinel classes. Wrap these with fmt.Errorf("...: %w", Sentinel) to
// preserve both the class and the detail.
var (
	// ErrConfig marks a missing or invalid required configuration value.
	ErrConfig = &classError{"config error"}

	// ErrMalformedTarget marks a manifest line whose service key could not
	// be located.
	ErrMalformedTarget = &classError{"malformed target"}

	// ErrMissingPolicy marks a manifest line with no locatable policy
	// annotation.
	ErrMissingPolicy = &classError{"missing policy"}

	// ErrParse marks an image reference or tag that failed grammar parsing.
	ErrParse = &classError{"parse error"}

	// ErrRegistry marks a non-zero exit or malformed response from the
	// registry probe.
	ErrRegistry = &classError{"registry error"}

	// ErrGit marks a non-zero exit from the git driver.
	ErrGit = &classError{"git error"}

	// ErrWebhookValidation marks a rejected webhook request.
	ErrWebhookValidation = &classError{"webhook validation error"}
)

type classError struct {
	label string
}

func (e *classError) Error() string { return e.label }

// Wrap annotates err with the given class so errors.Is(result, class)
// succeeds, while preserving err's message and Unwrap chain.
func Wrap(class error, format string, args ...interface{}) error {
	return &wrapped{class: class, msg: fmt.Sprintf(format, args...)}
}

type wrapped struct {
	class error
	msg   string
	cause error
}

func (w *wrapped) Error() string { return w.msg }

func (w *wrapped) Unwrap() error { return w.cause }

func (w *wrapped) Is(target error) bool {
	return target == w.class
}

// WrapErr is like Wrap but also chains an underlying error's message and
// preserves it for errors.As/errors.Unwrap.
func WrapErr(class error, context string, err error) error {
	return &wrapped{class: class, msg: fmt.Sprintf("%s: %v", context, err), cause: err}
}
