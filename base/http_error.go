package base

import "fmt"

// HTTPError carries an HTTP status code across package boundaries, the same
// way sync_gateway's base.HTTPErrorf does for every error blip_handler.go
// returns up through the handler table (404 -> fresh start, 409 -> conflict,
// etc, per spec.md §7).
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// HTTPErrorf constructs an *HTTPError, mirroring base.HTTPErrorf(status, format, args...)
// call sites throughout blip_handler.go (e.g. base.HTTPErrorf(http.StatusBadRequest, "Invalid subChanges parameters")).
func HTTPErrorf(status int, format string, args ...interface{}) error {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the HTTP status an error carries, or 0 if it isn't an
// *HTTPError (or doesn't wrap one).
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	type statusCarrier interface{ httpStatus() int }
	var he *HTTPError
	if as(err, &he) {
		return he.Status
	}
	return 0
}

// as is a tiny local stand-in for errors.As, specialised to *HTTPError: it
// walks the single-error Unwrap chain (implemented by fmt.Errorf's %w and by
// github.com/pkg/errors wrappers) and stops at the first *HTTPError. Errors
// that join several causes (Unwrap() []error) are not searched.
func as(err error, target **HTTPError) bool {
	for err != nil {
		if he, ok := err.(*HTTPError); ok {
			*target = he
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
