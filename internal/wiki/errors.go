package wiki

import "errors"

var (
	// ErrListingDisabled means the site does not expose a usable page or
	// attachment index. Retrying cannot fix it.
	ErrListingDisabled = errors.New("listing disabled")
	// ErrActionDisabled means the site explicitly refused the requested action.
	ErrActionDisabled = errors.New("action disabled")
	// ErrTextareaNotFound means the response did not contain the expected
	// source element.
	ErrTextareaNotFound = errors.New("expected content not found")
	// ErrRevisionUnavailable means a historical revision was removed or cannot
	// be served.
	ErrRevisionUnavailable = errors.New("revision unavailable")
	// ErrAttachListExhausted means the attachment listing died with a PHP fatal
	// error, usually memory or time exhaustion on large wikis.
	ErrAttachListExhausted = errors.New("attachment listing exhausted server resources")
	// ErrNotAttachment means an attachment download returned something other
	// than a file (no Content-Disposition).
	ErrNotAttachment = errors.New("response is not an attachment")
	// ErrDumpLocked means another process holds the dump directory.
	ErrDumpLocked = errors.New("dump directory is locked")
)

// IsIgnorableDisabled reports whether err belongs to the two page-fatal
// classes that --ignore-action-disabled-edit downgrades.
func IsIgnorableDisabled(err error) bool {
	return errors.Is(err, ErrActionDisabled) || errors.Is(err, ErrTextareaNotFound)
}
