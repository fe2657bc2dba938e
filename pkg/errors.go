package truevfs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURI           = errors.New("invalid uri")
	ErrNonabsoluteURI       = errors.New("mount point lacks a scheme")
	ErrNoSuchEntry          = errors.New("no such entry")
	ErrAlreadyExists        = errors.New("entry already exists")
	ErrNotDirectory         = errors.New("not a directory")
	ErrIsDirectory          = errors.New("is a directory")
	ErrDirectoryNotEmpty    = errors.New("directory not empty")
	ErrReadOnly             = errors.New("read-only file system")
	ErrAccessDenied         = errors.New("access denied")
	ErrBadKey               = errors.New("bad key")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrCorruptArchive       = errors.New("corrupt archive")
	ErrClosedResource       = errors.New("resource has been closed")
	ErrShutdown             = errors.New("kernel is shut down")
)

// BusyError reports open I/O resources that prevented an operation,
// typically a sync without force-close options.
type BusyError struct {
	// Total is the number of open resources on the file system.
	Total int
	// Local is how many of them are owned by the calling goroutine.
	Local int
}

func (e *BusyError) Error() string {
	if e.Total == e.Local {
		return fmt.Sprintf("%d open resources held by the current goroutine", e.Local)
	}
	return fmt.Sprintf("%d open resources (%d held by the current goroutine)", e.Total, e.Local)
}

// falsePositiveError is thrown by an archive target controller when the
// underlying bytes do not form an archive of the expected format. The
// outermost federated layer catches it and reroutes the operation to the
// parent controller. It never reaches user code.
type falsePositiveError struct {
	cause error
	// persistent marks false positives that cannot go away before the next
	// sync, e.g. the target is a plain directory on the parent file system.
	persistent bool
}

func (e *falsePositiveError) Error() string {
	return fmt.Sprintf("false positive archive file: %v", e.cause)
}

func (e *falsePositiveError) Unwrap() error { return e.cause }

func newFalsePositive(cause error) error {
	return &falsePositiveError{cause: cause}
}

func newPersistentFalsePositive(cause error) error {
	return &falsePositiveError{cause: cause, persistent: true}
}

// needsWriteLockError signals that an operation was attempted under a read
// lock but requires the write lock. The lock controller catches it and
// re-issues the operation under the write lock. It never reaches user code.
type needsWriteLockError struct {
	mountPoint *MountPoint
}

func (e *needsWriteLockError) Error() string {
	return fmt.Sprintf("%s: operation needs the write lock", e.mountPoint)
}

// needsLockRetryError signals that an operation could not acquire a lock
// without risking a deadlock. The outermost locked frame catches it,
// releases all locks, pauses for a small random interval and retries.
// It never reaches user code.
type needsLockRetryError struct {
	mountPoint *MountPoint
}

func (e *needsLockRetryError) Error() string {
	return fmt.Sprintf("%s: operation needs a lock retry", e.mountPoint)
}

func isLockRetry(err error) bool {
	var lr *needsLockRetryError
	return errors.As(err, &lr)
}

func isNeedsWriteLock(err error) bool {
	var wl *needsWriteLockError
	return errors.As(err, &wl)
}

func isFalsePositive(err error) (*falsePositiveError, bool) {
	var fp *falsePositiveError
	if errors.As(err, &fp) {
		return fp, true
	}
	return nil, false
}

// isControlFlow reports whether err is one of the kinds that must never
// surface to user code.
func isControlFlow(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := isFalsePositive(err); ok {
		return true
	}
	return isLockRetry(err) || isNeedsWriteLock(err)
}
