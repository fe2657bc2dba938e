package truevfs

import (
	"errors"
	"fmt"
	"strings"
)

// SyncError reports one failure during sync of one file system. Warnings
// are non-destructive, e.g. a close error on a forced stream; everything
// else indicates that data may have been lost.
type SyncError struct {
	MountPoint *MountPoint
	Cause      error
	Warning    bool
}

func (e *SyncError) Error() string {
	kind := "sync error"
	if e.Warning {
		kind = "sync warning"
	}
	return fmt.Sprintf("%s: %s: %v", e.MountPoint, kind, e.Cause)
}

func (e *SyncError) Unwrap() error { return e.Cause }

// SyncErrors is the composite assembled over a sync run. A caller of sync
// gets nil (clean), a composite of warnings only (safe to continue), or a
// composite containing at least one fatal error (the mount may be
// inconsistent).
type SyncErrors struct {
	Errors []*SyncError
}

// Fatal reports whether any constituent is destructive.
func (e *SyncErrors) Fatal() bool {
	for _, err := range e.Errors {
		if !err.Warning {
			return true
		}
	}
	return false
}

func (e *SyncErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d sync errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n\t")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

func (e *SyncErrors) Unwrap() []error {
	unwrapped := make([]error, len(e.Errors))
	for i, err := range e.Errors {
		unwrapped[i] = err
	}
	return unwrapped
}

// IsSyncWarning reports whether err is a sync composite carrying warnings
// only.
func IsSyncWarning(err error) bool {
	var se *SyncErrors
	return errors.As(err, &se) && !se.Fatal()
}

// IsSyncFatal reports whether err is a sync composite with at least one
// destructive failure.
func IsSyncFatal(err error) bool {
	var se *SyncErrors
	return errors.As(err, &se) && se.Fatal()
}

// SyncBuilder accumulates sync failures across the controller chain and
// across file systems. Warn adds and continues; Fail adds and returns the
// composite for immediate propagation; Check returns the composite iff any
// failure was recorded.
type SyncBuilder struct {
	errs []*SyncError
}

func (b *SyncBuilder) Warn(mountPoint *MountPoint, cause error) {
	b.errs = append(b.errs, &SyncError{MountPoint: mountPoint, Cause: cause, Warning: true})
}

func (b *SyncBuilder) Fail(mountPoint *MountPoint, cause error) error {
	b.errs = append(b.errs, &SyncError{MountPoint: mountPoint, Cause: cause})
	return b.Check()
}

func (b *SyncBuilder) Check() error {
	if len(b.errs) == 0 {
		return nil
	}
	return &SyncErrors{Errors: b.errs}
}
