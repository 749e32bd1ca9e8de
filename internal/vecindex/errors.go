package vecindex

import "fmt"

// BuildError is fatal to a single build attempt; the index is left unset.
type BuildError struct {
	Reason string
	Cause  error
}

func (e *BuildError) Error() string {
	if e == nil {
		return "index build failed"
	}
	if e.Cause != nil {
		return fmt.Sprintf("index build failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("index build failed: %s", e.Reason)
}

func (e *BuildError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NotFoundError means one or both persisted artifacts are absent.
type NotFoundError struct {
	Path  string
	Cause error
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "index not found"
	}
	return fmt.Sprintf("index not found at %s", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// CorruptError means the persisted artifacts disagree with each other or
// with their own header. A mismatched vector/metadata count must never
// silently pass.
type CorruptError struct {
	Path   string
	Detail string
	Cause  error
}

func (e *CorruptError) Error() string {
	if e == nil {
		return "index corrupt"
	}
	if e.Detail != "" {
		return fmt.Sprintf("index corrupt at %s: %s", e.Path, e.Detail)
	}
	return fmt.Sprintf("index corrupt at %s: %v", e.Path, e.Cause)
}

func (e *CorruptError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}
