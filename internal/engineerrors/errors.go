// Package engineerrors defines the concrete error kinds produced across the
// ReedBase engine (spec §7). Each kind is its own struct, matching the shape
// of the teacher's pkg/errors package, so callers can errors.As() on the
// exact kind they care about.
package engineerrors

import "fmt"

type NotFoundError struct {
	Kind string // "table" | "key" | "version" | "index"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

type AlreadyExistsError struct {
	Kind string // "table" | "index"
	Name string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Name)
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Reason)
}

type ParseError struct {
	Position int
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at position %d: %s", e.Position, e.Reason)
}

type PageIoError struct {
	PageID uint32
	Op     string
	Err    error
}

func (e *PageIoError) Error() string {
	return fmt.Sprintf("page io error during %s on page %d: %v", e.Op, e.PageID, e.Err)
}

func (e *PageIoError) Unwrap() error { return e.Err }

type WalWriteError struct {
	Err error
}

func (e *WalWriteError) Error() string {
	return fmt.Sprintf("wal write failed: %v", e.Err)
}

func (e *WalWriteError) Unwrap() error { return e.Err }

type CorruptedPageError struct {
	PageID uint32
	Reason string
}

func (e *CorruptedPageError) Error() string {
	return fmt.Sprintf("corrupted page %d: %s", e.PageID, e.Reason)
}

type CorruptedLogEntryError struct {
	Line   int
	Reason string
}

func (e *CorruptedLogEntryError) Error() string {
	return fmt.Sprintf("corrupted log entry at line %d: %s", e.Line, e.Reason)
}

type LockTimeoutError struct {
	Table   string
	Timeout string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s acquiring lock on table %q", e.Timeout, e.Table)
}

type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("unresolved merge conflict on key %q", e.Key)
}

type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

type UnknownUserError struct {
	User string
}

func (e *UnknownUserError) Error() string {
	return fmt.Sprintf("unknown user %q", e.User)
}

type PayloadTooLargeError struct {
	Size    int
	MaxSize int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload of %d bytes exceeds page capacity of %d bytes", e.Size, e.MaxSize)
}

type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %q (on_conflict=error)", e.Key)
}

type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found", e.Key)
}
