// Package errkind holds the value-level error taxonomy shared by the
// scheduler, the shader database and the device facade (spec.md 7): a
// small enum plus a typed error carrying it, so callers can branch on
// "what kind of failure" without type-switching on package-private error
// types.
package errkind

import "fmt"

// Kind enumerates the error categories named in spec.md 7.
type Kind int

const (
	InvalidHandle Kind = iota
	InvalidParameter
	InternalAPIFailure
	ResourceStateNotFound
	BadTableInfo
	CorruptedCommandListSentinel
	CommitResourceStateFail
	ShaderCompileError
	ShaderIOError
)

func (k Kind) String() string {
	names := [...]string{
		"InvalidHandle", "InvalidParameter", "InternalApiFailure",
		"ResourceStateNotFound", "BadTableInfo", "CorruptedCommandListSentinel",
		"CommitResourceStateFail", "ShaderCompileError", "ShaderIoError",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error pairs a Kind with a human-readable message. It is returned in the
// same call that detected the failure (spec.md 7: "Create-time failures
// are returned in the same call, never logged-and-forgotten").
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// New constructs an *Error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
