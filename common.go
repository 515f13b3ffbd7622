package dfs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Path string
type ServerAddress string

const (
	// PathSeparator delimits path components.
	PathSeparator = "/"
	// ReservedDelimiter is kept free for application use and never appears
	// inside a path.
	ReservedDelimiter = ":"

	Root Path = PathSeparator
)

// NewPath parses a slash-delimited path string. The string must begin with a
// slash and must not contain a colon. Empty components are dropped, so
// "/a//b/" and "/a/b" name the same path.
func NewPath(s string) (Path, error) {
	if !strings.HasPrefix(s, PathSeparator) {
		return "", Errorf(InvalidArgument, "path %q does not begin with %q", s, PathSeparator)
	}
	if strings.Contains(s, ReservedDelimiter) {
		return "", Errorf(InvalidArgument, "path %q contains %q", s, ReservedDelimiter)
	}
	return fromComponents(split(s)), nil
}

// MustPath is like NewPath but panics on malformed input. Meant for literals.
func MustPath(s string) Path {
	p, err := NewPath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func split(s string) []string {
	// Note: `strings.Split` will return ["", ""] for "/",
	// so we use `strings.FieldsFunc` instead.
	return strings.FieldsFunc(s, func(c rune) bool {
		return c == '/'
	})
}

func fromComponents(parts []string) Path {
	if len(parts) == 0 {
		return Root
	}
	return Path(PathSeparator + strings.Join(parts, PathSeparator))
}

// Components returns the name components of p. The root has none.
func (p Path) Components() []string {
	return split(string(p))
}

func (p Path) IsRoot() bool {
	return len(p.Components()) == 0
}

// Depth is the number of components in p.
func (p Path) Depth() int {
	return len(p.Components())
}

// Parent drops the last component of p.
func (p Path) Parent() (Path, error) {
	parts := p.Components()
	if len(parts) == 0 {
		return "", Errorf(InvalidArgument, "root has no parent")
	}
	return fromComponents(parts[:len(parts)-1]), nil
}

// Last returns the final component of p.
func (p Path) Last() (string, error) {
	parts := p.Components()
	if len(parts) == 0 {
		return "", Errorf(InvalidArgument, "root has no last component")
	}
	return parts[len(parts)-1], nil
}

// Split returns the parent directory and the last component.
func (p Path) Split() (dir Path, name string, err error) {
	if dir, err = p.Parent(); err != nil {
		return "", "", err
	}
	name, _ = p.Last()
	return dir, name, nil
}

// Child appends a single component to p.
func (p Path) Child(name string) (Path, error) {
	if name == "" {
		return "", Errorf(InvalidArgument, "empty path component")
	}
	if strings.Contains(name, PathSeparator) || strings.Contains(name, ReservedDelimiter) {
		return "", Errorf(InvalidArgument, "component %q contains a delimiter", name)
	}
	return fromComponents(append(p.Components(), name)), nil
}

// IsSubpath reports whether prefix is a prefix of p. Every path is a
// subpath of itself and every path has the root as a subpath.
func (p Path) IsSubpath(prefix Path) bool {
	mine, theirs := p.Components(), prefix.Components()
	if len(theirs) > len(mine) {
		return false
	}
	for i := range theirs {
		if mine[i] != theirs[i] {
			return false
		}
	}
	return true
}

// NextComponentOf returns the component of longer that directly follows p.
// It fails when p is not a strict prefix of longer.
func (p Path) NextComponentOf(longer Path) (string, error) {
	if p == longer || !longer.IsSubpath(p) {
		return "", Errorf(InvalidArgument, "%v is not a strict prefix of %v", p, longer)
	}
	return longer.Components()[p.Depth()], nil
}

// Compare orders paths by their string form. Clients that need to lock
// several paths at once lock them in increasing order.
func (p Path) Compare(other Path) int {
	return strings.Compare(string(p), string(other))
}

func (p Path) String() string {
	return string(fromComponents(p.Components()))
}

// SortPaths sorts paths into lock order.
func SortPaths(ps []Path) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].Compare(ps[j]) < 0
	})
}

type ErrorCode int

const (
	Success ErrorCode = iota
	UnknownError
	NotFound
	InvalidArgument
	RPCFailure
	NoStorage
)

var errorCodeNames = map[ErrorCode]string{
	Success:         "success",
	UnknownError:    "unknown error",
	NotFound:        "not found",
	InvalidArgument: "invalid argument",
	RPCFailure:      "rpc failure",
	NoStorage:       "no storage server",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// extended error type with error code
type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	if e.Err == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err
}

// Is matches any Error carrying the same code when target has no message,
// so errors.Is(err, ErrNotFound) works for every not-found error.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Err == "" || t.Err == e.Err)
}

var (
	ErrNotFound        = Error{Code: NotFound}
	ErrInvalidArgument = Error{Code: InvalidArgument}
	ErrRPCFailure      = Error{Code: RPCFailure}
	ErrNoStorage       = Error{Code: NoStorage}
)

func Errorf(code ErrorCode, format string, args ...interface{}) error {
	return Error{Code: code, Err: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code of err. Errors that are not an Error are unknown.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return UnknownError
}

// ParseError turns the string form of an Error back into an Error. net/rpc
// only carries error strings across the wire.
func ParseError(s string) Error {
	for code, name := range errorCodeNames {
		if code == Success {
			continue
		}
		if s == name {
			return Error{Code: code}
		}
		if strings.HasPrefix(s, name+": ") {
			return Error{Code: code, Err: strings.TrimPrefix(s, name+": ")}
		}
	}
	return Error{Code: UnknownError, Err: s}
}

// system config
const (
	DefaultReplicationThreshold = 20
	DefaultReplicationWorkers   = 4
	DefaultReplicationQueue     = 64

	DialTimeout = 2 * time.Second
	// CommandTimeout bounds one call from the naming server to a storage
	// command plane, including the copy it may trigger.
	CommandTimeout = 10 * time.Second

	MaxFileSize = 1 << 30
)
