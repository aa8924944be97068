package wire

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dreamware/keeper/internal/zpath"
)

// Code is the machine-readable error code carried in an ErrorResponse.
type Code string

const (
	CodeNodeExists              Code = "node_exists"
	CodeNoNode                  Code = "no_node"
	CodeNoParent                Code = "no_parent"
	CodeNotEmpty                Code = "not_empty"
	CodeBadVersion              Code = "bad_version"
	CodeNoChildrenForEphemerals Code = "no_children_for_ephemerals"
	CodeSessionExpired          Code = "session_expired"
	CodeInvalidPath             Code = "invalid_path"
	CodeBadRequest              Code = "bad_request"
	CodeInternal                Code = "internal"
	// CodeUnavailable is never sent by keeper. It marks a 5xx response
	// without a keeper body, such as a proxy failing during a restart.
	CodeUnavailable Code = "unavailable"
)

// Error taxonomy shared by the server, the connection layer and the client.
var (
	// ErrConnectionLoss means the service is transiently unreachable. It is
	// never sent by the server; the connection layer produces it.
	ErrConnectionLoss = errors.New("connection loss")
	// ErrSessionExpired means the session lease was not renewed in time.
	ErrSessionExpired = errors.New("session expired")
	// ErrClosed is returned by every operation after the client is closed.
	ErrClosed = errors.New("client closed")

	ErrNodeExists              = errors.New("node already exists")
	ErrNoNode                  = errors.New("node does not exist")
	ErrNoParent                = errors.New("parent node does not exist")
	ErrNotEmpty                = errors.New("node has children")
	ErrBadVersion              = errors.New("version conflict")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes may not have children")
	ErrInvalidPath             = zpath.ErrInvalidPath
	ErrBadRequest              = errors.New("bad request")
)

var codeErrors = map[Code]error{
	CodeNodeExists:              ErrNodeExists,
	CodeNoNode:                  ErrNoNode,
	CodeNoParent:                ErrNoParent,
	CodeNotEmpty:                ErrNotEmpty,
	CodeBadVersion:              ErrBadVersion,
	CodeNoChildrenForEphemerals: ErrNoChildrenForEphemerals,
	CodeSessionExpired:          ErrSessionExpired,
	CodeInvalidPath:             ErrInvalidPath,
	CodeBadRequest:              ErrBadRequest,
	CodeUnavailable:             ErrConnectionLoss,
}

var codeStatus = map[Code]int{
	CodeNodeExists:              http.StatusConflict,
	CodeNoNode:                  http.StatusNotFound,
	CodeNoParent:                http.StatusNotFound,
	CodeNotEmpty:                http.StatusConflict,
	CodeBadVersion:              http.StatusConflict,
	CodeNoChildrenForEphemerals: http.StatusConflict,
	CodeSessionExpired:          http.StatusGone,
	CodeInvalidPath:             http.StatusBadRequest,
	CodeBadRequest:              http.StatusBadRequest,
	CodeInternal:                http.StatusInternalServerError,
	CodeUnavailable:             http.StatusServiceUnavailable,
}

// Err returns the sentinel error for c, or nil for unknown codes.
func (c Code) Err() error {
	return codeErrors[c]
}

// Status returns the HTTP status used to transport c.
func (c Code) Status() int {
	if s, ok := codeStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// CodeOf maps an error onto its wire code. Errors outside the taxonomy map
// to CodeInternal.
func CodeOf(err error) Code {
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// Error is a failure reported by the server.
type Error struct {
	Status  int
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (http %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel for the code so callers can use errors.Is.
func (e *Error) Unwrap() error {
	return e.Code.Err()
}
