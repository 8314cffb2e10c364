// Package perr defines the proxy's error taxonomy as sentinel-wrapped
// values rather than string matching, so callers can use errors.Is
// and every error carries its HTTP status and (where applicable)
// grpc-status mapping.
package perr

import "errors"

// Kind identifies a taxonomy bucket from the design's error model.
type Kind int

const (
	KindClientParse Kind = iota
	KindAdmissionDenied
	KindBackendSelectFailure
	KindBackendConnectFailure
	KindBackendProtocolFailure
	KindTransformOverflow
	KindTLSFailure
	KindFatal
)

// Error is a taxonomy-tagged error carrying the wire-level status to
// reply with.
type Error struct {
	Kind       Kind
	HTTPStatus int
	GRPCStatus int32 // only meaningful when Kind implies a grpc mapping
	Msg        string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Msg + ": " + e.Cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// sentinels usable with errors.Is against the Kind dimension.
var (
	ClientParse            = &Error{Kind: KindClientParse, HTTPStatus: 400, GRPCStatus: 13, Msg: "client parse error"}
	AdmissionDenied         = &Error{Kind: KindAdmissionDenied, HTTPStatus: 429, Msg: "admission denied"}
	AdmissionForbidden      = &Error{Kind: KindAdmissionDenied, HTTPStatus: 403, Msg: "access denied"}
	BackendSelectFailure    = &Error{Kind: KindBackendSelectFailure, HTTPStatus: 503, GRPCStatus: 14, Msg: "no eligible backend"}
	BackendConnectFailure   = &Error{Kind: KindBackendConnectFailure, HTTPStatus: 502, GRPCStatus: 14, Msg: "backend connect failed"}
	BackendProtocolFailure  = &Error{Kind: KindBackendProtocolFailure, HTTPStatus: 502, GRPCStatus: 13, Msg: "backend protocol error"}
	TransformOverflow       = &Error{Kind: KindTransformOverflow, HTTPStatus: 0, Msg: "transform buffer overflow"}
	TLSFailure              = &Error{Kind: KindTLSFailure, HTTPStatus: 0, Msg: "tls handshake failure"}
	Fatal                   = &Error{Kind: KindFatal, HTTPStatus: 500, Msg: "fatal error"}
)

// Wrap returns a copy of sentinel with cause attached, preserving Is semantics.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{
		Kind:       sentinel.Kind,
		HTTPStatus: sentinel.HTTPStatus,
		GRPCStatus: sentinel.GRPCStatus,
		Msg:        sentinel.Msg,
		Cause:      cause,
	}
}

// WrapMsg is like Wrap but overrides the message while keeping the kind/status.
func WrapMsg(sentinel *Error, msg string, cause error) *Error {
	e := Wrap(sentinel, cause)
	e.Msg = msg
	return e
}

// Is implements errors.Is comparison by Kind so wrapped instances
// still match their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}
