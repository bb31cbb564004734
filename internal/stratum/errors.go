package stratum

import (
	stderrors "errors"
	"fmt"
)

// RPCError is a stratum-level failure carried back to the miner as the
// error member of the JSON-RPC response.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// NewRPCError creates an RPCError with the given stratum code.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// ErrUnauthorizedWorker reports a submission naming a worker that is not
// currently authorized on the session.
func ErrUnauthorizedWorker(worker string) *RPCError {
	return NewRPCError(ErrorUnauthorized, fmt.Sprintf("worker %q is not authorized", worker))
}

// ErrNotSubscribed reports a submission on a session that never completed
// mining.subscribe.
func ErrNotSubscribed() *RPCError {
	return NewRPCError(ErrorNotSubscribed, "session is not subscribed")
}

// ErrNotPermitted reports an admin-only method invoked from a connection
// without administrative capability.
func ErrNotPermitted(method string) *RPCError {
	return NewRPCError(ErrorNotPermitted, fmt.Sprintf("method %s is not permitted", method))
}

// ErrInvalidParams reports a request whose parameters fail validation.
func ErrInvalidParams(message string) *RPCError {
	return NewRPCError(ErrorInvalidParams, message)
}

// AsRPCError converts any error to the RPCError sent on the wire. Errors
// that are not already stratum errors map to the catch-all code.
func AsRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if stderrors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewRPCError(ErrorOther, err.Error())
}
