// Package errors provides standardized error handling for semrpc.
//
// # Overview
//
// Two layers live here. The first is the internal classification system
// (Transient, Invalid, Fatal) used by infrastructure code to decide whether
// to retry, reject or stop. The second is the client-facing API error
// taxonomy: a stable set of string codes that are the only error details
// allowed to leave the process.
//
// # Error Wrapping Pattern
//
// Internal wrapping follows the format:
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "Client", "Connect", "dial nats")
//	errors.WrapInvalid(err, "Loader", "Load", "parse config")
//	errors.WrapFatal(err, "Server", "Start", "bind listener")
//
// # API Errors
//
// Procedure handlers return *APIError to send a specific code to the caller:
//
//	return nil, errors.NewAPIError(errors.CodeForbidden, "not your document")
//
// Anything else is masked before it crosses a transport:
//
//	apiErr, masked := errors.Mask(err)
//	if masked {
//	    logger.Error("procedure failed", "error", err)
//	}
//
// Mask never drops the original cause; it is reachable with errors.Unwrap
// for logging but is not serialized.
//
// # Thread Safety
//
// Error values are immutable after construction and safe to share.
package errors
