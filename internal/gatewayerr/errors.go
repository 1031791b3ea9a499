// Package gatewayerr defines the typed error kinds shared across the
// gateway's components. Layers wrap these sentinels with fmt.Errorf("...: %w")
// and callers branch with errors.Is.
package gatewayerr

import "errors"

var (
	// ErrConfigMissing indicates a required configuration value is absent.
	ErrConfigMissing = errors.New("config missing")

	// ErrTransportUnavailable indicates a channel adapter is not connected.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrUpstreamTimeout indicates an LLM or tool call exceeded its deadline.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamRejected indicates the LLM provider returned an error response.
	ErrUpstreamRejected = errors.New("upstream rejected")

	// ErrToolArgumentInvalid indicates a tool call carried unusable arguments.
	ErrToolArgumentInvalid = errors.New("tool argument invalid")

	// ErrToolExecutionFailed indicates a tool handler failed.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrBridgeDisconnected indicates the CDP-IM bridge connection is down.
	ErrBridgeDisconnected = errors.New("bridge disconnected")

	// ErrHookUnavailable indicates the bridge's in-page hook is not installed.
	ErrHookUnavailable = errors.New("hook unavailable")

	// ErrStorePersistenceFailed indicates a file-backed store rewrite failed.
	ErrStorePersistenceFailed = errors.New("store persistence failed")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is ErrUpstreamTimeout or
// ErrTransportUnavailable. Provider 429/5xx responses are retried inside the
// provider layer and, once that retry is spent, come out wrapped as
// ErrUpstreamRejected, which this does not count as retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrTransportUnavailable)
}
