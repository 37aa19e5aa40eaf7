package gstsource

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies pipeline errors for logs and reconnect decisions.
type ErrorCategory int

const (
	// ErrCategoryNetwork: connection, timeout, DNS. Reconnecting may help.
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec: decode or caps negotiation.
	ErrCategoryCodec
	// ErrCategoryAuth: credentials rejected.
	ErrCategoryAuth
	// ErrCategoryUnknown: anything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Retryable reports whether a reconnect is worth attempting. Rejected
// credentials stay rejected.
func (e ErrorCategory) Retryable() bool {
	return e != ErrCategoryAuth
}

// PipelineError is an error posted on the pipeline bus.
type PipelineError struct {
	Category ErrorCategory
	Message  string
}

func (e *PipelineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gstsource: pipeline error [%s]", e.Category)
	}
	return fmt.Sprintf("gstsource: pipeline error [%s]: %s", e.Category, e.Message)
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "format", "negotiation", "caps", "h264", "h265",
		"not negotiated", "no decoder", "missing plugin",
	}
	networkKeywords = []string{
		"connection", "timeout", "unreachable", "network", "dns", "resolve",
		"socket", "tcp", "udp", "rtsp", "not found", "could not connect",
	}
)

// classifyGError classifies a GStreamer error message.
func classifyGError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

// classify matches message and debug text against keyword lists, most
// specific first: auth, then codec, then network.
func classify(message, debug string) ErrorCategory {
	text := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(text, authKeywords):
		return ErrCategoryAuth
	case containsAny(text, codecKeywords):
		return ErrCategoryCodec
	case containsAny(text, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
