package reliability

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
//
// Within the session core neither token acquisition nor form submission is
// retried automatically; the classification is surfaced to the client so the
// presentation layer can decide whether a manual retry is worthwhile.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsFatalTransportCode reports whether a streaming-transport error code
// identifies an unrecoverable stream. Any transport error ends the session;
// fatal codes are surfaced to the page verbatim as the termination reason,
// everything else collapses to a generic one.
func IsFatalTransportCode(code string) bool {
	switch code {
	case "session_expired", "token_rejected", "concurrent_limit":
		return true
	default:
		return false
	}
}
