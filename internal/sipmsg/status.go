package sipmsg

// Status codes this endpoint sends or reacts to. Servers may send
// others; ReasonFor falls back to a generic phrase for those.
const (
	StatusTrying                      = 100
	StatusRinging                     = 180
	StatusOK                          = 200
	StatusBadRequest                  = 400
	StatusUnauthorized                = 401
	StatusProxyAuthenticationRequired = 407
	StatusRequestTerminated           = 487
	StatusDecline                     = 603
)

var reasonPhrases = map[int]string{
	StatusTrying:                      "Trying",
	StatusRinging:                     "Ringing",
	StatusOK:                          "OK",
	StatusBadRequest:                  "Bad Request",
	StatusUnauthorized:                "Unauthorized",
	StatusProxyAuthenticationRequired: "Proxy Authentication Required",
	StatusRequestTerminated:           "Request Terminated",
	StatusDecline:                     "Decline",
}

// ReasonFor returns the canonical reason phrase for a status code, or
// "Unknown" if this endpoint has no opinion on it.
func ReasonFor(code int) string {
	if phrase, ok := reasonPhrases[code]; ok {
		return phrase
	}
	return "Unknown"
}

// IsServerError reports whether a status code is >= 500, the "retry
// registration after a back-off" condition.
func IsServerError(code int) bool {
	return code >= 500
}
