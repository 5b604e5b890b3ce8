package sipendpoint

import "time"

// Wire-format constants this endpoint's fixtures are pinned to.
const (
	userAgent = "Unknown (belle-sip/4.4.0)"
	localPort = 60266

	registerExpires = 3600
	reRegisterSlack = 10 * time.Second

	registerTimeout  = 10 * time.Second
	registerBackoff  = 5 * time.Second
	keepaliveInterval = 10 * time.Second
	callReapAfter     = 1800 * time.Second
	recvDatagramSize  = 8192
)

var keepaliveLiteral = []byte("0d0a0d0a")
