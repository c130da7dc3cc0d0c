package api

import (
	"time"

	"github.com/uhyunpark/simutrador/pkg/protocol"
)

// Config is the transport policy of the API server.
type Config struct {
	Addr        string
	CORSOrigins []string
	Version     string
	// IdleTimeout and MessagesPerSecond override the plan limits when set
	IdleTimeout       time.Duration
	MessagesPerSecond int
	// MaxConnectionDuration caps a WebSocket's lifetime; 0 falls back to
	// the plan's max simulation duration
	MaxConnectionDuration time.Duration
	// SendBuffer is the per-connection outbound queue length
	SendBuffer int
}

// WebSocket close codes sent with connection_closing
const (
	CloseCodeIdleTimeout   = 4001
	CloseCodeMaxDuration   = 4002
	CloseCodeKeyRevoked    = 4003
	CloseCodeRateLimit     = 4008
	CloseCodeComplete      = 1000
	CloseCodeMaintenance   = 1001
	closeWarningCapSeconds = 60
)

var supportedFeatures = []string{
	"flow_control",
	"order_batches",
	"bracket_orders",
	"account_snapshots",
	"ping",
}

type closing struct {
	reason    protocol.ClosingReason
	message   string
	code      int
	reconnect bool
}

// frame is one queued outbound message; a frame with close set is the
// last one written before the close handshake.
type frame struct {
	data  []byte
	close *closing
}

// warnBefore is how long before a deadline the client is warned.
func warnBefore(d time.Duration) time.Duration {
	w := d / 5
	if w > closeWarningCapSeconds*time.Second {
		w = closeWarningCapSeconds * time.Second
	}
	return w
}
