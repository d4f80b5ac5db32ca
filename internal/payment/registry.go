package payment

import (
	"github.com/puzpuzpuz/xsync/v2"
)

// pollers maps payment id to the attempt id that owns its polling loop.
// It is process-wide so two orchestrators never poll the same invoice.
var pollers = xsync.NewMapOf[string]()

func claimPoller(paymentID, attemptID string) bool {
	_, loaded := pollers.LoadOrStore(paymentID, attemptID)
	return !loaded
}

func releasePoller(paymentID, attemptID string) {
	if owner, ok := pollers.Load(paymentID); ok && owner == attemptID {
		pollers.Delete(paymentID)
	}
}

// IsPolling reports whether a settlement loop is running for paymentID.
func IsPolling(paymentID string) bool {
	_, ok := pollers.Load(paymentID)
	return ok
}

// ActivePollers returns the number of running settlement loops.
func ActivePollers() int {
	return pollers.Size()
}
