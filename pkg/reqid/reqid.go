package reqid

import (
	"fmt"
	"os"
	"sync/atomic"
)

var prefix string
var seq uint64

func init() {
	hostname, err := os.Hostname()
	if hostname == "" || err != nil {
		hostname = "localhost"
	}
	prefix = hostname
}

// NextRequestID generates the next request ID in the sequence. Request ids
// double as audit correlation ids so decisions taken while handling one
// inbound message can be traced together.
func NextRequestID() string {
	return fmt.Sprintf("%s-%09d", prefix, atomic.AddUint64(&seq, 1))
}
