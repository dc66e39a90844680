package core

// Operation represents a type of action that can be performed on an exchange.
type Operation int

// Operation constants define all supported exchange operations.
const (
	// OpGetAccount retrieves the full account balance snapshot.
	OpGetAccount Operation = iota
	// OpStartUserStream opens a user-data stream and returns its listen key.
	OpStartUserStream
	// OpKeepAliveUserStream extends the lifetime of a listen key.
	OpKeepAliveUserStream
	// OpCloseUserStream invalidates a listen key.
	OpCloseUserStream
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	if o < 0 || int(o) >= len(operationNames) {
		return "UNKNOWN"
	}
	return operationNames[o]
}

var operationNames = [...]string{
	"GET_ACCOUNT",
	"START_USER_STREAM",
	"KEEPALIVE_USER_STREAM",
	"CLOSE_USER_STREAM",
}
