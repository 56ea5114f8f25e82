package session

// ReadyState mirrors the lifecycle of a single socket
type ReadyState int32

const (
	ReadyConnecting ReadyState = iota
	ReadyOpen
	ReadyClosing
	ReadyClosed
)

func (s ReadyState) String() string {
	switch s {
	case ReadyConnecting:
		return "connecting"
	case ReadyOpen:
		return "open"
	case ReadyClosing:
		return "closing"
	case ReadyClosed:
		return "closed"
	}
	return "unknown"
}

// Close codes used on the device link
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Listener receives socket events. All callbacks for one socket are delivered
// from a single goroutine in order: OnOpen, any number of OnMessage/OnError,
// then exactly one OnClose.
type Listener struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

// Socket is one live connection. Implementations must never invoke the
// Listener synchronously from Send or Close.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
	ReadyState() ReadyState
}

// Transport opens sockets. Open returns immediately with a socket in the
// connecting state; the outcome is reported through the Listener.
type Transport interface {
	Open(url string, l Listener) (Socket, error)
}
