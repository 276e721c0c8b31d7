package customhttp

import "time"

// Transport is a non-blocking connection owned by one Session. Results of
// Connect and incoming data arrive through TransportEvents on the same
// goroutine that drives the Session.
type Transport interface {
	Connect(host string, port int, timeout time.Duration) error
	Send(p []byte) (int, error)
	// SendFile streams length bytes of path starting at offset.
	SendFile(path string, offset, length int64) (int64, error)
	Close() error
	Active() bool
}

// TransportEvents is implemented by the Session side of a Transport.
type TransportEvents interface {
	OnConnect()
	OnReceive(p []byte)
	OnClose()
	OnError(err error)
}

// TransportFactory creates the transport for a new connection.
type TransportFactory func(events TransportEvents) Transport

// TimerService arms one-shot timers whose callbacks run on the event loop.
type TimerService interface {
	Arm(d time.Duration, fn func()) uint64
	Disarm(id uint64)
}
