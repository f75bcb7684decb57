package session

// Signal is the ready-to-read notification shared by the streams of a
// session. Notifications coalesce: any number of Notify calls before the
// consumer wakes up produce a single wake-up.
type Signal struct {
	c chan struct{}
}

// NewSignal creates a Signal.
func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Notify wakes the consumer. It never blocks.
func (s *Signal) Notify() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// C returns the channel the consumer waits on.
func (s *Signal) C() <-chan struct{} {
	return s.c
}
