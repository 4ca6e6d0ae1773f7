package acquisition

// Signal is a coalescing one-shot notification. Raising it while it is
// already pending has no effect, and each raise is consumed by one receive.
type Signal struct {
	c chan struct{}
}

func NewSignal() *Signal {
	return &Signal{c: make(chan struct{}, 1)}
}

// Raise never blocks. It is a no-op on a nil Signal.
func (s *Signal) Raise() {
	if s == nil {
		return
	}
	select {
	case s.c <- struct{}{}:
	default:
	}
}

func (s *Signal) C() <-chan struct{} {
	return s.c
}

// Signals are the commands the GUI and the presentation bridge raise.
type Signals struct {
	Connect         *Signal
	Disconnect      *Signal
	StartStreaming  *Signal
	StopStreaming   *Signal
	SettingsChanged *Signal
}

func NewSignals() *Signals {
	return &Signals{
		Connect:         NewSignal(),
		Disconnect:      NewSignal(),
		StartStreaming:  NewSignal(),
		StopStreaming:   NewSignal(),
		SettingsChanged: NewSignal(),
	}
}
