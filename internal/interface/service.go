package interfaces

type Service interface {
	Start() error
	Stop()
	// Done is closed when the service halts without being asked to.
	Done() <-chan struct{}
}
