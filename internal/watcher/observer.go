package watcher

// Observer receives change events.
//
// OnChange runs on the delivering backend's goroutine without registry locks held, so it may
// call AddWatch, RemoveWatch and Stop. A slow observer delays further events from the same
// backend; wrap it in a QueuedObserver to decouple.
type Observer interface {
	OnChange(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnChange calls f(e).
func (f ObserverFunc) OnChange(e Event) { f(e) }
