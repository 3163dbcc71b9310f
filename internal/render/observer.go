package render

// Observer receives the lifecycle of admitted items. Callbacks run on the
// goroutine that caused the transition and never with dispatcher locks held.
type Observer interface {
	// OnRenderStarted fires once per admitted item, before it can finish.
	OnRenderStarted(item *Item, restarted bool)
	// OnRenderFinished fires once per admitted item; err is nil on success.
	OnRenderFinished(item *Item, err error)
	// OnRenderError reports a work rejected at admission.
	OnRenderError(w Work, err error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnRenderStarted(*Item, bool)   {}
func (NopObserver) OnRenderFinished(*Item, error) {}
func (NopObserver) OnRenderError(Work, error)     {}

// MultiObserver fans notifications out in order.
type MultiObserver []Observer

func (m MultiObserver) OnRenderStarted(item *Item, restarted bool) {
	for _, o := range m {
		o.OnRenderStarted(item, restarted)
	}
}

func (m MultiObserver) OnRenderFinished(item *Item, err error) {
	for _, o := range m {
		o.OnRenderFinished(item, err)
	}
}

func (m MultiObserver) OnRenderError(w Work, err error) {
	for _, o := range m {
		o.OnRenderError(w, err)
	}
}
