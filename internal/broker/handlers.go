package broker

import "zeq/internal/core/event"

// handlerTable holds at most one handler per event type.
type handlerTable map[event.Type]event.Handler

func (t handlerTable) register(typ event.Type, h event.Handler) bool {
	if h == nil {
		return false
	}
	if _, ok := t[typ]; ok {
		return false
	}
	t[typ] = h
	return true
}

func (t handlerTable) deregister(typ event.Type) bool {
	if _, ok := t[typ]; !ok {
		return false
	}
	delete(t, typ)
	return true
}

// dispatch calls the handler for e and reports whether one was registered.
func (t handlerTable) dispatch(e event.Event) bool {
	h, ok := t[e.Type()]
	if !ok {
		return false
	}
	h(e)
	return true
}
