package miio

import "github.com/nerrad567/miio-bridge/internal/device"

// startDispatcher consumes the pushed events of a new client, and of its
// child light when the plan has one. The goroutines exit when the client's
// event channel closes or the supervisor is torn down.
func (s *Supervisor) startDispatcher(gen uint64, client Client, plan *Plan) {
	streams := make(map[bool]<-chan Event, 2)
	if events := client.Events(); events != nil {
		streams[false] = events
	}
	if plan.Child {
		if child := client.Child(ChildLight); child != nil {
			if events := child.Events(); events != nil {
				streams[true] = events
			}
		}
	}

	// wg.Add happens under mu so it cannot race Teardown's Wait.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDestroyed || s.generation != gen {
		return
	}
	for child, events := range streams {
		s.wg.Add(1)
		go s.dispatch(gen, events, plan, child)
	}
}

func (s *Supervisor) dispatch(gen uint64, events <-chan Event, plan *Plan, child bool) {
	defer s.wg.Done()

	ctx := device.WithSource(s.ctx, device.SourceEvent)
	translator := plan.Translator()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.current(gen) {
				return
			}
			if !translator.Handles(ev.Tag, child) {
				s.log().Debug("ignoring unhandled event",
					"device_id", s.store.ID(),
					"tag", ev.Tag,
					"child", child)
				continue
			}
			s.applyReading(ctx, plan, Reading{Tag: ev.Tag, Value: ev.Value, Child: child})
		}
	}
}
