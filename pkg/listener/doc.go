// Package listener defines how subscribers observe a PollMesh client.
//
// A Listener receives three kinds of callbacks:
//   - OnMessage for every payload published to a subscribed channel or group
//   - OnPresence for join/leave/timeout/state-change events on presence shadows
//   - OnStatus for connection lifecycle changes and errors
//
// Listeners are either bound to specific channels or groups at subscribe time,
// in which case they only see traffic and scoped statuses for those entities,
// or registered globally, in which case they see everything.
//
// Callbacks are invoked sequentially from the client's event loop, in delivery
// order. A slow callback delays the next long-poll; hand work off to another
// goroutine when processing is expensive.
//
// Example usage:
//
//	l := &listener.Funcs{
//		Message: func(m envelope.Message) { fmt.Println(m.Channel, string(m.Payload)) },
//		Status: func(s listener.Status) {
//			if s.Category == listener.AccessDenied {
//				log.Printf("lost access to %v", s.Channels)
//			}
//		},
//	}
//	client.AddListener(l)
package listener
