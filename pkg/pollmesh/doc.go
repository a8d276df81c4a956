// Package pollmesh is a real-time messaging client. It keeps a continuous
// subscription to channels and channel groups by issuing long-poll requests,
// delivers each message batch to listeners in order, and announces presence
// on its own heartbeat timer.
//
// Basic usage:
//
//	client, err := pollmesh.NewClient(pollmesh.Config{
//		Origin:       "http://localhost:8090",
//		SubscribeKey: "demo",
//		PublishKey:   "demo",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(pollmesh.SubscribeInput{
//		Channels:     []string{"room1"},
//		WithPresence: true,
//		Listener: &listener.Funcs{
//			Message: func(msg envelope.Message) {
//				fmt.Printf("%s: %s\n", msg.Channel, msg.Payload)
//			},
//		},
//	})
//
// The subscribe loop is a state machine. Network failures move it into a
// reconnecting state with backoff; a handshake that keeps failing stops in
// HandshakeFailed until Reconnect or a subscription change. Progress is
// reported to listeners through OnStatus.
package pollmesh
