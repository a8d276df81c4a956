// Package envelope defines the values that flow out of a long-poll response:
// the Cursor that resumes the stream and the decoded Envelope of messages.
//
// This package defines the core data types of the PollMesh subscribe loop:
//   - Cursor: (timetoken, region) pair identifying a position in the stream
//   - Message: a single delivered payload together with its routing metadata
//   - Envelope: the ordered batch of messages plus the cursor to resume from
//
// Two response shapes are understood by Decode. The v2 object shape:
//
//	{"t":{"t":"17069951001234567","r":12},"m":[{"c":"room1","d":{"text":"hi"}}]}
//
// and the legacy array shape, whose optional third element lists the channel
// of each message by position:
//
//	[[{"text":"hi"}],"17069951001234567","room1"]
//
// Example usage:
//
//	env, err := envelope.Decode(body)
//	if err != nil {
//		return err
//	}
//	for _, msg := range env.Messages {
//		handle(msg.Channel, msg.Payload)
//	}
//	next := env.Cursor
package envelope
