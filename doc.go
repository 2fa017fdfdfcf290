// Package famcall implements peer-to-peer audio and video calling for a
// small trusted group of family devices.
//
// Every device configured with the same family secret derives the same group
// identity and can ring every other device with a single call. Signaling
// travels over a pluggable transport as an append-only stream of signals;
// media flows directly between the two devices over a WebRTC peer
// connection. There are no accounts, no contact lists, and no server that
// understands calls: a relay only moves opaque frames.
//
// # Getting Started
//
// Create a client with options and set up callbacks for events:
//
//	options := famcall.NewOptions()
//	options.FamilySecret = "our-kitchen-table-secret"
//	options.DisplayName = "Kitchen Tablet"
//	options.RelayURL = "wss://relay.example.org/family"
//
//	client, err := famcall.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Stop()
//
//	client.OnIncomingCall(func(offer call.IncomingOffer) {
//	    fmt.Printf("%s is calling\n", offer.DisplayName)
//	    client.AcceptCall()
//	})
//
//	client.OnStateChange(func(s call.State) {
//	    fmt.Printf("call state: %s\n", s)
//	})
//
//	if err := client.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Ring everyone in the family
//	if err := client.StartCall(media.KindVideo); err != nil {
//	    log.Fatal(err)
//	}
//
// # Core Types
//
// The package defines several core types:
//
//   - [Client]: Main API facade integrating identity, transport, and calling
//   - [Options]: Configuration options for creating a new Client
//
// The subsystems live in their own packages: identity derivation in
// identity, signal records and dispatch in signal, transports in
// transport/memory and transport/ws, media capture in media, WebRTC
// negotiation in negotiate, and the call state machine in call.
//
// # Calling Model
//
// At most one call exists per client at any time. An outgoing call rings
// every family device for up to thirty seconds; the first device to accept
// becomes the call's other side, and everyone else's ring is cancelled.
// Errors that end a call (no answer, rejection, failed negotiation) are
// surfaced through [Client.LastError] rather than a callback, and are
// cleared by the next user action.
package famcall
