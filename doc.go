// Package engine implements a client engine for end-to-end encrypted
// messaging and group calling over an untrusted relay. It integrates all
// subsystems of the veilchat client: transport framing, trust-on-first-use
// verification, session management, contact and group directory,
// encrypted messaging, call key epochs, media relaying, device pairing,
// and local history with secure wipe.
//
// # Getting Started
//
// Dial a relay, verify its identity, and log in:
//
//	opts := engine.NewOptions()
//	opts.ServerURL = "wss://relay.example.com/ws"
//
//	e, err := engine.Dial(ctx, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer e.Close()
//
//	// First contact: the relay's PIN must be confirmed out of band.
//	fmt.Println("Relay PIN:", e.ServerPin())
//	if err := e.VerifyServerPin(pinFromUser); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := e.Login(ctx, "alice", password); err != nil {
//	    log.Fatal(err)
//	}
//
// Send a message and consume events:
//
//	id, err := e.Messenger().SendText(ctx, "bob", "", "hello", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    for _, ev := range e.PollEvents(64, time.Second) {
//	        switch ev := ev.(type) {
//	        case engine.MessageEvent:
//	            fmt.Printf("%s: %s\n", ev.Entry.Sender, ev.Entry.Text)
//	        case engine.TrustEvent:
//	            fmt.Println("verify:", ev.Username, ev.Pin)
//	        }
//	    }
//	}
//
// # Trust Model
//
// The relay routes ciphertext it cannot read. Every identity, the
// relay's included, is pinned on first use: the fingerprint enters the
// trust store as pending and operations that depend on it are refused
// until the user confirms the short PIN through a side channel. A
// changed fingerprint re-enters pending; it never silently replaces a
// committed record.
//
// # Message Delivery
//
// Message envelopes are deterministic: the AEAD nonce is derived from
// the message id, so resending a message reproduces the original
// ciphertext byte for byte and receivers deduplicate by id alone.
// Delivery to offline peers is queued by the relay; media frames are
// never queued.
package engine
