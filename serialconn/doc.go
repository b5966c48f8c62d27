// Package serialconn implements the host side of the neural-stimulation
// device connection over a point-to-point serial link.
//
// A Connection composes the wire-level pieces from the neuro package — the
// Framer, the Dispatcher and the command transport — with the session
// lifecycle: handshake, watchdog liveness, transparent reconnection, and the
// streaming session that feeds the therapy control loop. The serial port
// itself is abstracted behind the Port interface; the production
// implementation uses go.bug.st/serial at 115200 baud, 8N1.
package serialconn
