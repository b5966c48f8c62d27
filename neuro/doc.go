// Package neuro implements the wire-level core of the neural-stimulation
// device protocol: frame encoding and parsing, packet dispatch with ordered
// and one-shot listeners, device error codes, streaming sample decoding,
// connection lifecycle states, the session event bus, and the goroutine
// lifecycle manager shared by the connection subsystem.
//
// The transport-facing composition of these pieces over a serial port lives
// in the serialconn package; the seizure classifier and therapy control loop
// live in the therapy package.
package neuro
