// Package therapy implements the seizure-detection and therapy control loop:
// a pure spectral classifier over fixed-length sample windows, and a monitor
// that accumulates streaming samples, drives the classifier at a fixed
// cadence, applies hysteresis to the decision stream, and commands the
// device to start or stop stimulation with self-retrying workers.
package therapy
