// Package sim provides a simulated timing generator and acquisition device.
//
// The generator plays the role of the timing receiver: it advances the
// hardware fiducial and appends trigger-event entries to a timing.Fifo. A
// simulated Device watches the same Fifo, captures a frame once its trigger
// fiducial plus its real delay has passed, and reports the counters a
// HasCount or HasTime device would. Together they let the synchronizer run
// end to end without hardware.
package sim
