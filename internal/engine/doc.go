// Package engine implements the fiducial synchronizer.
//
// A Synchronizer pairs each datum a triggered device acquires with the
// timing fiducial of the trigger that caused it. It reads trigger entries
// from a timing feed, checks them against the device's expected capture
// delay and hands every datum downstream with its timestamp.
//
// ARCHITECTURE:
//
// Single-Goroutine Acquisition Loop:
// Each synchronizer runs Step in one goroutine, so the loop-local state
// (cursor, anchor, confirmation count) needs no locking. This ensures:
// - Deterministic traces for a scripted feed and device
// - Reproducible golden files in the scenario harness
//
// Iteration:
// 1. Acquire one datum from the device (blocking)
// 2. Snapshot the live configuration; a new generation restarts the session
// 3. Unsynchronized: resync scans the feed for an anchor entry
// 4. Verifying/Locked: check the next entry against the anchor
// 5. Deliver the datum with the chosen timestamp, or fall back to resync
//
// State:
//
//	UNSYNCHRONIZED --anchor--> VERIFYING(n) --n confirmations--> LOCKED
//	       ^                        |                               |
//	       +-------- any check fails (transition carries a Reason) -+
//
// Logical Clock:
// Transitions and deliveries are stamped with Clock.Next(). Synchronizers
// sharing one clock produce a single total order across devices. Wall
// time is recorded but never used for ordering.
package engine
