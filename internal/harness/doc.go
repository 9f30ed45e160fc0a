// Package harness runs conformance scenarios against the synchronizer.
//
// The harness drives a real engine.Synchronizer with a scripted fake device
// over an in-memory timing FIFO and an in-memory trace store.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	device:
//	  name: cam1
//	  event: 140
//	  delay: 0
//	  capabilities: [can_skip, has_time]
//	  status_cell: CAM1:SYNC
//	start: 0x1000
//	steps:
//	  - tick: 0            # trigger entry at start+0
//	    expect: VERIFYING(3)
//	  - tick: 1
//	    ahead: 3           # hardware fiducial 3 past the delayed entry
//	    sample: { offset: 1 }
//	    expect: UNSYNCHRONIZED
//	assertions:
//	  - type: states
//	    values: [VERIFYING(3), UNSYNCHRONIZED]
//	  - type: status
//	    values: ["false", "true", "false"]
//
// # Assertion Types
//
//   - states: the to-state of every transition, in order
//   - reasons: the reason of every failing transition, in order
//   - status: the values published to the status cell, in order
//   - delivered: the delivered fiducials as offsets from start
//   - delivered_count: the number of deliveries
//   - final_state: the state after the last step
//   - summary: fields of the stored lock summary (subset match)
//
// # Deterministic Testing
//
// The harness uses:
//   - Fixed session IDs ("session-1", then one per reset)
//   - A fresh logical clock per scenario
//   - A fake wall clock and a no-op backoff sleep
//   - In-memory SQLite database (isolated per scenario)
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/clean_feed_locks.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, err := range result.Errors {
//	        log.Println(err)
//	    }
//	}
package harness
