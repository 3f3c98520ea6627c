// Package dispatch turns caller commands into published request envelopes.
//
// Dispatch is the only place task records are created. For each call the dispatcher:
//   - validates the command and target (nothing is created or published on failure)
//   - assigns a fresh UUID, which is both the request_id and the task id
//   - creates the pending record in the registry before the request can be answered
//   - publishes the encoded request with bounded exponential backoff
//
// When every publish attempt fails the pending record is discarded and a *bus.TransportError
// is returned, so callers never poll a task that no executor can ever see.
//
// Delivery is at-most-once. A request published while no executor is subscribed is lost and
// its record stays pending until the collector's watchdog times it out.
package dispatch
