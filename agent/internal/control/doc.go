// Package control applies start/stop commands received on <prefix>/control
// to the hosted simulator.
//
// A start command restarts an emitting simulator so the new rate applies and
// a fresh initial sweep repopulates the server cache. A stop command on an
// idle simulator is a no-op. Malformed commands are logged and ignored.
package control
