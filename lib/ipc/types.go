// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// Request actions. Every request carries exactly one.
const (
	// ActionList returns the status of every known realm.
	ActionList = "list"

	// ActionStatus returns daemon information: version and zone names.
	ActionStatus = "status"

	// ActionGetCurrent returns the name of the current realm, empty
	// when none is current.
	ActionGetCurrent = "get-current"

	// ActionSetCurrent makes a running realm the current one.
	ActionSetCurrent = "set-current"

	// ActionStart and ActionStop drive the realm's service. Both are
	// acknowledged immediately; the transition runs in the background
	// and its outcome is observable through notifications.
	ActionStart = "start"
	ActionStop  = "stop"

	// ActionRun executes a command inside a realm, starting it first
	// if needed. ActionTerminal opens an interactive shell the same
	// way. Both are fire-and-forget like start and stop.
	ActionRun      = "run"
	ActionTerminal = "terminal"

	// ActionRealmFromPid resolves which realm a host process belongs
	// to.
	ActionRealmFromPid = "realm-from-pid"

	// ActionSubscribe upgrades the connection to a notification
	// stream: the daemon keeps the connection open and writes one
	// Notification per lifecycle event until the client disconnects.
	ActionSubscribe = "subscribe"
)

// Request is a CBOR-encoded request from a client to the daemon, sent
// over the daemon's Unix socket. One request per connection; the
// connection closes after the response, except for subscribe.
type Request struct {
	// Action is the request type, one of the Action constants.
	Action string `cbor:"action"`

	// Realm names the realm to operate on (for set-current, start,
	// stop, run, terminal).
	Realm string `cbor:"realm,omitempty"`

	// Args is the command to execute (for run).
	Args []string `cbor:"args,omitempty"`

	// Pid is the host process to resolve (for realm-from-pid).
	Pid int `cbor:"pid,omitempty"`
}

// Response is a CBOR-encoded response from the daemon.
type Response struct {
	// OK indicates whether the request was accepted. For the
	// fire-and-forget actions this acknowledges dispatch, not
	// completion.
	OK bool `cbor:"ok"`

	// Error contains the error message if OK is false.
	Error string `cbor:"error,omitempty"`

	// Current is the name of the current realm (for get-current),
	// empty when none is current.
	Current string `cbor:"current,omitempty"`

	// Realm is the resolved realm name (for realm-from-pid), empty
	// when the process belongs to no realm.
	Realm string `cbor:"realm,omitempty"`

	// Realms lists realm statuses (for list), sorted by name.
	Realms []RealmEntry `cbor:"realms,omitempty"`

	// Version is the daemon version string (for status).
	Version string `cbor:"version,omitempty"`

	// Zones lists the configured network zone names (for status).
	Zones []string `cbor:"zones,omitempty"`
}

// RealmEntry is one realm's status in a list response.
type RealmEntry struct {
	// Name is the realm name.
	Name string `cbor:"name"`

	// Status is the realm's derived state: 0 stopped, 1 running,
	// 2 current.
	Status uint8 `cbor:"status"`
}

// Notification event names streamed to subscribers.
const (
	// NotifyServiceStarted is sent once to each new subscriber before
	// any lifecycle events, so clients can detect a daemon restart.
	NotifyServiceStarted = "service-started"

	NotifyRealmStarted = "realm-started"
	NotifyRealmStopped = "realm-stopped"
	NotifyRealmNew     = "realm-new"
	NotifyRealmRemoved = "realm-removed"
	NotifyRealmCurrent = "realm-current"
)

// Notification is one CBOR-encoded event on a subscribe stream.
type Notification struct {
	// Event is the notification name, one of the Notify constants.
	Event string `cbor:"event"`

	// Realm is the realm the event concerns. Empty for
	// service-started, and for realm-current when no realm is current
	// anymore.
	Realm string `cbor:"realm,omitempty"`
}
