// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/warden-os/warden/lib/codec"
	"github.com/warden-os/warden/lib/ipc"
	"github.com/warden-os/warden/lib/realm"
	"github.com/warden-os/warden/lib/realms"
	"github.com/warden-os/warden/lib/version"
)

// Daemon handles control requests. The serve loop accepts connections
// concurrently (each handleConnection runs in its own goroutine); the
// manager serializes per-realm operations itself, so the daemon only
// guards its subscriber table.
type Daemon struct {
	manager *realms.Manager
	zones   []string
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// subscriber is one notification stream. Events are buffered; a client
// that stops reading has notifications dropped rather than stalling
// the emitting goroutine.
type subscriber struct {
	events chan ipc.Notification
}

func newDaemon(manager *realms.Manager, zones []string, logger *slog.Logger) *Daemon {
	d := &Daemon{
		manager:     manager,
		zones:       zones,
		logger:      logger,
		subscribers: make(map[*subscriber]struct{}),
	}
	manager.AddHandler(d.broadcastEvent)
	return d
}

// broadcastEvent translates a manager lifecycle event into a wire
// notification and fans it out to all subscribers. Runs on the
// goroutine that triggered the event, so it never blocks.
func (d *Daemon) broadcastEvent(event realms.Event) {
	notification := ipc.Notification{}
	switch event.Type {
	case realms.EventStarted:
		notification.Event = ipc.NotifyRealmStarted
	case realms.EventStopped:
		notification.Event = ipc.NotifyRealmStopped
	case realms.EventNew:
		notification.Event = ipc.NotifyRealmNew
	case realms.EventRemoved:
		notification.Event = ipc.NotifyRealmRemoved
	case realms.EventCurrent:
		notification.Event = ipc.NotifyRealmCurrent
	default:
		return
	}
	if event.Realm != nil {
		notification.Realm = event.Realm.Name
	}
	d.broadcast(notification)
}

func (d *Daemon) broadcast(notification ipc.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for sub := range d.subscribers {
		select {
		case sub.events <- notification:
		default:
			d.logger.Warn("subscriber lagging, dropping notification",
				"event", notification.Event, "realm", notification.Realm)
		}
	}
}

// serve accepts connections on the control socket and handles requests.
func (d *Daemon) serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			d.logger.Error("accept error", "error", err)
			continue
		}
		go d.handleConnection(ctx, conn)
	}
}

// handleConnection processes a single request/response cycle, or
// upgrades the connection to a notification stream for subscribe.
func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	var request ipc.Request
	if err := decoder.Decode(&request); err != nil {
		d.logger.Error("decoding control request", "error", err)
		if err := encoder.Encode(ipc.Response{OK: false, Error: "invalid request"}); err != nil {
			d.logger.Error("encoding error response", "error", err)
		}
		return
	}

	d.logger.Info("control request", "action", request.Action, "realm", request.Realm)

	if request.Action == ipc.ActionSubscribe {
		d.handleSubscribe(ctx, conn, encoder)
		return
	}

	response := d.handle(ctx, &request)
	if err := encoder.Encode(response); err != nil {
		d.logger.Error("encoding response", "action", request.Action, "error", err)
	}
}

func fail(format string, args ...any) ipc.Response {
	return ipc.Response{OK: false, Error: fmt.Sprintf(format, args...)}
}

func (d *Daemon) handle(ctx context.Context, request *ipc.Request) ipc.Response {
	switch request.Action {
	case ipc.ActionList:
		return d.handleList(ctx)
	case ipc.ActionStatus:
		return ipc.Response{OK: true, Version: version.Short(), Zones: d.zones}
	case ipc.ActionGetCurrent:
		response := ipc.Response{OK: true}
		if current := d.manager.CurrentRealm(); current != nil {
			response.Current = current.Name
		}
		return response
	case ipc.ActionSetCurrent:
		// Unlike start and stop, an unknown name here is acknowledged
		// and ignored rather than faulted.
		r, ok := d.manager.RealmByName(request.Realm)
		if !ok {
			d.logger.Info("ignoring set-current for unknown realm", "realm", request.Realm)
			return ipc.Response{OK: true}
		}
		if err := d.manager.SetCurrentRealm(ctx, r); err != nil {
			return fail("%v", err)
		}
		return ipc.Response{OK: true}
	case ipc.ActionStart:
		r, response := d.lookup(request)
		if r == nil {
			return response
		}
		d.dispatch(ctx, "start", r.Name, func(ctx context.Context) error {
			return d.manager.StartRealm(ctx, r)
		})
		return ipc.Response{OK: true}
	case ipc.ActionStop:
		r, response := d.lookup(request)
		if r == nil {
			return response
		}
		d.dispatch(ctx, "stop", r.Name, func(ctx context.Context) error {
			return d.manager.StopRealm(ctx, r)
		})
		return ipc.Response{OK: true}
	case ipc.ActionRun:
		r, response := d.lookup(request)
		if r == nil {
			return response
		}
		if len(request.Args) == 0 {
			return fail("run requires a command")
		}
		args := request.Args
		d.dispatch(ctx, "run", r.Name, func(ctx context.Context) error {
			return d.manager.RunInRealm(ctx, r, args)
		})
		return ipc.Response{OK: true}
	case ipc.ActionTerminal:
		r, response := d.lookup(request)
		if r == nil {
			return response
		}
		d.dispatch(ctx, "terminal", r.Name, func(ctx context.Context) error {
			return d.manager.LaunchTerminal(ctx, r)
		})
		return ipc.Response{OK: true}
	case ipc.ActionRealmFromPid:
		return d.handleRealmFromPid(request.Pid)
	default:
		return fail("unknown action %q", request.Action)
	}
}

func (d *Daemon) handleList(ctx context.Context) ipc.Response {
	statuses := d.manager.List(ctx)
	entries := make([]ipc.RealmEntry, len(statuses))
	for i, status := range statuses {
		entries[i] = ipc.RealmEntry{Name: status.Name, Status: uint8(status.Status)}
	}
	return ipc.Response{OK: true, Realms: entries}
}

func (d *Daemon) handleRealmFromPid(pid int) ipc.Response {
	if pid <= 0 {
		return fail("realm-from-pid requires a pid")
	}
	r, err := d.manager.RealmByPid(pid)
	if err != nil {
		return fail("%v", err)
	}
	response := ipc.Response{OK: true}
	if r != nil {
		response.Realm = r.Name
	}
	return response
}

// lookup resolves the request's realm name. Returns a nil realm and a
// ready error response when the name is missing or unknown.
func (d *Daemon) lookup(request *ipc.Request) (*realm.Realm, ipc.Response) {
	if request.Realm == "" {
		return nil, fail("action %q requires a realm", request.Action)
	}
	r, ok := d.manager.RealmByName(request.Realm)
	if !ok {
		return nil, fail("unknown realm %q", request.Realm)
	}
	return r, ipc.Response{}
}

// dispatch runs a lifecycle operation in the background. The response
// already acknowledged the request; the outcome surfaces through logs
// and notifications, not through the connection (which may be long
// gone by the time a slow start finishes).
func (d *Daemon) dispatch(ctx context.Context, operation, realmName string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil {
			d.logger.Error("realm operation failed",
				"operation", operation, "realm", realmName, "error", err)
		}
	}()
}

// handleSubscribe turns the connection into a notification stream. The
// first message is always service-started so a reconnecting client can
// tell a daemon restart from a quiet period.
func (d *Daemon) handleSubscribe(ctx context.Context, conn net.Conn, encoder *codec.Encoder) {
	// The stream stays open until the client disconnects.
	conn.SetDeadline(time.Time{})

	sub := &subscriber{events: make(chan ipc.Notification, 16)}
	d.mu.Lock()
	d.subscribers[sub] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.subscribers, sub)
		d.mu.Unlock()
	}()

	if err := encoder.Encode(ipc.Notification{Event: ipc.NotifyServiceStarted}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := encoder.Encode(notification); err != nil {
				return
			}
		}
	}
}
