package session

import (
	"context"
	"time"

	"github.com/coremq/broker/qos"
	"github.com/coremq/broker/store"
)

// DisconnectFunc closes whatever transport a superseded Session owns. The
// registry calls it once a connecting client has taken the client ID over,
// after the superseded Session has been marked StateDuplicate.
type DisconnectFunc func(prior *Session)

// Registry resolves CONNECT-time client ID collisions: a brand new Session,
// a clean session, or a takeover that steals an existing Session's message
// data and subscriptions. It wraps a Manager with the parts of
// connect__on_authorised the Manager's own CreateSession does not do —
// transferring in-flight/queued state and killing the superseded
// connection — rather than duplicating Manager's persistence plumbing.
type Registry struct {
	manager       *Manager
	pool          *store.MessageStore
	onKick        DisconnectFunc
	willPublisher WillPublisher
}

// NewRegistry creates a Registry backed by manager. pool is the broker-wide
// message store used to unref a clean-started session's discarded messages;
// onKick, if non-nil, is invoked for the superseded Session on a takeover.
// willPublisher, if non-nil, is used to dispatch a superseded session's will
// message immediately when its delay rules require that (a takeover is not
// a network-error disconnect, so there is nothing left to wait on).
func NewRegistry(manager *Manager, pool *store.MessageStore, onKick DisconnectFunc, willPublisher WillPublisher) *Registry {
	return &Registry{manager: manager, pool: pool, onKick: onKick, willPublisher: willPublisher}
}

// Pool returns the message store backing this registry, for callers that
// need to mutate a takeover's stolen message data directly (an ACL
// re-check, for instance).
func (r *Registry) Pool() *store.MessageStore {
	return r.pool
}

// TakeoverResult reports what Establish did with the incoming connection.
type TakeoverResult struct {
	Session        *Session
	SessionPresent bool
	// Stolen is true if Session inherited message data/subscriptions from a
	// prior live or persisted session under the same client ID.
	Stolen bool
}

// Establish resolves a CONNECT for clientID against whatever session (if
// any) already carries that client ID, following connect__on_authorised's
// branching:
//
//   - no prior session: create fresh, SessionPresent false.
//   - prior session, cleanStart true: the prior session (if any) is
//     superseded and its will/state discarded; the new session starts clean.
//   - prior session, cleanStart false, and the prior session's own
//     expiry/clean_start would have kept it alive: its In/Out message data,
//     subscriptions, and packet ID cursor are stolen into the new Session,
//     and in-flight QoS 2 progress is preserved via qos.ReconnectReset.
//
// The prior session, if one existed, is always marked StateDuplicate and
// handed to onKick so its transport gets closed — a session is superseded
// the moment a new CONNECT for its client ID clears authentication,
// regardless of which branch above applies. A zero-delay will on the prior
// session is dispatched immediately through willPublisher since a takeover
// preempts whatever wait its delay would otherwise impose; a delayed will
// is left for the Manager's existing expiry-checker path.
func (r *Registry) Establish(ctx context.Context, clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) (*TakeoverResult, error) {
	prior, err := r.manager.GetSession(ctx, clientID)
	if err != nil && err != ErrSessionNotFound {
		return nil, err
	}

	next := New(clientID, cleanStart, expiryInterval, protocolVersion)

	if prior == nil {
		next.SetActive()
		r.manager.mu.Lock()
		r.manager.activeSessions[clientID] = next
		r.manager.mu.Unlock()
		if err := r.manager.store.Save(ctx, next); err != nil {
			return nil, err
		}
		return &TakeoverResult{Session: next, SessionPresent: false}, nil
	}

	priorPersistent := !cleanStart && !prior.IsExpired() && prior.GetExpiryInterval() > 0
	stolen := false

	if priorPersistent {
		next.StealFrom(prior)
		qos.ReconnectReset(next.In, qos.DirIn)
		qos.ReconnectReset(next.Out, qos.DirOut)
		stolen = true
	} else if r.pool != nil {
		qos.MessagesDelete(r.pool, prior.In)
		qos.MessagesDelete(r.pool, prior.Out)
	}

	prior.mu.Lock()
	prior.State = StateDuplicate
	prior.DisconnectedAt = time.Now()
	will, delay := prior.WillMessage, prior.WillDelayInterval
	if will != nil && delay == 0 {
		prior.WillMessage = nil
	}
	prior.mu.Unlock()

	// A takeover ends the prior connection right now, not through a
	// network timeout, so a zero-delay will is due immediately; one with a
	// delay is left in place (DisconnectedAt now set) for the expiry
	// checker's usual delayed-will path to pick up once it elapses.
	if will != nil && delay == 0 && r.willPublisher != nil {
		_ = r.willPublisher.PublishWill(ctx, will, clientID)
	}

	if r.onKick != nil {
		r.onKick(prior)
	}

	next.SetActive()
	r.manager.mu.Lock()
	r.manager.activeSessions[clientID] = next
	r.manager.mu.Unlock()
	if err := r.manager.store.Save(ctx, next); err != nil {
		return nil, err
	}

	return &TakeoverResult{Session: next, SessionPresent: stolen}, nil
}
