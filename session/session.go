package session

import (
	"sync"
	"time"

	"github.com/coremq/broker/qos"
)

// State represents the session state
type State byte

const (
	StateNew           State = iota // Session is newly created
	StateAuthenticating              // CONNECT received, extended auth (AUTH packet) in progress
	StateActive                      // Session is active with a connected client
	StateDuplicate                   // Superseded by a newer connection sharing its client ID
	StateDisconnected                // Session is disconnected but not expired
	StateExpired                     // Session has expired
)

// WillMessage represents the MQTT will message
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]interface{}
}

// Session represents an MQTT session
type Session struct {
	mu sync.RWMutex

	ClientID          string
	CleanStart        bool
	State             State
	ExpiryInterval    uint32 // Session expiry interval in seconds (0 = no expiry for persistent session)
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	DisconnectedAt    time.Time
	WillMessage       *WillMessage
	WillDelayInterval uint32 // Will delay interval in seconds

	// Subscription data
	Subscriptions map[string]*Subscription // topic filter -> subscription

	// Packet ID generator
	nextPacketID uint16

	// Maximum packet size
	MaxPacketSize uint32

	// Receive maximum (max inflight)
	ReceiveMaximum uint16

	// Protocol version
	ProtocolVersion byte

	Username       string
	AuthMethod     string // non-empty while MQTT 5 extended authentication is in progress
	MaxQoS         byte

	// In and Out hold the ordered inflight/queued message lists for this
	// session's two directions. A session surviving a clean_start==false
	// reconnect keeps the same In/Out it had before disconnecting; a
	// Registry takeover moves them across to the new connection's Session
	// rather than copying, mirroring connect__on_authorised's memcpy of
	// msgs_in/msgs_out followed by memset of the old context's copies.
	In  *qos.MessageData
	Out *qos.MessageData
}

// Subscription represents a topic subscription
type Subscription struct {
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// New creates a new session
func New(clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		CleanStart:      cleanStart,
		State:           StateNew,
		ExpiryInterval:  expiryInterval,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Subscriptions:   make(map[string]*Subscription),
		nextPacketID:    1,
		ReceiveMaximum:  65535, // Default maximum
		ProtocolVersion: protocolVersion,
		In:              qos.NewMessageData(0),
		Out:             qos.NewMessageData(0),
	}
}

// PacketIDCursor returns the next packet identifier this session will hand
// out, without consuming it. Registry.Establish does not use it: StealFrom
// copies the cursor across a takeover directly.
func (s *Session) PacketIDCursor() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextPacketID
}

// SetPacketIDCursor overrides the next packet identifier to be handed out.
func (s *Session) SetPacketIDCursor(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPacketID = id
}

// StealFrom moves prior's In/Out message data, subscriptions, and packet ID
// cursor into s, leaving prior with fresh empty MessageData and no
// subscriptions. Ported from connect__on_authorised's memcpy-then-memset of
// msgs_in/msgs_out plus the subs/sub_count/last_mid handover. Callers must
// hold whatever external lock serializes access to both sessions (the
// registry's); Session's own mutex only protects field-at-a-time access.
func (s *Session) StealFrom(prior *Session) {
	prior.mu.Lock()
	defer prior.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	inMax, outMax := s.In.InflightMaximum, s.Out.InflightMaximum

	s.In, prior.In = prior.In, qos.NewMessageData(0)
	s.Out, prior.Out = prior.Out, qos.NewMessageData(0)

	// The new connection keeps its own negotiated inflight maximum/quota;
	// only the message lists themselves are inherited from prior.
	s.In.InflightMaximum, s.In.InflightQuota = inMax, inMax
	s.Out.InflightMaximum, s.Out.InflightQuota = outMax, outMax

	s.Subscriptions, prior.Subscriptions = prior.Subscriptions, make(map[string]*Subscription)
	s.nextPacketID = prior.nextPacketID
}

// SetAuthenticating marks the session as waiting on an MQTT 5 extended
// authentication exchange: CONNECT has been parsed but no AUTH outcome has
// completed it yet.
func (s *Session) SetAuthenticating() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateAuthenticating
}

// SetActive marks the session as active
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session as disconnected
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// SetExpired marks the session as expired
func (s *Session) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ExpiryInterval == 0 && !s.CleanStart {
		return false // Persistent session with no expiry
	}

	if s.State == StateDisconnected && s.ExpiryInterval > 0 {
		return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
	}

	return s.State == StateExpired
}

// Touch updates the last accessed time
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// SetWillMessage sets the will message for the session
func (s *Session) SetWillMessage(will *WillMessage, delayInterval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = will
	s.WillDelayInterval = delayInterval
}

// ClearWillMessage clears the will message
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = nil
}

// GetWillMessage returns the will message if present
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// ShouldPublishWill checks if will message should be published
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.WillMessage == nil {
		return false
	}

	if s.WillDelayInterval == 0 {
		return true
	}

	return time.Since(s.DisconnectedAt) >= time.Duration(s.WillDelayInterval)*time.Second
}

// AddSubscription adds a subscription to the session
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription removes a subscription from the session
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// GetSubscription returns a subscription by topic filter
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.Subscriptions[topicFilter]
	return sub, ok
}

// GetAllSubscriptions returns all subscriptions
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return subs
}

// ClearSubscriptions removes all subscriptions
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
}

// NextPacketID generates the next packet ID. Collision against IDs already
// in flight is qos.MessageData's concern (ReadyForFlight/Insert), not this
// counter's — it only needs to wrap 0 back to 1, since 0 is not a valid
// MQTT packet identifier.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextPacketID
	s.nextPacketID++
	if s.nextPacketID == 0 {
		s.nextPacketID = 1
	}
	return id
}

// Clear resets subscriptions, will state, and in-flight/queued message data
// to start a fresh clean session. Callers that already hold a reference to
// the broker-wide message pool (session.Registry.Establish, on a
// clean_start takeover) unref the discarded In/Out contents themselves via
// qos.MessagesDelete before calling this; Clear has no pool of its own to
// release them through.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
	s.WillMessage = nil
	s.In = qos.NewMessageData(s.In.InflightMaximum)
	s.Out = qos.NewMessageData(s.Out.InflightMaximum)
}

// GetState returns the current state
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the client ID
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// GetCleanStart returns the clean start flag
func (s *Session) GetCleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CleanStart
}

// GetExpiryInterval returns the expiry interval
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiryInterval
}

// UpdateExpiryInterval updates the session expiry interval
func (s *Session) UpdateExpiryInterval(interval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = interval
}
