package store

import (
	"container/list"
	"sync/atomic"
)

// MessageOrigin records who produced a StoredMessage: a connected client's
// own PUBLISH, or the broker synthesizing one (a will, for instance).
type MessageOrigin byte

const (
	OriginClient MessageOrigin = iota
	OriginBroker
)

// StoredMessage is the content-addressed, immutable-after-creation payload
// record shared by every ClientMsg that references it. It mirrors struct
// dimq_msg_store: once Add has placed it in a MessageStore's pool, none of
// its fields change except RefCount and DestIDs, both of which are only
// ever touched from the single core goroutine.
type StoredMessage struct {
	DBID              uint64 // monotonic, unique for the broker's uptime; never reused
	SourceID          string
	SourceUsername    string
	Origin            MessageOrigin
	Topic             string
	Payload           []byte
	QoS               byte
	Retain            bool
	Properties        interface{} // opaque MQTT 5 properties, owned by the caller that built this message
	MessageExpiryTime int64       // absolute epoch seconds; 0 means no expiry

	RefCount int

	// DestIDs is an append-only identity set of client-ids already
	// delivered to, used to suppress duplicate delivery across
	// overlapping subscriptions. It is not an ownership list: removing a
	// client-id from it (there is no such operation) would not release
	// anything.
	DestIDs []string

	elem *list.Element // this message's node in the owning MessageStore's pool
}

// HasBeenSentTo reports whether clientID already appears in DestIDs.
func (m *StoredMessage) HasBeenSentTo(clientID string) bool {
	for _, id := range m.DestIDs {
		if id == clientID {
			return true
		}
	}
	return false
}

// MarkSentTo appends clientID to DestIDs if not already present. Per
// spec.md §4.4 step 5, failure to track this is only an optimization loss
// (a later delivery might duplicate), never a reason to fail the caller's
// insert, so this never returns an error.
func (m *StoredMessage) MarkSentTo(clientID string) {
	if clientID == "" || m.HasBeenSentTo(clientID) {
		return
	}
	m.DestIDs = append(m.DestIDs, clientID)
}

// MessageStore is the process-wide pool of StoredMessages, modeled as a
// doubly-linked list (container/list) tracked by total byte count and
// message count, exactly as struct dimq_db's msg_store/msg_store_count/
// msg_store_bytes trio does. It has no internal lock: like the rest of the
// broker core, a MessageStore is only ever touched from the single
// event-loop goroutine that owns it.
type MessageStore struct {
	pool     *list.List // of *StoredMessage, most-recently-added first
	count    int
	bytes    int64
	lastDBID uint64
}

// NewMessageStore creates an empty pool.
func NewMessageStore() *MessageStore {
	return &MessageStore{pool: list.New()}
}

// Count returns the number of live StoredMessages in the pool.
func (s *MessageStore) Count() int { return s.count }

// Bytes returns the total payload bytes held by the pool.
func (s *MessageStore) Bytes() int64 { return s.bytes }

// NextDBID allocates the next monotonic db_id. It is exported separately
// from Add so callers can stamp a StoredMessage's DBID before handing it to
// Add, matching db__message_store's "store_id==0 means assign a fresh one"
// convention collapsed into a single always-assign call, since this
// reimplementation has no snapshot-restore path that would want to supply
// an existing db_id.
func (s *MessageStore) NextDBID() uint64 {
	return atomic.AddUint64(&s.lastDBID, 1)
}

// Add assigns msg a fresh DBID (if it doesn't already have one) and pushes
// it onto the head of the pool, incrementing the pool's byte/count
// counters. Ported from db__msg_store_add + the db_id assignment in
// db__message_store. msg.RefCount is left untouched — callers are expected
// to Ref it once for each ClientMsg that will point at it.
func (s *MessageStore) Add(msg *StoredMessage) {
	if msg.DBID == 0 {
		msg.DBID = s.NextDBID()
	}
	msg.elem = s.pool.PushFront(msg)
	s.count++
	s.bytes += int64(len(msg.Payload))
}

// Ref increments msg's reference count. Ported from db__msg_store_ref_inc.
func (s *MessageStore) Ref(msg *StoredMessage) {
	msg.RefCount++
}

// Unref decrements msg's reference count and, if it reaches zero, removes
// and frees it from the pool. Ported from db__msg_store_ref_dec.
func (s *MessageStore) Unref(msg *StoredMessage) {
	msg.RefCount--
	if msg.RefCount <= 0 {
		s.Remove(msg)
	}
}

// Remove unconditionally unlinks msg from the pool and decrements the pool
// counters, regardless of RefCount. Ported from db__msg_store_remove /
// db__msg_store_free (payload/topic/properties/dest-ids are ordinary Go
// slices and maps, so there is nothing left to free by hand once the
// StoredMessage itself is unreachable).
func (s *MessageStore) Remove(msg *StoredMessage) {
	if msg.elem == nil {
		return
	}
	s.pool.Remove(msg.elem)
	msg.elem = nil
	s.count--
	s.bytes -= int64(len(msg.Payload))
}

// Compact sweeps the whole pool, removing any entry whose RefCount has
// dropped below 1 without having gone through Unref (e.g. a ClientMsg was
// discarded by some path that forgot to Unref it). Ported from
// db__msg_store_compact. A correctly-maintained pool never needs this;
// it exists as a periodic safety sweep, not a primary reclamation path.
func (s *MessageStore) Compact() {
	for el := s.pool.Front(); el != nil; {
		next := el.Next()
		msg := el.Value.(*StoredMessage)
		if msg.RefCount < 1 {
			s.Remove(msg)
		}
		el = next
	}
}
