package qos

import (
	"container/list"

	"github.com/coremq/broker/store"
)

// Direction is which way a ClientMsg is travelling relative to the broker.
type Direction int

const (
	DirOut Direction = iota // broker -> client
	DirIn                   // client -> broker
)

// State is the delivery state of a single ClientMsg. The zero value,
// Invalid, is never a state a live ClientMsg should sit in; it exists so a
// missing transition is visible instead of silently looking like QoS 0.
type State int

const (
	Invalid State = iota
	PublishQoS0
	PublishQoS1
	PublishQoS2
	WaitPuback
	WaitPubrec
	WaitPubrel
	WaitPubcomp
	SendPubrec
	ResendPubrel
	ResendPubcomp
	Queued
)

// ClientMsg is one session's reference to a StoredMessage: the packet ID it
// was (or will be) sent under, its delivery state, and which direction it
// is travelling. Several ClientMsg values across different sessions can
// point at the same StoredMessage.
type ClientMsg struct {
	Store     *store.StoredMessage
	MID       uint16
	QoS       byte
	Retain    bool
	Dup       bool
	State     State
	Direction Direction
	Timestamp int64 // unix seconds of the last state transition
}

// Recorder observes admission outcomes Insert would otherwise discard
// silently, for external metrics collection. nil by default.
type Recorder interface {
	RecordDropped(dir Direction, qos byte)
	RecordDuplicate(dir Direction)
}

var metricsRecorder Recorder

// SetRecorder installs r as the package-wide admission metrics sink. Passing
// nil disables recording.
func SetRecorder(r Recorder) {
	metricsRecorder = r
}

// MessageData holds the ordered inflight/queued lists and admission
// counters for one direction of one session's message flow, mirroring
// struct dimq_msg_data. It has no internal lock: the broker core that owns
// a MessageData runs single-threaded and must not share one across
// goroutines.
type MessageData struct {
	Inflight *list.List // of *ClientMsg, oldest first
	Queued   *list.List // of *ClientMsg, oldest first

	MsgCount   int   // total messages, inflight + queued
	MsgBytes   int64 // total payload bytes, inflight + queued
	MsgCount12 int   // QoS 1/2 messages only
	MsgBytes12 int64 // QoS 1/2 payload bytes only

	InflightMaximum int
	InflightQuota   int
}

// NewMessageData creates an empty MessageData with the given inflight cap.
// A cap of 0 means unlimited.
func NewMessageData(inflightMaximum int) *MessageData {
	return &MessageData{
		Inflight:        list.New(),
		Queued:          list.New(),
		InflightMaximum: inflightMaximum,
		InflightQuota:   inflightMaximum,
	}
}

// Limits is the broker-wide admission configuration consulted by
// ReadyForFlight and ReadyForQueue, mirroring the relevant fields of
// struct dimq__config.
type Limits struct {
	MaxInflightBytes  int64
	MaxQueuedMessages int
	MaxQueuedBytes    int64
	QueueQoS0Messages bool
}

// ReadyForFlight reports whether msgData has room for one more in-flight
// message of the given qos and direction. outPacketCount is the session's
// current outgoing-socket-buffer depth, only consulted for outgoing QoS 0.
// Ported from db__ready_for_flight.
func ReadyForFlight(limits Limits, dir Direction, qos byte, msgData *MessageData, outPacketCount int) bool {
	if msgData.InflightMaximum == 0 && limits.MaxInflightBytes == 0 {
		return true
	}

	if qos == 0 {
		if limits.MaxQueuedMessages == 0 && limits.MaxInflightBytes == 0 {
			return true
		}
		validBytes := msgData.MsgBytes-limits.MaxInflightBytes < limits.MaxQueuedBytes
		var validCount bool
		if dir == DirOut {
			validCount = outPacketCount < limits.MaxQueuedMessages
		} else {
			validCount = msgData.MsgCount-msgData.InflightMaximum < limits.MaxQueuedMessages
		}
		if limits.MaxQueuedMessages == 0 {
			return validBytes
		}
		if limits.MaxQueuedBytes == 0 {
			return validCount
		}
		return validBytes && validCount
	}

	validBytes := msgData.MsgBytes12 < limits.MaxInflightBytes
	validCount := msgData.InflightQuota > 0
	if msgData.InflightMaximum == 0 {
		return validBytes
	}
	if limits.MaxInflightBytes == 0 {
		return validCount
	}
	return validBytes && validCount
}

// ReadyForQueue reports whether one more message may be queued (as opposed
// to delivered in flight) for msgData. It assumes ReadyForFlight has
// already been tried and failed. offline marks a session with no live
// transport, which drops the in-flight headroom from the totals since
// nothing is actually in flight for it. Ported from db__ready_for_queue.
func ReadyForQueue(limits Limits, qos byte, msgData *MessageData, offline bool) bool {
	if limits.MaxQueuedMessages == 0 && limits.MaxQueuedBytes == 0 {
		return true
	}
	if qos == 0 && !limits.QueueQoS0Messages {
		return false
	}

	sourceBytes := msgData.MsgBytes12
	sourceCount := msgData.MsgCount12
	adjustBytes := limits.MaxInflightBytes
	adjustCount := msgData.InflightMaximum
	if offline {
		adjustBytes = 0
		adjustCount = 0
	}

	validBytes := sourceBytes-adjustBytes < limits.MaxQueuedBytes
	validCount := sourceCount-adjustCount < limits.MaxQueuedMessages

	if limits.MaxQueuedBytes == 0 {
		return validCount
	}
	if limits.MaxQueuedMessages == 0 {
		return validBytes
	}
	return validBytes && validCount
}

// account adds msg's counters into msgData; the inverse of unaccount.
func account(msgData *MessageData, msg *ClientMsg) {
	msgData.MsgCount++
	msgData.MsgBytes += int64(len(msg.Store.Payload))
	if msg.QoS > 0 {
		msgData.MsgCount12++
		msgData.MsgBytes12 += int64(len(msg.Store.Payload))
	}
}

func unaccount(msgData *MessageData, msg *ClientMsg) {
	msgData.MsgCount--
	msgData.MsgBytes -= int64(len(msg.Store.Payload))
	if msg.QoS > 0 {
		msgData.MsgCount12--
		msgData.MsgBytes12 -= int64(len(msg.Store.Payload))
	}
}

// remove detaches el from msgData's inflight list, unaccounts it, returns
// any outbound QoS≥1 quota it held, and drops the store's reference count.
// Ported from db__message_remove; callers hold the *list.Element from
// whichever list currently contains it.
func remove(pool *store.MessageStore, msgData *MessageData, l *list.List, el *list.Element) {
	msg := el.Value.(*ClientMsg)
	l.Remove(el)
	unaccount(msgData, msg)
	if msg.Direction == DirOut && msg.QoS > 0 && msgData.InflightMaximum > 0 && msgData.InflightQuota < msgData.InflightMaximum {
		msgData.InflightQuota++
	}
	pool.Unref(msg.Store)
}

// DequeueFirst moves the oldest queued message for msgData into flight,
// consuming one unit of inflight quota. Ported from db__message_dequeue_first.
func DequeueFirst(msgData *MessageData) *ClientMsg {
	front := msgData.Queued.Front()
	if front == nil {
		return nil
	}
	msgData.Queued.Remove(front)
	msgData.Inflight.PushBack(front.Value)
	if msgData.InflightQuota > 0 {
		msgData.InflightQuota--
	}
	return front.Value.(*ClientMsg)
}

// InsertResult classifies what Insert did with a message, matching
// spec.md §4.4's step-numbered branches.
type InsertResult int

const (
	// InsertDelivered means msg was appended directly to Inflight.
	InsertDelivered InsertResult = iota
	// InsertQueuedResult means msg was appended to Queued, awaiting credit.
	InsertQueuedResult
	// InsertDuplicate means the message was silently dropped because
	// clientID already appears in stored.DestIDs (step 1).
	InsertDuplicate
	// InsertDropped means admission failed (neither flight nor queue had
	// room) and the message was discarded; this is an expected outcome,
	// not an error — callers should count it, not propagate a failure.
	InsertDropped
)

// Insert admits a new outgoing or incoming reference to stored into
// msgData for clientID, choosing between immediate flight, queueing,
// duplicate-drop, or discard-drop according to spec.md §4.4's numbered
// steps. Ported from db__message_insert, with the bridge/persistence
// branches the broker core doesn't need trimmed away. protocolMQTT5 and
// allowDuplicateMessages gate the step-1 duplicate-suppression check;
// dest_ids tracking (step 5) always runs for outbound non-retained
// messages regardless of protocol version, per spec.md §9(a).
func Insert(pool *store.MessageStore, limits Limits, msgData *MessageData, clientID string, dir Direction, mid uint16, qos byte, retain bool, stored *store.StoredMessage, protocolMQTT5, allowDuplicateMessages, online bool, outPacketCount int) (msg *ClientMsg, result InsertResult) {
	if dir == DirOut && !protocolMQTT5 && !allowDuplicateMessages && !retain && stored.HasBeenSentTo(clientID) {
		if metricsRecorder != nil {
			metricsRecorder.RecordDuplicate(dir)
		}
		return nil, InsertDuplicate
	}

	var state State

	if online {
		if ReadyForFlight(limits, dir, qos, msgData, outPacketCount) {
			if dir == DirOut {
				switch qos {
				case 0:
					state = PublishQoS0
				case 1:
					state = PublishQoS1
				case 2:
					state = PublishQoS2
				}
			} else if qos == 2 {
				state = WaitPubrel
			} else {
				// QoS 0/1 incoming messages are delivered immediately by
				// the caller and never tracked here.
				return nil, InsertDelivered
			}
		} else if qos != 0 && ReadyForQueue(limits, qos, msgData, false) {
			state = Queued
		} else {
			if metricsRecorder != nil {
				metricsRecorder.RecordDropped(dir, qos)
			}
			return nil, InsertDropped
		}
	} else {
		if ReadyForQueue(limits, qos, msgData, true) {
			state = Queued
		} else {
			if metricsRecorder != nil {
				metricsRecorder.RecordDropped(dir, qos)
			}
			return nil, InsertDropped
		}
	}

	msg = &ClientMsg{
		Store:     stored,
		MID:       mid,
		QoS:       qos,
		Retain:    retain,
		Direction: dir,
		State:     state,
	}
	pool.Ref(stored)

	if state == Queued {
		msgData.Queued.PushBack(msg)
		account(msgData, msg)
		if !retain {
			stored.MarkSentTo(clientID)
		}
		return msg, InsertQueuedResult
	}

	msgData.Inflight.PushBack(msg)
	account(msgData, msg)

	if dir == DirOut && qos > 0 {
		if msgData.InflightMaximum > 0 && msgData.InflightQuota > 0 {
			msgData.InflightQuota--
		}
		if !retain {
			stored.MarkSentTo(clientID)
		}
	}

	return msg, InsertDelivered
}

// DeleteOutgoing removes the inflight outgoing message matching mid (after
// checking its qos and, for qos 2, its expected state), then promotes as
// many queued messages into flight as the inflight cap now allows. Ported
// from db__message_delete_outgoing.
func DeleteOutgoing(pool *store.MessageStore, msgData *MessageData, mid uint16, expectState State, qos byte) error {
	msgIndex := 0
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		msgIndex++
		if msg.MID == mid {
			if msg.QoS != qos {
				return ErrProtocolViolation
			}
			if qos == 2 && msg.State != expectState {
				return ErrProtocolViolation
			}
			msgIndex--
			remove(pool, msgData, msgData.Inflight, el)
			break
		}
	}
	msgIndex = msgData.Inflight.Len()

	for {
		if msgData.InflightMaximum != 0 && msgIndex >= msgData.InflightMaximum {
			break
		}
		front := msgData.Queued.Front()
		if front == nil {
			break
		}
		msgIndex++
		msg := front.Value.(*ClientMsg)
		switch msg.QoS {
		case 0:
			msg.State = PublishQoS0
		case 1:
			msg.State = PublishQoS1
		case 2:
			msg.State = PublishQoS2
		}
		DequeueFirst(msgData)
	}

	return nil
}

// RouteResult is the outcome of handing a released QoS 2 message off to the
// subscription router, mirroring sub__messages_queue's return values that
// matter to the release path.
type RouteResult int

const (
	RouteSuccess RouteResult = iota
	RouteNoSubscribers
	RouteError
)

// PublishFunc hands a just-released QoS 2 StoredMessage to the out-of-core
// subscription router. It is the core's only call out to routing, matching
// spec.md's "publish via sub__messages_queue(source_id, topic, 2, retain,
// &store)".
type PublishFunc func(stored *store.StoredMessage) (RouteResult, error)

// SendPubrecFunc writes a PUBREC for mid to the session's outbound buffer.
type SendPubrecFunc func(mid uint16) error

// ReleaseIncoming completes the QoS 2 receive side for mid: the inflight
// WaitPubrel entry is located, its message is routed to subscribers via
// publish, and on success (or "no subscribers", which is not an error) it
// is removed — its job was only to suppress a duplicate PUBLISH, never to
// be redelivered. Once removed, as many queued incoming QoS 2 messages as
// now fit are promoted into flight, each with a PUBREC sent via sendPubrec.
// Ported from db__message_release_incoming + the db__message_write_queued_in
// promotion it triggers.
func ReleaseIncoming(pool *store.MessageStore, msgData *MessageData, mid uint16, publish PublishFunc, sendPubrec SendPubrecFunc) error {
	var target *list.Element
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		if msg.MID == mid && msg.Direction == DirIn {
			target = el
			break
		}
	}
	if target == nil {
		return ErrNotFound
	}

	msg := target.Value.(*ClientMsg)
	if msg.Store == nil || msg.Store.QoS != 2 {
		return ErrProtocolViolation
	}

	if msg.Store.Topic == "" {
		// Previously denied by ACL: nothing to route, just drop.
		remove(pool, msgData, msgData.Inflight, target)
	} else if publish != nil {
		result, err := publish(msg.Store)
		if err != nil && result != RouteNoSubscribers {
			return err
		}
		remove(pool, msgData, msgData.Inflight, target)
	} else {
		remove(pool, msgData, msgData.Inflight, target)
	}

	for msgData.InflightMaximum == 0 || msgData.Inflight.Len() < msgData.InflightMaximum {
		front := msgData.Queued.Front()
		if front == nil {
			break
		}
		promoted := DequeueFirst(msgData)
		if promoted.QoS != 2 {
			continue
		}
		promoted.State = WaitPubrel
		if sendPubrec != nil {
			if err := sendPubrec(promoted.MID); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReconnectReset walks every inflight message in msgData and reclassifies
// it for retransmission on a freshly reconnected transport, then tries to
// promote queued messages into the freed inflight slots. The critical
// invariant: a message already in WaitPubcomp becomes ResendPubrel (the
// broker's PUBREL goes out again), never regressed back to PublishQoS2. An
// inbound message in WaitPubrel is left untouched — its state already
// matches whatever the client has, per db__message_reconnect_reset_incoming.
// Ported from db__message_reconnect_reset_outgoing / _incoming.
func ReconnectReset(msgData *MessageData, dir Direction) {
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		msg.Dup = true
		switch msg.State {
		case WaitPuback:
			msg.State = PublishQoS1
		case WaitPubrec:
			msg.State = PublishQoS2
		case WaitPubcomp:
			msg.State = ResendPubrel
		case WaitPubrel:
			// Preserved: matches whatever the client already has.
		case SendPubrec:
			msg.State = WaitPubrel
		}
	}

	if dir == DirOut {
		WriteQueuedOut(msgData)
	} else {
		WriteQueuedIn(msgData)
	}
}

// WriteInflightOutSingle reports whether msg is ready to be (re)written to
// the wire and, if so, what it should send: for a message not yet in a
// Wait* state, the PUBLISH itself; for ResendPubrel/ResendPubcomp, the
// corresponding control packet. It never mutates msg — the caller advances
// State only once the write actually succeeds, via AdvanceAfterWrite.
func WriteInflightOutSingle(msg *ClientMsg) (ready bool) {
	switch msg.State {
	case PublishQoS0, PublishQoS1, PublishQoS2, ResendPubrel, ResendPubcomp, SendPubrec:
		return true
	default:
		return false
	}
}

// AdvanceAfterWrite transitions msg's state once its pending packet has
// actually been written to the wire, mirroring the state changes
// db__message_write_inflight_out_single makes inline with the write.
func AdvanceAfterWrite(msg *ClientMsg) {
	switch msg.State {
	case PublishQoS0:
		// QoS 0 has no further handshake; caller removes it from Inflight.
	case PublishQoS1:
		msg.State = WaitPuback
	case PublishQoS2:
		msg.State = WaitPubrec
	case ResendPubrel:
		msg.State = WaitPubcomp
	case ResendPubcomp:
		// Terminal once acknowledged; caller removes it from Inflight.
	case SendPubrec:
		msg.State = WaitPubrel
	}
}

// WriteInflightOutAll returns every inflight message ready to be written,
// oldest first. Ported from db__message_write_inflight_out_all.
func WriteInflightOutAll(msgData *MessageData) []*ClientMsg {
	var out []*ClientMsg
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		if WriteInflightOutSingle(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// WriteInflightOutLatest returns the single most recently inserted inflight
// message if it is ready to be written. Ported from
// db__message_write_inflight_out_latest, which only ever needs to push the
// message db__message_insert or db__message_delete_outgoing just touched.
func WriteInflightOutLatest(msgData *MessageData) *ClientMsg {
	back := msgData.Inflight.Back()
	if back == nil {
		return nil
	}
	msg := back.Value.(*ClientMsg)
	if WriteInflightOutSingle(msg) {
		return msg
	}
	return nil
}

// WriteQueuedOut promotes queued outgoing messages into flight until the
// inflight cap is reached or the queue is empty, returning the promoted
// messages in promotion order. Ported from db__message_write_queued_out.
func WriteQueuedOut(msgData *MessageData) []*ClientMsg {
	var promoted []*ClientMsg
	for msgData.InflightMaximum == 0 || msgData.Inflight.Len() < msgData.InflightMaximum {
		front := msgData.Queued.Front()
		if front == nil {
			break
		}
		msg := DequeueFirst(msgData)
		switch msg.QoS {
		case 0:
			msg.State = PublishQoS0
		case 1:
			msg.State = PublishQoS1
		case 2:
			msg.State = PublishQoS2
		}
		promoted = append(promoted, msg)
	}
	return promoted
}

// WriteQueuedIn promotes queued incoming messages (QoS 2 only ever queue
// while a session is offline-equivalent) into flight the same way
// WriteQueuedOut does for the outgoing side. Ported from
// db__message_write_queued_in.
func WriteQueuedIn(msgData *MessageData) []*ClientMsg {
	var promoted []*ClientMsg
	for msgData.InflightMaximum == 0 || msgData.Inflight.Len() < msgData.InflightMaximum {
		front := msgData.Queued.Front()
		if front == nil {
			break
		}
		msg := DequeueFirst(msgData)
		if msg.QoS == 2 {
			msg.State = WaitPubrel
		}
		promoted = append(promoted, msg)
	}
	return promoted
}

// MessagesDeleteList clears every ClientMsg from l, unreferencing each
// one's StoredMessage. Ported from db__messages_delete_list.
func MessagesDeleteList(pool *store.MessageStore, msgData *MessageData, l *list.List) {
	for el := l.Front(); el != nil; {
		next := el.Next()
		msg := el.Value.(*ClientMsg)
		l.Remove(el)
		pool.Unref(msg.Store)
		el = next
	}
	msgData.MsgCount = 0
	msgData.MsgBytes = 0
	msgData.MsgCount12 = 0
	msgData.MsgBytes12 = 0
}

// MessagesDelete clears both the inflight and queued lists of msgData,
// unreferencing every StoredMessage either list held. Ported from the
// per-direction clean_start branches of db__messages_delete.
func MessagesDelete(pool *store.MessageStore, msgData *MessageData) {
	for el := msgData.Queued.Front(); el != nil; {
		next := el.Next()
		msg := el.Value.(*ClientMsg)
		pool.Unref(msg.Store)
		el = next
	}
	msgData.Queued.Init()
	MessagesDeleteList(pool, msgData, msgData.Inflight)
}

// DiscardIf removes every ClientMsg in msgData's inflight and queued lists
// for which keep returns false, unreferencing each one's StoredMessage and
// returning how many were discarded. Used to re-evaluate ACLs against
// stolen message state on session takeover, generalizing the topic recheck
// connection_check_acl performs, to an arbitrary predicate since no single
// topic is in play here.
func DiscardIf(pool *store.MessageStore, msgData *MessageData, keep func(msg *ClientMsg) bool) int {
	discarded := 0
	for el := msgData.Inflight.Front(); el != nil; {
		next := el.Next()
		msg := el.Value.(*ClientMsg)
		if !keep(msg) {
			remove(pool, msgData, msgData.Inflight, el)
			discarded++
		}
		el = next
	}
	for el := msgData.Queued.Front(); el != nil; {
		next := el.Next()
		msg := el.Value.(*ClientMsg)
		if !keep(msg) {
			msgData.Queued.Remove(el)
			unaccount(msgData, msg)
			pool.Unref(msg.Store)
			discarded++
		}
		el = next
	}
	return discarded
}

// FindBySourceMID scans inbound's inflight list then its queued list for a
// ClientMsg with the given mid, returning the StoredMessage it references.
// Ported from db__message_store_find, which does the same two-list walk
// over a session's incoming message data.
func FindBySourceMID(inbound *MessageData, mid uint16) (*store.StoredMessage, bool) {
	for el := inbound.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		if msg.MID == mid {
			return msg.Store, true
		}
	}
	for el := inbound.Queued.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*ClientMsg)
		if msg.MID == mid {
			return msg.Store, true
		}
	}
	return nil, false
}
