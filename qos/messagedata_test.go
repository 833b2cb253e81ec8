package qos

import (
	"testing"

	"github.com/coremq/broker/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStored(pool *store.MessageStore, topic string, payload []byte, qos byte) *store.StoredMessage {
	m := &store.StoredMessage{Topic: topic, Payload: payload, QoS: qos}
	pool.Add(m)
	return m
}

func insertOut(pool *store.MessageStore, limits Limits, md *MessageData, clientID string, mid uint16, qos byte, stored *store.StoredMessage) (*ClientMsg, InsertResult) {
	return Insert(pool, limits, md, clientID, DirOut, mid, qos, false, stored, false, false, true, 0)
}

func insertIn(pool *store.MessageStore, limits Limits, md *MessageData, mid uint16, qos byte, stored *store.StoredMessage) (*ClientMsg, InsertResult) {
	return Insert(pool, limits, md, "", DirIn, mid, qos, false, stored, false, false, true, 0)
}

// TestQoS1RoundTrip mirrors spec.md §8 scenario 1: a single QoS 1 publish
// delivered to one subscriber, acked, and fully removed.
func TestQoS1RoundTrip(t *testing.T) {
	pool := store.NewMessageStore()
	limits := Limits{}
	out := NewMessageData(0)

	stored := newStored(pool, "a/b", []byte("x"), 1)
	msg, result := insertOut(pool, limits, out, "subA", 1, 1, stored)
	require.Equal(t, InsertDelivered, result)
	require.NotNil(t, msg)
	assert.Equal(t, PublishQoS1, msg.State)
	assert.Equal(t, 1, out.MsgCount)
	assert.EqualValues(t, 1, out.MsgBytes)
	assert.Equal(t, 1, out.MsgCount12)
	assert.True(t, stored.HasBeenSentTo("subA"), "dest_ids must record delivery regardless of protocol version")

	AdvanceAfterWrite(msg)
	assert.Equal(t, WaitPuback, msg.State)

	require.NoError(t, DeleteOutgoing(pool, out, 1, WaitPuback, 1))
	assert.Equal(t, 0, out.MsgCount)
	assert.EqualValues(t, 0, out.MsgBytes)
	assert.Equal(t, 0, out.MsgCount12)
	assert.Equal(t, 0, out.Inflight.Len())
	assert.Equal(t, 0, pool.Count(), "stored message must be freed once ref count drops to zero")
}

// TestBackpressurePromotion mirrors spec.md §8 scenario 2.
func TestBackpressurePromotion(t *testing.T) {
	pool := store.NewMessageStore()
	limits := Limits{MaxQueuedMessages: 3, QueueQoS0Messages: false}
	out := NewMessageData(2)

	var mids []uint16
	for i := 1; i <= 5; i++ {
		stored := newStored(pool, "a/b", []byte("x"), 1)
		msg, result := insertOut(pool, limits, out, "sub", uint16(i), 1, stored)
		require.NotEqual(t, InsertDropped, result, "message %d should not be dropped", i)
		mids = append(mids, msg.MID)
	}
	assert.Equal(t, 2, out.Inflight.Len())
	assert.Equal(t, 3, out.Queued.Len())

	sixth := newStored(pool, "a/b", []byte("x"), 1)
	_, result := insertOut(pool, limits, out, "sub", 6, 1, sixth)
	assert.Equal(t, InsertDropped, result, "sixth message must be dropped once inflight+queued limits are saturated")

	// Ack the first inflight message (mid 1); one queued message promotes FIFO.
	require.NoError(t, DeleteOutgoing(pool, out, mids[0], Invalid, 1))
	assert.Equal(t, 2, out.Inflight.Len())
	assert.Equal(t, 2, out.Queued.Len())

	front := out.Inflight.Front().Value.(*ClientMsg)
	back := out.Inflight.Back().Value.(*ClientMsg)
	assert.Equal(t, mids[1], front.MID)
	assert.Equal(t, mids[2], back.MID, "promotion must be FIFO: mid 3 promotes before mid 4/5")
}

func TestReadyForFlightQoS0UnlimitedWhenNoLimitsConfigured(t *testing.T) {
	out := NewMessageData(0)
	assert.True(t, ReadyForFlight(Limits{}, DirOut, 0, out, 0))
}

func TestReadyForFlightQoSAtLeastOneRespectsQuota(t *testing.T) {
	limits := Limits{MaxInflightBytes: 1000}
	out := NewMessageData(1)
	assert.True(t, ReadyForFlight(limits, DirOut, 1, out, 0))

	out.InflightQuota = 0
	assert.False(t, ReadyForFlight(limits, DirOut, 1, out, 0))
}

func TestReadyForQueueRejectsQoS0UnlessEnabled(t *testing.T) {
	limits := Limits{MaxQueuedMessages: 10, MaxQueuedBytes: 1000}
	md := NewMessageData(1)
	assert.False(t, ReadyForQueue(limits, 0, md, false))

	limits.QueueQoS0Messages = true
	assert.True(t, ReadyForQueue(limits, 0, md, false))
}

func TestInsertDuplicateSuppressionOutboundOnly(t *testing.T) {
	pool := store.NewMessageStore()
	out := NewMessageData(0)
	stored := newStored(pool, "a/b", []byte("x"), 1)
	stored.MarkSentTo("client-1")

	_, result := Insert(pool, Limits{}, out, "client-1", DirOut, 1, 1, false, stored, false, false, true, 0)
	assert.Equal(t, InsertDuplicate, result, "non-MQTT5, non-retain, non-dup-allowed delivery to an already-seen client must be silently dropped")

	_, result = Insert(pool, Limits{}, out, "client-2", DirOut, 2, 1, false, stored, false, false, true, 0)
	assert.Equal(t, InsertDelivered, result, "a different client_id is not a duplicate")

	another := newStored(pool, "a/b", []byte("x"), 1)
	another.MarkSentTo("client-1")
	_, result = Insert(pool, Limits{}, out, "client-1", DirOut, 3, 1, false, another, true, false, true, 0)
	assert.Equal(t, InsertDelivered, result, "MQTT5 sessions are never suppressed by dest_ids")
}

func TestDeleteOutgoingRejectsMismatchedQoS2State(t *testing.T) {
	pool := store.NewMessageStore()
	out := NewMessageData(0)
	stored := newStored(pool, "a/b", []byte("x"), 2)
	msg, result := insertOut(pool, Limits{}, out, "sub", 9, 2, stored)
	require.Equal(t, InsertDelivered, result)
	require.Equal(t, PublishQoS2, msg.State)
	AdvanceAfterWrite(msg)
	require.Equal(t, WaitPubrec, msg.State)

	err := DeleteOutgoing(pool, out, 9, WaitPubcomp, 2)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// TestTakeoverPreservesQoS2Progress mirrors spec.md §8's law: a message in
// WaitPubcomp becomes ResendPubrel on reconnect, never regressing to
// PublishQoS2.
func TestTakeoverPreservesQoS2Progress(t *testing.T) {
	pool := store.NewMessageStore()
	out := NewMessageData(0)
	stored := newStored(pool, "a/b", []byte("x"), 2)
	msg, result := insertOut(pool, Limits{}, out, "sub", 5, 2, stored)
	require.Equal(t, InsertDelivered, result)
	AdvanceAfterWrite(msg) // PublishQoS2 -> WaitPubrec
	msg.State = WaitPubcomp

	ReconnectReset(out, DirOut)
	assert.Equal(t, ResendPubrel, msg.State, "must never regress to PublishQoS2")
	assert.True(t, msg.Dup)
}

func TestReconnectResetInboundKeepsQoS2DiscardsLower(t *testing.T) {
	pool := store.NewMessageStore()
	in := NewMessageData(0)

	s1 := newStored(pool, "a/b", []byte("x"), 1)
	m1, _ := insertIn(pool, Limits{}, in, 1, 1, s1)
	_ = m1

	s2 := newStored(pool, "a/b", []byte("x"), 2)
	m2, result := insertIn(pool, Limits{}, in, 2, 2, s2)
	require.Equal(t, InsertDelivered, result)
	require.Equal(t, WaitPubrel, m2.State)

	ReconnectReset(in, DirIn)
	assert.Equal(t, WaitPubrel, m2.State, "inbound WaitPubrel is preserved, matching what the client already has")
}

func TestReleaseIncomingPromotesQueuedQoS2(t *testing.T) {
	pool := store.NewMessageStore()
	in := NewMessageData(1)

	s1 := newStored(pool, "a/b", []byte("x"), 2)
	m1, result := insertIn(pool, Limits{}, in, 1, 2, s1)
	require.Equal(t, InsertDelivered, result)
	require.Equal(t, WaitPubrel, m1.State)

	limits := Limits{MaxQueuedMessages: 5, MaxQueuedBytes: 1000}
	s2 := newStored(pool, "a/b", []byte("x"), 2)
	m2, result := insertIn(pool, limits, in, 2, 2, s2)
	require.Equal(t, InsertQueuedResult, result)
	require.Equal(t, Queued, m2.State)

	var pubrecSent uint16
	err := ReleaseIncoming(pool, in, 1, func(stored *store.StoredMessage) (RouteResult, error) {
		return RouteSuccess, nil
	}, func(mid uint16) error {
		pubrecSent = mid
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(2), pubrecSent)
	assert.Equal(t, WaitPubrel, m2.State)
	assert.Equal(t, 1, in.Inflight.Len())
	assert.Equal(t, 0, in.Queued.Len())
}

func TestReleaseIncomingNoSubscribersStillRemoves(t *testing.T) {
	pool := store.NewMessageStore()
	in := NewMessageData(0)
	s := newStored(pool, "a/b", []byte("x"), 2)
	msg, _ := insertIn(pool, Limits{}, in, 1, 2, s)
	require.Equal(t, WaitPubrel, msg.State)

	err := ReleaseIncoming(pool, in, 1, func(stored *store.StoredMessage) (RouteResult, error) {
		return RouteNoSubscribers, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, in.Inflight.Len())
	assert.Equal(t, 0, pool.Count())
}

func TestReleaseIncomingNotFound(t *testing.T) {
	in := NewMessageData(0)
	err := ReleaseIncoming(store.NewMessageStore(), in, 99, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindBySourceMIDScansInflightThenQueued(t *testing.T) {
	pool := store.NewMessageStore()
	in := NewMessageData(1)

	s1 := newStored(pool, "a", []byte("x"), 2)
	insertIn(pool, Limits{}, in, 1, 2, s1)

	limits := Limits{MaxQueuedMessages: 5, MaxQueuedBytes: 1000}
	s2 := newStored(pool, "b", []byte("y"), 2)
	insertIn(pool, limits, in, 2, 2, s2)

	found, ok := FindBySourceMID(in, 2)
	require.True(t, ok)
	assert.Equal(t, "b", found.Topic)

	_, ok = FindBySourceMID(in, 404)
	assert.False(t, ok)
}

func TestMessagesDeleteClearsCountersAndUnrefs(t *testing.T) {
	pool := store.NewMessageStore()
	out := NewMessageData(0)
	s := newStored(pool, "a/b", []byte("x"), 1)
	insertOut(pool, Limits{}, out, "sub", 1, 1, s)
	require.Equal(t, 1, pool.Count())

	MessagesDelete(pool, out)
	assert.Equal(t, 0, out.MsgCount)
	assert.Equal(t, 0, out.Inflight.Len())
	assert.Equal(t, 0, out.Queued.Len())
	assert.Equal(t, 0, pool.Count())
}

func TestOutboundQoSAtLeastOneConsumesAndReturnsQuota(t *testing.T) {
	// spec.md §3 invariant: "Outgoing QoS≥1 messages consume exactly one
	// unit of the peer's receive quota; quota is returned on terminal
	// ack." Also exercises §8 scenario 6's quota-return half once an
	// expired/acked message leaves Inflight.
	pool := store.NewMessageStore()
	out := NewMessageData(1)
	s := newStored(pool, "a/b", []byte("x"), 1)
	msg, _ := insertOut(pool, Limits{}, out, "sub", 1, 1, s)
	require.Equal(t, 0, out.InflightQuota)

	require.NoError(t, DeleteOutgoing(pool, out, msg.MID, Invalid, 1))
	assert.Equal(t, 1, out.InflightQuota, "quota must be returned once the acked message leaves inflight")
}
