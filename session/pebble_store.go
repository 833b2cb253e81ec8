package session

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/coremq/broker/qos"
	"github.com/coremq/broker/store"
)

var (
	sessionPrefix = []byte("session:")
)

// PebbleStore is a Pebble-based implementation of the Store interface
type PebbleStore struct {
	db     *pebble.DB
	mu     sync.RWMutex
	closed bool
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Path string
	Opts *pebble.Options
}

// sessionData is the serializable representation of a session
type sessionData struct {
	ClientID          string                   `json:"client_id"`
	CleanStart        bool                     `json:"clean_start"`
	State             State                    `json:"state"`
	ExpiryInterval    uint32                   `json:"expiry_interval"`
	CreatedAt         time.Time                `json:"created_at"`
	LastAccessedAt    time.Time                `json:"last_accessed_at"`
	DisconnectedAt    time.Time                `json:"disconnected_at"`
	WillMessage       *WillMessage             `json:"will_message,omitempty"`
	WillDelayInterval uint32                   `json:"will_delay_interval"`
	Subscriptions     map[string]*Subscription `json:"subscriptions"`
	NextPacketID      uint16                   `json:"next_packet_id"`
	MaxPacketSize     uint32                   `json:"max_packet_size"`
	ReceiveMaximum    uint16                   `json:"receive_maximum"`
	ProtocolVersion   byte                     `json:"protocol_version"`
	Username          string                   `json:"username,omitempty"`
	AuthMethod        string                   `json:"auth_method,omitempty"`
	MaxQoS            byte                     `json:"max_qos"`

	In  []clientMsgData `json:"in,omitempty"`
	Out []clientMsgData `json:"out,omitempty"`

	InInflightMax  int `json:"in_inflight_max"`
	OutInflightMax int `json:"out_inflight_max"`
}

// clientMsgData is the serializable representation of one qos.ClientMsg,
// with its referenced store.StoredMessage content inlined rather than
// looked up by DBID: Save/Load have no access to the broker-wide
// store.MessageStore a live session's ClientMsg entries normally point
// into, so a restored message is reconstructed as its own standalone
// StoredMessage instead of being re-linked into that pool.
type clientMsgData struct {
	Queued    bool   `json:"queued"`
	MID       uint16 `json:"mid"`
	QoS       byte   `json:"qos"`
	Retain    bool   `json:"retain"`
	Dup       bool   `json:"dup"`
	State     int    `json:"state"`
	Direction int    `json:"direction"`
	Timestamp int64  `json:"timestamp"`
	SourceID  string `json:"source_id"`
	Topic     string `json:"topic"`
	Payload   []byte `json:"payload"`
}

// messageDataToData flattens msgData's inflight and queued lists into their
// serializable form, inflight entries first.
func messageDataToData(msgData *qos.MessageData) []clientMsgData {
	var out []clientMsgData
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		out = append(out, clientMsgToData(el.Value.(*qos.ClientMsg), false))
	}
	for el := msgData.Queued.Front(); el != nil; el = el.Next() {
		out = append(out, clientMsgToData(el.Value.(*qos.ClientMsg), true))
	}
	return out
}

func clientMsgToData(msg *qos.ClientMsg, queued bool) clientMsgData {
	data := clientMsgData{
		Queued:    queued,
		MID:       msg.MID,
		QoS:       msg.QoS,
		Retain:    msg.Retain,
		Dup:       msg.Dup,
		State:     int(msg.State),
		Direction: int(msg.Direction),
		Timestamp: msg.Timestamp,
	}
	if msg.Store != nil {
		data.SourceID = msg.Store.SourceID
		data.Topic = msg.Store.Topic
		data.Payload = msg.Store.Payload
	}
	return data
}

// dataToMessageData rebuilds a qos.MessageData from its serialized entries,
// recomputing the byte/count totals and inflight quota directly since they
// were never themselves persisted.
func dataToMessageData(entries []clientMsgData, inflightMax int) *qos.MessageData {
	msgData := qos.NewMessageData(inflightMax)

	for _, e := range entries {
		msg := &qos.ClientMsg{
			Store: &store.StoredMessage{
				SourceID: e.SourceID,
				Topic:    e.Topic,
				Payload:  e.Payload,
				QoS:      e.QoS,
				Retain:   e.Retain,
				RefCount: 1,
			},
			MID:       e.MID,
			QoS:       e.QoS,
			Retain:    e.Retain,
			Dup:       e.Dup,
			State:     qos.State(e.State),
			Direction: qos.Direction(e.Direction),
			Timestamp: e.Timestamp,
		}

		var target *list.List
		if e.Queued {
			target = msgData.Queued
		} else {
			target = msgData.Inflight
		}
		target.PushBack(msg)

		msgData.MsgCount++
		msgData.MsgBytes += int64(len(e.Payload))
		if e.QoS > 0 {
			msgData.MsgCount12++
			msgData.MsgBytes12 += int64(len(e.Payload))
		}
	}

	used := 0
	for el := msgData.Inflight.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*qos.ClientMsg)
		if msg.Direction == qos.DirOut && msg.QoS > 0 {
			used++
		}
	}
	if inflightMax > 0 {
		msgData.InflightQuota = inflightMax - used
		if msgData.InflightQuota < 0 {
			msgData.InflightQuota = 0
		}
	}

	return msgData
}

// NewPebbleStore creates a new Pebble-based session store
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	opts := config.Opts
	if opts == nil {
		opts = &pebble.Options{
			ErrorIfExists: false,
		}
	}

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, err
	}

	return &PebbleStore{
		db: db,
	}, nil
}

// sessionToData converts a Session to sessionData for serialization
func sessionToData(s *Session) *sessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data := &sessionData{
		ClientID:          s.ClientID,
		CleanStart:        s.CleanStart,
		State:             s.State,
		ExpiryInterval:    s.ExpiryInterval,
		CreatedAt:         s.CreatedAt,
		LastAccessedAt:    s.LastAccessedAt,
		DisconnectedAt:    s.DisconnectedAt,
		WillMessage:       s.WillMessage,
		WillDelayInterval: s.WillDelayInterval,
		Subscriptions:     s.Subscriptions,
		NextPacketID:      s.nextPacketID,
		MaxPacketSize:     s.MaxPacketSize,
		ReceiveMaximum:    s.ReceiveMaximum,
		ProtocolVersion:   s.ProtocolVersion,
		Username:          s.Username,
		AuthMethod:        s.AuthMethod,
		MaxQoS:            s.MaxQoS,
	}

	if s.In != nil {
		data.In = messageDataToData(s.In)
		data.InInflightMax = s.In.InflightMaximum
	}
	if s.Out != nil {
		data.Out = messageDataToData(s.Out)
		data.OutInflightMax = s.Out.InflightMaximum
	}

	return data
}

// dataToSession converts sessionData to a Session
func dataToSession(data *sessionData) *Session {
	s := &Session{
		ClientID:          data.ClientID,
		CleanStart:        data.CleanStart,
		State:             data.State,
		ExpiryInterval:    data.ExpiryInterval,
		CreatedAt:         data.CreatedAt,
		LastAccessedAt:    data.LastAccessedAt,
		DisconnectedAt:    data.DisconnectedAt,
		WillMessage:       data.WillMessage,
		WillDelayInterval: data.WillDelayInterval,
		Subscriptions:     data.Subscriptions,
		nextPacketID:      data.NextPacketID,
		MaxPacketSize:     data.MaxPacketSize,
		ReceiveMaximum:    data.ReceiveMaximum,
		ProtocolVersion:   data.ProtocolVersion,
		Username:          data.Username,
		AuthMethod:        data.AuthMethod,
		MaxQoS:            data.MaxQoS,
		In:                dataToMessageData(data.In, data.InInflightMax),
		Out:               dataToMessageData(data.Out, data.OutInflightMax),
	}

	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]*Subscription)
	}

	return s
}

// makeKey creates a key for a client ID
func makeKey(clientID string) []byte {
	key := make([]byte, len(sessionPrefix)+len(clientID))
	copy(key, sessionPrefix)
	copy(key[len(sessionPrefix):], clientID)
	return key
}

// Save stores or updates a session
func (p *PebbleStore) Save(ctx context.Context, session *Session) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	data := sessionToData(session)
	value, err := json.Marshal(data)
	if err != nil {
		return err
	}

	key := makeKey(session.GetClientID())
	return p.db.Set(key, value, pebble.Sync)
}

// Load retrieves a session by client ID
func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	defer closer.Close()

	var data sessionData
	if err := json.Unmarshal(value, &data); err != nil {
		return nil, err
	}

	return dataToSession(&data), nil
}

// Delete removes a session
func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	return p.db.Delete(key, pebble.Sync)
}

// Exists checks if a session exists
func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrStoreClosed
	}
	p.mu.RUnlock()

	key := makeKey(clientID)
	_, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

// List returns all session client IDs
func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	p.mu.RUnlock()

	var clientIDs []string

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		clientID := string(key[len(sessionPrefix):])
		clientIDs = append(clientIDs, clientID)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return clientIDs, nil
}

// Close closes the store
func (p *PebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStoreClosed
	}

	p.closed = true
	return p.db.Close()
}

// Count returns the total number of sessions
func (p *PebbleStore) Count(ctx context.Context) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}

// CountByState returns the number of sessions in a given state
func (p *PebbleStore) CountByState(ctx context.Context, state State) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	p.mu.RUnlock()

	var count int64

	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: sessionPrefix,
		UpperBound: append(sessionPrefix, 0xff),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var data sessionData
		if err := json.Unmarshal(iter.Value(), &data); err != nil {
			continue
		}
		if data.State == state {
			count++
		}
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	return count, nil
}
