// Package broker wires the session registry, hook manager, and wire codec
// together into the CONNECT state machine: the one operation that has to
// know about all three.
package broker

import (
	"context"
	"crypto/rand"
	"math"
	"net"
	"time"

	"github.com/coremq/broker/encoding"
	"github.com/coremq/broker/hook"
	"github.com/coremq/broker/qos"
	"github.com/coremq/broker/session"
	"github.com/coremq/broker/store"
)

// ExtendedAuthOutcome classifies what an ExtendedAuthenticator did with one
// step of an MQTT 5 extended authentication exchange, mirroring the
// dimq_ERR_SUCCESS/dimq_ERR_AUTH_CONTINUE/dimq_ERR_AUTH/dimq_ERR_NOT_SUPPORTED
// branches dimq_security_auth_start's caller switches on.
type ExtendedAuthOutcome int

const (
	ExtendedAuthSuccess ExtendedAuthOutcome = iota
	ExtendedAuthContinue
	ExtendedAuthFailure
	ExtendedAuthNotSupported
)

// ExtendedAuthenticator runs the MQTT 5 extended authentication exchange a
// CONNECT (or follow-up AUTH) packet carrying an auth_method property
// triggers. Ported from dimq_security_auth_start: reauth is false for the
// initial CONNECT-time call, true for a re-authentication triggered by a
// later AUTH packet.
type ExtendedAuthenticator interface {
	Start(ctx context.Context, client *hook.Client, reauth bool, method string, data []byte) (ExtendedAuthOutcome, []byte, error)
}

// ConnectHandlerConfig is the broker-wide configuration ConnectHandler
// consults, mirroring the listener/security_options fields
// connect__on_authorised and its caller read from struct dimq__config.
type ConnectHandlerConfig struct {
	Registry                *session.Registry
	Hooks                   *hook.Manager
	ExtendedAuth            ExtendedAuthenticator
	AllowZeroLengthClientID bool
	AutoIDPrefix            string
	MaxKeepAlive            uint16
	MaxTopicAlias           uint16
}

// ConnectHandler implements the CONNECT packet state machine: protocol and
// will validation, client ID synthesis, authentication, session
// establishment (including takeover via session.Registry), and CONNACK
// shaping. Ported from handle_connect.c's handle__connect plus
// connect__on_authorised, trimmed of the bridge and TLS-certificate-identity
// branches the broker core here doesn't own.
type ConnectHandler struct {
	cfg ConnectHandlerConfig
}

// NewConnectHandler creates a ConnectHandler from cfg.
func NewConnectHandler(cfg ConnectHandlerConfig) *ConnectHandler {
	return &ConnectHandler{cfg: cfg}
}

// ConnectOutcome is what a CONNECT attempt produced: a reason code the
// caller must send back verbatim (ReasonCode != ReasonSuccess, Session nil),
// an in-progress extended authentication exchange (Authenticating true,
// ReasonCode ReasonContinueAuthentication, an AUTH packet carrying
// Properties must be sent and Session is a provisional,
// StateAuthenticating session not yet installed in the registry), or an
// established session plus the CONNACK properties to attach.
type ConnectOutcome struct {
	ReasonCode       encoding.ReasonCode
	SessionPresent   bool
	AssignedClientID bool
	Authenticating   bool
	ClientID         string
	Session          *session.Session
	Properties       encoding.Properties
}

// Handle runs pkt through the CONNECT state machine. remoteAddr is passed
// through to hook.Client for ACL/auth hooks that key off it; it is never
// interpreted here.
func (h *ConnectHandler) Handle(ctx context.Context, pkt *encoding.ConnectPacket, remoteAddr net.Addr) (*ConnectOutcome, error) {
	if !pkt.ProtocolVersion.IsValid() {
		return &ConnectOutcome{ReasonCode: encoding.ReasonUnsupportedProtocolVersion}, nil
	}

	if pkt.WillFlag && pkt.WillQoS > encoding.QoS2 {
		return &ConnectOutcome{ReasonCode: encoding.ReasonProtocolError}, nil
	}

	clientID := pkt.ClientID
	assigned := false
	if clientID == "" {
		if !h.cfg.AllowZeroLengthClientID {
			return &ConnectOutcome{ReasonCode: encoding.ReasonClientIdentifierNotValid}, nil
		}
		id, err := generateClientID(h.cfg.AutoIDPrefix)
		if err != nil {
			return nil, err
		}
		clientID = id
		assigned = true
	}

	client := &hook.Client{
		ID:              clientID,
		RemoteAddr:      remoteAddr,
		Username:        pkt.Username,
		CleanStart:      pkt.CleanStart,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		KeepAlive:       pkt.KeepAlive,
		ConnectedAt:     time.Now(),
		State:           hook.ClientStateConnecting,
	}
	hookPkt := &hook.ConnectPacket{
		ProtocolName:    pkt.ProtocolName,
		ProtocolVersion: byte(pkt.ProtocolVersion),
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		ClientID:        clientID,
		Username:        pkt.Username,
		Password:        pkt.Password,
	}

	authMethod, authData := extendedAuthOf(pkt)
	if authMethod != "" {
		if h.cfg.ExtendedAuth == nil {
			return &ConnectOutcome{ReasonCode: encoding.ReasonBadAuthenticationMethod}, nil
		}

		outcome, authDataOut, err := h.cfg.ExtendedAuth.Start(ctx, client, false, authMethod, authData)
		if err != nil {
			return nil, err
		}

		switch outcome {
		case ExtendedAuthContinue:
			pending := session.New(clientID, pkt.CleanStart, sessionExpiryOf(pkt), byte(pkt.ProtocolVersion))
			pending.AuthMethod = authMethod
			pending.SetAuthenticating()

			props := encoding.Properties{}
			_ = props.AddProperty(encoding.PropAuthenticationMethod, authMethod)
			if len(authDataOut) > 0 {
				_ = props.AddProperty(encoding.PropAuthenticationData, authDataOut)
			}
			return &ConnectOutcome{
				ReasonCode:     encoding.ReasonContinueAuthentication,
				Authenticating: true,
				ClientID:       clientID,
				Session:        pending,
				Properties:     props,
			}, nil
		case ExtendedAuthFailure:
			return &ConnectOutcome{ReasonCode: encoding.ReasonNotAuthorized}, nil
		case ExtendedAuthNotSupported:
			return &ConnectOutcome{ReasonCode: encoding.ReasonBadAuthenticationMethod}, nil
		}
		// ExtendedAuthSuccess falls through to session establishment below;
		// extended auth having cleared the client, the username/password
		// hook is not consulted too.
	} else if h.cfg.Hooks != nil && !h.cfg.Hooks.OnConnectAuthenticate(client, hookPkt) {
		reason := encoding.ReasonNotAuthorized
		if pkt.UsernameFlag || pkt.PasswordFlag {
			reason = encoding.ReasonBadUsernameOrPassword
		}
		return &ConnectOutcome{ReasonCode: reason}, nil
	}

	if pkt.WillFlag && h.cfg.Hooks != nil && !h.cfg.Hooks.OnACLCheck(client, pkt.WillTopic, hook.AccessTypeWrite) {
		return &ConnectOutcome{ReasonCode: encoding.ReasonNotAuthorized}, nil
	}

	keepalive := pkt.KeepAlive
	props := encoding.Properties{}
	if h.cfg.MaxKeepAlive > 0 && (keepalive > h.cfg.MaxKeepAlive || keepalive == 0) {
		keepalive = h.cfg.MaxKeepAlive
		if pkt.ProtocolVersion == encoding.ProtocolVersion50 {
			_ = props.AddProperty(encoding.PropServerKeepAlive, keepalive)
		} else {
			// Pre-5 CONNACK has no channel to tell the client its keepalive
			// was overridden, so the connection is refused outright.
			return &ConnectOutcome{ReasonCode: encoding.ReasonClientIdentifierNotValid}, nil
		}
	}

	expiry := sessionExpiryOf(pkt)
	result, err := h.cfg.Registry.Establish(ctx, clientID, pkt.CleanStart, expiry, byte(pkt.ProtocolVersion))
	if err != nil {
		return nil, err
	}

	sess := result.Session
	sess.Username = pkt.Username
	sess.ProtocolVersion = byte(pkt.ProtocolVersion)

	if result.Stolen {
		filterMessagesByACL(h.cfg.Hooks, h.cfg.Registry.Pool(), client, sess)
	}

	if pkt.WillFlag {
		sess.SetWillMessage(&session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}, willDelayOf(pkt))
	}

	if pkt.ProtocolVersion == encoding.ProtocolVersion50 {
		if h.cfg.MaxTopicAlias > 0 {
			_ = props.AddProperty(encoding.PropTopicAliasMaximum, h.cfg.MaxTopicAlias)
		}
		if assigned {
			_ = props.AddProperty(encoding.PropAssignedClientIdentifier, clientID)
		}
	}

	return &ConnectOutcome{
		ReasonCode:       encoding.ReasonSuccess,
		SessionPresent:   result.SessionPresent,
		AssignedClientID: assigned,
		ClientID:         clientID,
		Session:          sess,
		Properties:       props,
	}, nil
}

// sessionExpiryOf derives the session expiry interval (seconds) pkt implies.
// MQTT 5 carries it explicitly as a property; for 3.1/3.1.1,
// clean_start==false means the session never expires (modeled as
// math.MaxUint32, matching the C context's UINT32_MAX sentinel) and
// clean_start==true means it expires the instant the connection drops.
func sessionExpiryOf(pkt *encoding.ConnectPacket) uint32 {
	if pkt.ProtocolVersion == encoding.ProtocolVersion50 {
		if p := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); p != nil {
			if v, ok := p.Value.(uint32); ok {
				return v
			}
		}
		return 0
	}
	if !pkt.CleanStart {
		return math.MaxUint32
	}
	return 0
}

// willDelayOf reads the MQTT 5 will delay interval property, defaulting to
// immediate publication for earlier protocol versions and absent properties.
func willDelayOf(pkt *encoding.ConnectPacket) uint32 {
	if pkt.ProtocolVersion != encoding.ProtocolVersion50 {
		return 0
	}
	if p := pkt.WillProperties.GetProperty(encoding.PropWillDelayInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			return v
		}
	}
	return 0
}

// extendedAuthOf reads the MQTT 5 auth_method/auth_data properties a CONNECT
// carries. Pre-5 connections never have them.
func extendedAuthOf(pkt *encoding.ConnectPacket) (method string, data []byte) {
	if pkt.ProtocolVersion != encoding.ProtocolVersion50 {
		return "", nil
	}
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationMethod); p != nil {
		if v, ok := p.Value.(string); ok {
			method = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationData); p != nil {
		if v, ok := p.Value.([]byte); ok {
			data = v
		}
	}
	return method, data
}

// filterMessagesByACL re-evaluates ACLs against a takeover's stolen message
// state, discarding anything the new identity may not access: outbound
// (broker-to-client) messages need read access to their topic, inbound
// (client-to-broker) ones need write access. Ported from the topic recheck
// connection_check_acl performs on a resumed session.
func filterMessagesByACL(hooks *hook.Manager, pool *store.MessageStore, client *hook.Client, sess *session.Session) {
	if hooks == nil || pool == nil {
		return
	}
	qos.DiscardIf(pool, sess.Out, func(msg *qos.ClientMsg) bool {
		return hooks.OnACLCheck(client, msg.Store.Topic, hook.AccessTypeRead)
	})
	qos.DiscardIf(pool, sess.In, func(msg *qos.ClientMsg) bool {
		return hooks.OnACLCheck(client, msg.Store.Topic, hook.AccessTypeWrite)
	})
}

const hexDigits = "0123456789abcdef"

// generateClientID synthesizes a client ID the way client_id_gen does: 16
// random bytes rendered as lowercase hex with dashes inserted at positions
// 8/13/18/23 (UUID-shaped, though never validated as a UUID), prefixed by
// prefix. Each byte's low nibble is written before its high nibble, matching
// the C function's nibble_to_hex(rnd[i] & 0x0F) / nibble_to_hex(rnd[i] >> 4)
// order exactly.
func generateClientID(prefix string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(prefix)+36)
	buf = append(buf, prefix...)

	pos := 0
	for _, b := range raw {
		buf = append(buf, hexDigits[b&0x0F], hexDigits[(b>>4)&0x0F])
		pos += 2
		if pos == 8 || pos == 13 || pos == 18 || pos == 23 {
			buf = append(buf, '-')
			pos++
		}
	}

	return string(buf), nil
}
