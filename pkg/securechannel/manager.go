// Package securechannel implements the Matter Secure Channel Protocol.
//
// The Manager coordinates PASE session establishment as the responder
// (commissionee) side, routes messages by opcode, and handles unsolicited
// status reports. CASE is out of scope for this core: a commissionee never
// initiates or resumes an operational session here.
//
// See Matter Specification Section 4.11.

package securechannel

import (
	"errors"
	"time"

	"github.com/mattersecure/core/pkg/securechannel/pase"
	"github.com/mattersecure/core/pkg/session"
)

// Constants for secure channel manager.
const (
	// DefaultBusyWaitTime is the default wait time in milliseconds for Busy responses.
	DefaultBusyWaitTime = 5000

	// HandshakeTimeout is the maximum duration for a handshake to complete.
	HandshakeTimeout = 60 * time.Second
)

// Errors returned by the Manager.
var (
	ErrNoHandler           = errors.New("securechannel: no handler for message type")
	ErrHandshakeInProgress = errors.New("securechannel: handshake already in progress")
	ErrNoActiveHandshake   = errors.New("securechannel: no active handshake")
	ErrSessionTableFull    = errors.New("securechannel: session table full")
	ErrInvalidOpcode       = errors.New("securechannel: invalid opcode for current state")
	ErrSessionClosed       = errors.New("securechannel: session closed by peer")
)

// Message represents a secure channel protocol message (request or response).
// It pairs an opcode with its payload for symmetric handling.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// NewMessage creates a new Message. Returns nil if payload is nil.
func NewMessage(opcode Opcode, payload []byte) *Message {
	if payload == nil {
		return nil
	}
	return &Message{Opcode: opcode, Payload: payload}
}

// Callbacks provides callback functions for Manager events.
type Callbacks struct {
	// OnSessionEstablished is called when a session is successfully established.
	// The callback receives the new secure context.
	OnSessionEstablished func(ctx *session.SecureContext)

	// OnSessionError is called when session establishment fails.
	// The callback receives the error and the stage at which it occurred.
	OnSessionError func(err error, stage string)

	// OnSessionClosed is called when a peer closes a session via CloseSession.
	// The callback receives the closed session's local ID.
	OnSessionClosed func(localSessionID uint16)

	// OnResponderBusy is called when an unsolicited Busy status report is
	// received on an already-established secure session.
	// The callback receives the minimum wait time in milliseconds.
	OnResponderBusy func(waitTimeMs uint16)
}

// ManagerConfig configures the secure channel Manager.
type ManagerConfig struct {
	// SessionManager manages secure session contexts.
	SessionManager *session.Manager

	// Callbacks for Manager events.
	Callbacks Callbacks
}

// handshakeContext tracks an active PASE handshake.
type handshakeContext struct {
	paseSession    *pase.Session
	localSessionID uint16
	peerSessionID  uint16
	startTime      time.Time
}

// paseResponderConfig holds PASE responder configuration.
type paseResponderConfig struct {
	verifier   *pase.Verifier
	salt       []byte
	iterations uint32
}

// Manager coordinates secure channel protocol operations for the responder
// (commissionee) role.
type Manager struct {
	config ManagerConfig

	// Active handshakes keyed by exchange ID
	handshakes map[uint16]*handshakeContext

	// PASE responder configuration (set when commissioning window is open)
	paseResponder *paseResponderConfig
}

// NewManager creates a new secure channel Manager.
func NewManager(config ManagerConfig) *Manager {
	return &Manager{
		config:     config,
		handshakes: make(map[uint16]*handshakeContext),
	}
}

// MessagePermitted returns true if the opcode is allowed during session establishment.
// This implements the SessionEstablishmentExchangeDispatch whitelist from the C reference.
func MessagePermitted(opcode Opcode) bool {
	switch opcode {
	case OpcodePBKDFParamRequest, OpcodePASEPake1, OpcodePASEPake3,
		OpcodeStandaloneAck, OpcodeStatusReport:
		return true
	default:
		return false
	}
}

// IsPASEOpcode returns true if the opcode is for PASE protocol.
func IsPASEOpcode(opcode Opcode) bool {
	switch opcode {
	case OpcodePBKDFParamRequest, OpcodePASEPake1, OpcodePASEPake3:
		return true
	default:
		return false
	}
}

// Route dispatches an incoming message to the appropriate handler.
// Returns the response message (opcode + payload) if any, and an error.
func (m *Manager) Route(exchangeID uint16, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, ErrInvalidOpcode
	}
	if !MessagePermitted(msg.Opcode) {
		return nil, ErrInvalidOpcode
	}

	switch {
	case IsPASEOpcode(msg.Opcode):
		return m.handlePASE(exchangeID, msg.Opcode, msg.Payload)
	case msg.Opcode == OpcodeStatusReport:
		return m.handleStatusReport(exchangeID, msg.Payload)
	case msg.Opcode == OpcodeStandaloneAck:
		// Standalone ACK - no response needed, handled by MRP layer
		return nil, nil
	default:
		return nil, ErrNoHandler
	}
}

// handlePASE routes PASE protocol messages.
func (m *Manager) handlePASE(exchangeID uint16, opcode Opcode, payload []byte) (*Message, error) {
	resp, secureCtx, err := m.handlePASEInternal(exchangeID, opcode, payload)
	if err != nil {
		return nil, err
	}

	if secureCtx != nil && m.config.Callbacks.OnSessionEstablished != nil {
		m.config.Callbacks.OnSessionEstablished(secureCtx)
	}

	return resp, nil
}

// handlePASEInternal handles PASE messages.
// Returns response, established session (if any), and error.
func (m *Manager) handlePASEInternal(exchangeID uint16, opcode Opcode, payload []byte) (*Message, *session.SecureContext, error) {
	ctx, exists := m.handshakes[exchangeID]

	switch opcode {
	case OpcodePBKDFParamRequest:
		// New PASE handshake
		if exists {
			// Already have a handshake on this exchange - send busy
			resp, err := m.sendBusyResponse()
			return resp, nil, err
		}
		resp, err := m.handlePBKDFParamRequest(exchangeID, payload)
		return resp, nil, err

	case OpcodePASEPake1:
		if !exists || ctx.paseSession == nil {
			return nil, nil, ErrNoActiveHandshake
		}
		resp, err := m.handlePake1(ctx, payload)
		return resp, nil, err

	case OpcodePASEPake3:
		if !exists || ctx.paseSession == nil {
			return nil, nil, ErrNoActiveHandshake
		}
		resp, needsComplete, err := m.handlePake3(ctx, payload)
		if err != nil {
			return nil, nil, err
		}
		if needsComplete {
			secureCtx, completeErr := m.completeHandshake(exchangeID, ctx)
			if completeErr != nil {
				return nil, nil, completeErr
			}
			return resp, secureCtx, nil
		}
		return resp, nil, nil

	default:
		return nil, nil, ErrInvalidOpcode
	}
}

// handleStatusReport processes an incoming StatusReport from the peer.
// A responder only ever sees this on a handshake failure: it never gets
// its own success status back, since it is the one that sends it.
func (m *Manager) handleStatusReport(exchangeID uint16, payload []byte) (*Message, error) {
	status, err := DecodeStatusReport(payload)
	if err != nil {
		return nil, err
	}

	ctx, exists := m.handshakes[exchangeID]
	if exists && !status.IsSuccess() {
		if ctx.paseSession != nil {
			ctx.paseSession.Fail()
		}
		m.cleanupHandshake(exchangeID)
		if m.config.Callbacks.OnSessionError != nil {
			m.config.Callbacks.OnSessionError(status, "StatusReport")
		}
	}

	return nil, nil
}

// sendBusyResponse creates a Busy StatusReport response.
func (m *Manager) sendBusyResponse() (*Message, error) {
	return NewMessage(OpcodeStatusReport, Busy(DefaultBusyWaitTime).Encode()), nil
}

// cleanupHandshake removes a handshake context.
func (m *Manager) cleanupHandshake(exchangeID uint16) {
	delete(m.handshakes, exchangeID)
}

// handlePBKDFParamRequest handles an incoming PBKDFParamRequest.
func (m *Manager) handlePBKDFParamRequest(exchangeID uint16, payload []byte) (*Message, error) {
	if m.paseResponder == nil {
		return nil, errors.New("securechannel: PASE responder not configured (commissioning window not open)")
	}

	localSessionID, err := m.config.SessionManager.AllocateSessionID()
	if err != nil {
		return nil, err
	}

	paseSession, err := pase.NewResponder(
		m.paseResponder.verifier,
		m.paseResponder.salt,
		m.paseResponder.iterations,
	)
	if err != nil {
		return nil, err
	}

	pbkdfResp, err := paseSession.HandlePBKDFParamRequest(payload, localSessionID)
	if err != nil {
		return nil, err
	}

	peerSessionID := paseSession.PeerSessionID()

	m.handshakes[exchangeID] = &handshakeContext{
		paseSession:    paseSession,
		localSessionID: localSessionID,
		peerSessionID:  peerSessionID,
		startTime:      time.Now(),
	}

	return NewMessage(OpcodePBKDFParamResponse, pbkdfResp), nil
}

// SetPASEResponder configures the Manager to respond to PASE requests.
// This must be called before receiving PBKDFParamRequest messages.
// Call ClearPASEResponder when the commissioning window closes.
func (m *Manager) SetPASEResponder(verifier *pase.Verifier, salt []byte, iterations uint32) error {
	if verifier == nil {
		return errors.New("securechannel: verifier is nil")
	}
	if len(salt) < pase.PBKDFMinSaltLength || len(salt) > pase.PBKDFMaxSaltLength {
		return errors.New("securechannel: invalid salt length")
	}
	if iterations < pase.PBKDFMinIterations || iterations > pase.PBKDFMaxIterations {
		return errors.New("securechannel: invalid iteration count")
	}

	m.paseResponder = &paseResponderConfig{
		verifier:   verifier,
		salt:       salt,
		iterations: iterations,
	}
	return nil
}

// ClearPASEResponder clears the PASE responder configuration.
// Call this when the commissioning window closes.
func (m *Manager) ClearPASEResponder() {
	m.paseResponder = nil
}

// HasPASEResponder returns true if PASE responder is configured.
func (m *Manager) HasPASEResponder() bool {
	return m.paseResponder != nil
}

// handlePake1 handles a Pake1 message.
func (m *Manager) handlePake1(ctx *handshakeContext, payload []byte) (*Message, error) {
	pake2, err := ctx.paseSession.HandlePake1(payload)
	if err != nil {
		return nil, err
	}
	return NewMessage(OpcodePASEPake2, pake2), nil
}

// handlePake3 handles a Pake3 message.
// Returns the response message and a flag indicating if handshake should be completed.
func (m *Manager) handlePake3(ctx *handshakeContext, payload []byte) (*Message, bool, error) {
	_, success, err := ctx.paseSession.HandlePake3(payload)
	if err != nil {
		return nil, false, err
	}

	if !success {
		return nil, false, errors.New("securechannel: PASE confirmation failed")
	}

	needsComplete := ctx.paseSession.State() == pase.StateComplete

	return NewMessage(OpcodeStatusReport, Success().Encode()), needsComplete, nil
}

// completeHandshake creates the secure session context and registers it
// with the session manager.
func (m *Manager) completeHandshake(exchangeID uint16, ctx *handshakeContext) (*session.SecureContext, error) {
	secureCtx, err := m.completePASESession(ctx)
	if err != nil {
		if m.config.Callbacks.OnSessionError != nil {
			m.config.Callbacks.OnSessionError(err, "CompleteHandshake")
		}
		m.cleanupHandshake(exchangeID)
		return nil, err
	}

	if err := m.config.SessionManager.AddSecureContext(secureCtx); err != nil {
		if m.config.Callbacks.OnSessionError != nil {
			m.config.Callbacks.OnSessionError(err, "AddSecureContext")
		}
		m.cleanupHandshake(exchangeID)
		return nil, err
	}

	m.cleanupHandshake(exchangeID)

	return secureCtx, nil
}

// completePASESession creates a SecureContext from a completed PASE session.
func (m *Manager) completePASESession(ctx *handshakeContext) (*session.SecureContext, error) {
	keys := ctx.paseSession.SessionKeys()
	if keys == nil {
		return nil, errors.New("securechannel: PASE session keys not ready")
	}

	config := session.SecureContextConfig{
		SessionType:    session.SessionTypePASE,
		Role:           session.SessionRoleResponder,
		LocalSessionID: ctx.localSessionID,
		PeerSessionID:  ctx.peerSessionID,
		I2RKey:         keys.I2RKey[:],
		R2IKey:         keys.R2IKey[:],
		FabricIndex:    0, // PASE sessions have no fabric initially
		PeerNodeID:     0, // PASE sessions have unspecified node ID
		LocalNodeID:    0, // PASE sessions have unspecified node ID
	}

	return session.NewSecureContext(config)
}

// HasActiveHandshake returns true if there's an active handshake on the exchange.
func (m *Manager) HasActiveHandshake(exchangeID uint16) bool {
	_, exists := m.handshakes[exchangeID]
	return exists
}

// CleanupExpiredHandshakes removes handshakes that have timed out.
func (m *Manager) CleanupExpiredHandshakes() {
	now := time.Now()
	for exchangeID, ctx := range m.handshakes {
		if now.Sub(ctx.startTime) > HandshakeTimeout {
			delete(m.handshakes, exchangeID)
			if m.config.Callbacks.OnSessionError != nil {
				m.config.Callbacks.OnSessionError(errors.New("handshake timeout"), "Timeout")
			}
		}
	}
}

// ActiveHandshakeCount returns the number of active handshakes.
func (m *Manager) ActiveHandshakeCount() int {
	return len(m.handshakes)
}
