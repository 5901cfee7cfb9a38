// Package pase implements the responder (commissionee) side of Passcode-
// Authenticated Session Establishment (PASE).
//
// PASE establishes the first secure session between a Commissioner (initiator)
// and a Commissionee (responder) using a shared passcode, via the SPAKE2+
// protocol. This core only ever plays the Commissionee: it holds a verifier
// derived from the passcode, not the passcode itself, and never initiates a
// handshake.
//
// See Matter Specification Section 4.14.1.
//
// # Protocol Flow
//
//	Commissioner (out of scope)           Session (Commissionee)
//	----------------------------          ----------------------
//	                          ------>      HandlePBKDFParamRequest(req)
//	                          <------      resp (PBKDFParamResponse)
//	                          ------>      HandlePake1(pake1)
//	                          <------      pake2 (Pake2)
//	                          ------>      HandlePake3(pake3)
//	                          <------      statusReport
//	                                       Complete!
//
// # Usage
//
//	verifier, err := pase.GenerateVerifier(passcode, salt, iterations)
//	session, err := pase.NewResponder(verifier, salt, iterations)
//	// receive pbkdfReq
//	resp, err := session.HandlePBKDFParamRequest(pbkdfReq, localSessionID)
//	// send resp, receive pake1
//	pake2, err := session.HandlePake1(pake1)
//	// send pake2, receive pake3
//	_, success, err := session.HandlePake3(pake3)
//	// on success, send a success StatusReport
//	keys := session.SessionKeys()
package pase

import (
	"errors"
)

// Protocol constants.
const (
	// ContextPrefix is the context string for SPAKE2+ transcript.
	// Note: It's "PAKE" not "PASE" per the C reference implementation.
	ContextPrefix = "CHIP PAKE V1 Commissioning"

	// RandomSize is the size of random values in PBKDF messages.
	RandomSize = 32

	// DefaultPasscodeID is the default passcode ID (always 0).
	DefaultPasscodeID = 0

	// SessionKeySize is the size of I2R/R2I keys.
	SessionKeySize = 16

	// AttestationChallengeSize is the size of the attestation challenge.
	AttestationChallengeSize = 16
)

// PBKDF parameter constraints (Section 3.9).
const (
	PBKDFMinSaltLength = 16
	PBKDFMaxSaltLength = 32
	PBKDFMinIterations = 1000
	PBKDFMaxIterations = 100000
)

// Errors.
var (
	ErrInvalidState       = errors.New("pase: invalid protocol state")
	ErrInvalidMessage     = errors.New("pase: invalid message")
	ErrInvalidPasscode    = errors.New("pase: invalid passcode")
	ErrInvalidSalt        = errors.New("pase: invalid salt length")
	ErrInvalidIterations  = errors.New("pase: invalid iteration count")
	ErrInvalidPasscodeID  = errors.New("pase: invalid passcode ID")
	ErrInvalidRandom      = errors.New("pase: invalid random value")
	ErrConfirmationFailed = errors.New("pase: key confirmation failed")
	ErrSessionNotReady    = errors.New("pase: session not ready")
)

// SessionKeys contains the derived session encryption keys.
type SessionKeys struct {
	I2RKey               [SessionKeySize]byte          // Initiator-to-Responder key
	R2IKey               [SessionKeySize]byte          // Responder-to-Initiator key
	AttestationChallenge [AttestationChallengeSize]byte // For device attestation
}
