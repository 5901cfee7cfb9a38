package core

import (
	"crypto/rand"
	"errors"
	"net"
	"time"

	"github.com/mattersecure/core/pkg/securechannel/pase"
	"github.com/pion/logging"
)

// ErrNoConn is returned by Config.Validate when no packet connection was
// supplied.
var ErrNoConn = errors.New("core: packet connection is required")

// DefaultPBKDFIterations is the default PBKDF2 iteration count used to
// derive the PASE verifier from the setup passcode. The spec's floor is
// 1000; this core defaults higher since a real commissionee has no
// interactive latency budget to protect.
const DefaultPBKDFIterations = 2000

// DefaultSaltSize is the size, in bytes, of a randomly generated PBKDF salt.
const DefaultSaltSize = 32

// DefaultPollInterval is how often the reactor loop wakes up (absent a
// received datagram) to drive MRP retransmission/ack deadlines.
const DefaultPollInterval = 100 * time.Millisecond

// Config configures a Node.
type Config struct {
	// Passcode is the 27-bit setup passcode (0-99999999) commissioners use
	// to establish a PASE session with this node. Required.
	Passcode uint32

	// Salt is the PBKDF salt used to derive the PASE verifier. A random
	// salt of DefaultSaltSize bytes is generated if nil.
	Salt []byte

	// PBKDFIterations is the PBKDF2 iteration count used to derive the PASE
	// verifier. Defaults to DefaultPBKDFIterations.
	PBKDFIterations uint32

	// Conn is the packet connection the node reads datagrams from and
	// writes responses to. Required.
	Conn net.PacketConn

	// MaxSessions limits the number of concurrent secure sessions.
	// Defaults to session.DefaultMaxSessions.
	MaxSessions int

	// MaxUnsecuredContexts limits the number of concurrent in-progress PASE
	// handshakes. Defaults to session.DefaultMaxUnsecuredContexts.
	MaxUnsecuredContexts int

	// MaxGroupPeers limits the number of tracked group message senders.
	// Defaults to session.DefaultMaxGroupPeers.
	MaxGroupPeers int

	// PollInterval is how often Run wakes up to drive MRP deadlines when no
	// datagram has arrived. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// LoggerFactory builds the node's logger. A nil factory means no
	// logging.
	LoggerFactory logging.LoggerFactory
}

// Validate checks required fields and returns an error describing the
// first problem found.
func (c *Config) Validate() error {
	if c.Conn == nil {
		return ErrNoConn
	}
	if err := pase.ValidatePasscode(c.Passcode); err != nil {
		return err
	}
	return nil
}

// applyDefaults fills in zero-valued optional fields, generating a random
// salt if one wasn't supplied.
func (c *Config) applyDefaults() error {
	if c.PBKDFIterations == 0 {
		c.PBKDFIterations = DefaultPBKDFIterations
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Salt == nil {
		salt := make([]byte, DefaultSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		c.Salt = salt
	}
	return nil
}
