package core

import (
	"context"
	"time"

	"github.com/mattersecure/core/pkg/exchange"
	"github.com/mattersecure/core/pkg/message"
	"github.com/mattersecure/core/pkg/securechannel"
	"github.com/mattersecure/core/pkg/securechannel/pase"
	"github.com/mattersecure/core/pkg/session"
	"github.com/mattersecure/core/pkg/transport"
	"github.com/pion/logging"
)

// Node wires the session, exchange and secure-channel layers into a single
// PASE responder (commissionee) and drives them from one reactor goroutine.
//
// Per spec.md Section 5, exactly one goroutine ever touches the session
// table, the exchange table or MRP's ack/retransmit tables: the goroutine
// that calls Run. Node owns that rule by construction rather than by
// convention -- nothing in this package exposes the underlying managers for
// a caller to reach into from elsewhere.
type Node struct {
	config Config
	log    logging.LeveledLogger

	sessionMgr   *session.Manager
	transportMgr *transport.Manager
	exchangeMgr  *exchange.Manager
	scMgr        *securechannel.Manager

	incoming chan *transport.ReceivedMessage
}

// NewNode creates a Node from config, wiring the session, exchange and
// secure-channel managers together and deriving the PASE verifier from the
// configured passcode. The node is not yet receiving; call Run to start the
// reactor loop.
func NewNode(config Config) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}

	n := &Node{
		config:   config,
		incoming: make(chan *transport.ReceivedMessage, 64),
	}

	if config.LoggerFactory != nil {
		n.log = config.LoggerFactory.NewLogger("core")
	}

	n.sessionMgr = session.NewManager(session.ManagerConfig{
		MaxSessions:          config.MaxSessions,
		MaxUnsecuredContexts: config.MaxUnsecuredContexts,
		MaxGroupPeers:        config.MaxGroupPeers,
	})

	transportMgr, err := transport.NewManager(transport.ManagerConfig{
		Conn:           config.Conn,
		MessageHandler: n.onReceive,
	})
	if err != nil {
		return nil, err
	}
	n.transportMgr = transportMgr

	n.exchangeMgr = exchange.NewManager(exchange.ManagerConfig{
		SessionManager:   n.sessionMgr,
		TransportManager: n.transportMgr,
	})

	n.sessionMgr.SetSecureEvictionCallback(n.onSecureSessionEvicted)
	n.sessionMgr.SetUnsecuredEvictionCallback(n.onUnsecuredContextEvicted)

	verifier, err := pase.GenerateVerifier(config.Passcode, config.Salt, config.PBKDFIterations)
	if err != nil {
		return nil, err
	}

	callbacks := securechannel.Callbacks{
		OnSessionEstablished: n.onSessionEstablished,
		OnSessionError:       n.onSessionError,
		OnSessionClosed:      n.onSessionClosed,
		OnResponderBusy:      n.onResponderBusy,
	}

	n.scMgr = securechannel.NewManager(securechannel.ManagerConfig{
		SessionManager: n.sessionMgr,
		Callbacks:      callbacks,
	})
	if err := n.scMgr.SetPASEResponder(verifier, config.Salt, config.PBKDFIterations); err != nil {
		return nil, err
	}

	unsolicited := securechannel.NewUnsolicitedHandler(n.sessionMgr, callbacks)
	n.exchangeMgr.RegisterProtocol(message.ProtocolSecureChannel, newSecureChannelHandler(n.scMgr, unsolicited))

	return n, nil
}

// onReceive is the transport.MessageHandler. It runs on the transport
// manager's background read goroutine, so it only ever hands the datagram
// off to the reactor goroutine via a channel -- it must never touch the
// session/exchange/secure-channel managers directly.
func (n *Node) onReceive(msg *transport.ReceivedMessage) {
	select {
	case n.incoming <- msg:
	default:
		if n.log != nil {
			n.log.Warnf("reactor backlog full, dropping datagram from %s", msg.PeerAddr)
		}
	}
}

func (n *Node) onSessionEstablished(ctx *session.SecureContext) {
	if n.log != nil {
		n.log.Infof("session established: local=%d", ctx.LocalSessionID())
	}
}

func (n *Node) onSessionError(err error, stage string) {
	if n.log != nil {
		n.log.Warnf("session establishment failed at %s: %v", stage, err)
	}
}

func (n *Node) onSessionClosed(localSessionID uint16) {
	if n.log != nil {
		n.log.Infof("session closed: local=%d", localSessionID)
	}
}

func (n *Node) onResponderBusy(waitTimeMs uint16) {
	if n.log != nil {
		n.log.Infof("peer reported busy, retry after %dms", waitTimeMs)
	}
}

// onSecureSessionEvicted is the session table's LRU-eviction callback. It
// runs synchronously, before the evicted session's keys are zeroized, so
// the CloseSession status report can still be encrypted under it.
func (n *Node) onSecureSessionEvicted(ctx *session.SecureContext) {
	localSessionID := ctx.LocalSessionID()
	n.exchangeMgr.CloseExchangesForSession(ctx, securechannel.SendCloseSession())
	if n.log != nil {
		n.log.Infof("session evicted: local=%d", localSessionID)
	}
}

// onUnsecuredContextEvicted is the unsecured-context table's LRU-eviction
// callback. There is no encrypted channel to report closure over, so only
// the handshake's in-progress exchange (if any) is purged.
func (n *Node) onUnsecuredContextEvicted(ctx *session.UnsecuredContext) {
	n.exchangeMgr.CloseExchangesForSession(ctx, nil)
}

// Run starts the transport and blocks as the node's reactor loop: reading
// datagrams, dispatching them through the exchange/secure-channel layers,
// and polling MRP deadlines, until ctx is cancelled. Run returns ctx's
// error on cancellation, or a transport startup error.
func (n *Node) Run(ctx context.Context) error {
	if err := n.transportMgr.Start(); err != nil {
		return err
	}
	defer n.transportMgr.Stop()
	defer n.exchangeMgr.Close()

	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-n.incoming:
			if err := n.exchangeMgr.OnMessageReceived(msg); err != nil && n.log != nil {
				n.log.Warnf("dropping message from %s: %v", msg.PeerAddr, err)
			}
			n.exchangeMgr.Poll(time.Now())

		case now := <-ticker.C:
			n.exchangeMgr.Poll(now)
			n.scMgr.CleanupExpiredHandshakes()
		}
	}
}
