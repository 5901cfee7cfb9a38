package core

import (
	"github.com/mattersecure/core/pkg/exchange"
	"github.com/mattersecure/core/pkg/message"
	"github.com/mattersecure/core/pkg/securechannel"
)

// secureChannelHandler adapts securechannel.Manager to exchange.ProtocolHandler.
// It routes every secure-channel opcode (PBKDFParamRequest, Pake1, Pake3,
// StatusReport) through Manager.Route and sends the response itself, since
// a PASE response almost never shares the request's opcode (PBKDFParamResponse
// answers PBKDFParamRequest, Pake2 answers Pake1, a StatusReport answers
// Pake3) and the exchange layer's generic reply path reuses the request's
// opcode.
type secureChannelHandler struct {
	manager     *securechannel.Manager
	unsolicited *securechannel.UnsolicitedHandler
}

func newSecureChannelHandler(manager *securechannel.Manager, unsolicited *securechannel.UnsolicitedHandler) *secureChannelHandler {
	return &secureChannelHandler{manager: manager, unsolicited: unsolicited}
}

// route dispatches a secure-channel message. A StatusReport arriving on an
// already-established secure session (LocalSessionID != 0) is not part of
// any handshake Manager.Route tracks -- it's a CloseSession or Busy report
// sent over the operational session, handled by UnsolicitedHandler instead.
func (h *secureChannelHandler) route(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	if securechannel.Opcode(opcode) == securechannel.OpcodeStatusReport && ctx.LocalSessionID() != 0 {
		status, err := securechannel.DecodeStatusReport(payload)
		if err != nil {
			return nil, err
		}
		h.unsolicited.HandleStatusReport(ctx.LocalSessionID(), status)
		return nil, nil
	}

	resp, err := h.manager.Route(ctx.ID, securechannel.NewMessage(securechannel.Opcode(opcode), payload))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if err := ctx.SendMessage(uint8(resp.Opcode), resp.Payload, true); err != nil {
		return nil, err
	}
	return nil, nil
}

// OnMessage implements exchange.ProtocolHandler for messages arriving on an
// exchange already bound to secureChannelDelegate.
func (h *secureChannelHandler) OnMessage(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	return h.route(ctx, opcode, payload)
}

// OnUnsolicited implements exchange.ProtocolHandler for the PBKDFParamRequest
// that opens a PASE handshake. It also binds the exchange's delegate so the
// rest of the handshake (Pake1, Pake3) dispatches back through this handler
// instead of being dropped once the exchange already exists.
func (h *secureChannelHandler) OnUnsolicited(ctx *exchange.ExchangeContext, opcode uint8, payload []byte) ([]byte, error) {
	ctx.SetDelegate(&secureChannelDelegate{handler: h})
	return h.route(ctx, opcode, payload)
}

var _ exchange.ProtocolHandler = (*secureChannelHandler)(nil)

// secureChannelDelegate adapts secureChannelHandler to exchange.ExchangeDelegate
// so a single in-progress PASE handshake keeps routing through the same
// securechannel.Manager once its exchange exists.
type secureChannelDelegate struct {
	handler *secureChannelHandler
}

func (d *secureChannelDelegate) OnMessage(ctx *exchange.ExchangeContext, header *message.ProtocolHeader, payload []byte) ([]byte, error) {
	return d.handler.route(ctx, header.ProtocolOpcode, payload)
}

func (d *secureChannelDelegate) OnClose(ctx *exchange.ExchangeContext) {}

var _ exchange.ExchangeDelegate = (*secureChannelDelegate)(nil)
