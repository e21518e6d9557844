package sip

import (
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// sipPeer implements bridge.SIPPeer on top of a single inbound INVITE's
// server transaction. One sipPeer exists per call; it outlives the
// initial transaction so BYE can still be sent after the dialog is
// established.
type sipPeer struct {
	req    *sip.Request
	tx     sip.ServerTransaction
	ua     *sipgo.UserAgent
	logger *slog.Logger
}

func newSIPPeer(req *sip.Request, tx sip.ServerTransaction, ua *sipgo.UserAgent, logger *slog.Logger) *sipPeer {
	return &sipPeer{req: req, tx: tx, ua: ua, logger: logger}
}

func (p *sipPeer) CallID() string {
	return callIDOf(p.req)
}

func (p *sipPeer) CallerIDNum() string {
	if from := p.req.From(); from != nil {
		return from.Address.User
	}
	return ""
}

func (p *sipPeer) CallerIDName() string {
	if from := p.req.From(); from != nil {
		return from.DisplayName
	}
	return ""
}

func (p *sipPeer) OfferSDP() []byte {
	return p.req.Body()
}

func (p *sipPeer) RemoteAddr() string {
	return p.req.Source()
}

func (p *sipPeer) SendRinging() error {
	res := sip.NewResponseFromRequest(p.req, 180, "Ringing", nil)
	return p.tx.Respond(res)
}

func (p *sipPeer) SendAnswer(sdpBody []byte) error {
	res := sip.NewResponseFromRequest(p.req, 200, "OK", sdpBody)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	return p.tx.Respond(res)
}

// SendBye sends an in-dialog BYE toward the caller. Since the bridge is
// the UAS for the original INVITE, the From/To headers are swapped
// relative to that INVITE: what was To becomes From, and vice versa.
func (p *sipPeer) SendBye(cause string) error {
	recipient := &p.req.Recipient
	if contact := p.req.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = p.req.SipVersion

	if h := p.req.To(); h != nil {
		fromHeader := h.AsFrom()
		bye.AppendHeader(&fromHeader)
	}
	if h := p.req.From(); h != nil {
		toHeader := h.AsTo()
		bye.AppendHeader(&toHeader)
	}
	if h := p.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	cseq := &sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	bye.AppendHeader(cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.SetTransport(p.req.Transport())
	bye.SetSource(p.req.Source())

	client, err := sipgo.NewClient(p.ua)
	if err != nil {
		p.logger.Warn("creating sip client for bye failed", "error", err, "cause", cause)
		return err
	}
	return client.WriteRequest(bye)
}
