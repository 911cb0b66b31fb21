package path

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/llarp-go/llarp-go/internal/bencode"
)

// MessagePadSize pads routing-layer messages before encryption so
// their length doesn't leak which verb was sent, per spec.md §4.4.4.
const MessagePadSize = 128

// ProtocolVersion is compared against every inbound routing message's
// "V" field; a mismatch is rejected outright.
const ProtocolVersion = 0

// RoutingMessage is any of the routing-layer verbs a Path/TransitHop
// dispatches, per spec.md §4.4.4's table. Grounded in shape on
// original_source/llarp/routing/message.hpp's IMessage (a `From`
// PathID plus a sequence number riding under an externally-tagged
// bencode dict) — this pack's original_source doesn't carry the
// concrete BEncode bodies for most of these verbs, so their field
// layouts below are this module's own, built in the same
// single-letter-key style as pkg/dht and pkg/rc.
type RoutingMessage interface {
	Kind() byte
	Encode() []byte
}

const (
	KindPathConfirm     = 'C'
	KindPathLatency     = 'L'
	KindDataDiscard     = 'D'
	KindObtainExit      = 'X'
	KindUpdateExit      = 'U'
	KindUpdateExitReply = 'V'
	KindGrantExit       = 'G'
	KindRejectExit      = 'J'
	KindCloseExit       = 'E'
	KindTransferTraffic = 'T'
	KindHiddenService   = 'H'
	KindDHT             = 'Y'
)

func baseDict(kind byte, from ID, seq uint64) *bencode.Dict {
	return bencode.NewDict().
		PutString("A", string(kind)).
		PutBytes("F", from.Bytes()).
		PutInt("S", int64(seq)).
		PutInt("V", int64(ProtocolVersion))
}

// PathConfirmMessage completes a build and carries the negotiated
// lifetime back to the owner, per spec.md §4.4.2.
type PathConfirmMessage struct {
	From        ID
	Seq         uint64
	PathLifetime int64
	PathCreated  int64
}

func (m *PathConfirmMessage) Kind() byte { return KindPathConfirm }
func (m *PathConfirmMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("l", m.PathLifetime).
		PutInt("c", m.PathCreated).
		Encode()
}

// PathLatencyMessage carries a latency probe (request with T set, 0
// latency) or its reply (T echoed, Latency set), per spec.md §4.4.2's
// "a PathLatency probe is sent".
type PathLatencyMessage struct {
	From    ID
	Seq     uint64
	TxID    uint64
	Latency int64 // milliseconds; 0 on the request leg
}

func (m *PathLatencyMessage) Kind() byte { return KindPathLatency }
func (m *PathLatencyMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("t", int64(m.TxID)).
		PutInt("l", m.Latency).
		Encode()
}

// DataDiscardMessage notifies the drop-handler with (path, pathID, seq)
// per spec.md §4.4.4.
type DataDiscardMessage struct {
	From ID
	Seq  uint64
	PathID ID
}

func (m *DataDiscardMessage) Kind() byte { return KindDataDiscard }
func (m *DataDiscardMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutBytes("p", m.PathID.Bytes()).
		Encode()
}

// ObtainExitMessage requests exit egress over this path, signed by the
// endpoint's long-term key so a TransitHop can verify it without
// trusting the immediate sender.
type ObtainExitMessage struct {
	From      ID
	Seq       uint64
	TxID      uint64
	EndpointPubKey []byte
	Signature []byte
}

func (m *ObtainExitMessage) Kind() byte { return KindObtainExit }
func (m *ObtainExitMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("t", int64(m.TxID)).
		PutBytes("e", m.EndpointPubKey).
		PutBytes("s", m.Signature).
		Encode()
}

// Verify checks the ObtainExit signature over the bencoded dict
// {f: From, t: TxID}, per
// spec.md §4.4.4's "verify signature using endpoint pubkey".
func (m *ObtainExitMessage) Verify() bool {
	if len(m.EndpointPubKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(m.EndpointPubKey), signedObtainExitBody(m.From, m.TxID), m.Signature)
}

func signedObtainExitBody(from ID, txid uint64) []byte {
	d := bencode.NewDict().PutBytes("f", from.Bytes()).PutInt("t", int64(txid))
	return d.Encode()
}

// GrantExitMessage unlocks the Exit role on a successful TX match.
type GrantExitMessage struct {
	From ID
	Seq  uint64
	TxID uint64
}

func (m *GrantExitMessage) Kind() byte { return KindGrantExit }
func (m *GrantExitMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).PutInt("t", int64(m.TxID)).Encode()
}

// RejectExitMessage propagates failure to outstanding obtain hooks.
type RejectExitMessage struct {
	From   ID
	Seq    uint64
	TxID   uint64
	Reason string
}

func (m *RejectExitMessage) Kind() byte { return KindRejectExit }
func (m *RejectExitMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("t", int64(m.TxID)).
		PutString("r", m.Reason).
		Encode()
}

// UpdateExitMessage requests the exit be rebound to a different path
// (e.g. after an owner rebuild).
type UpdateExitMessage struct {
	From   ID
	Seq    uint64
	TxID   uint64
	NewPathID ID
}

func (m *UpdateExitMessage) Kind() byte { return KindUpdateExit }
func (m *UpdateExitMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("t", int64(m.TxID)).
		PutBytes("p", m.NewPathID.Bytes()).
		Encode()
}

// UpdateExitVerifyMessage is the exit's reply confirming (or rejecting)
// an UpdateExitMessage.
type UpdateExitVerifyMessage struct {
	From    ID
	Seq     uint64
	TxID    uint64
	Success bool
}

func (m *UpdateExitVerifyMessage) Kind() byte { return KindUpdateExitReply }
func (m *UpdateExitVerifyMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("t", int64(m.TxID)).
		PutInt("k", boolInt(m.Success)).
		Encode()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// CloseExitMessage tears down exit egress on this path.
type CloseExitMessage struct {
	From      ID
	Seq       uint64
	Signature []byte
}

func (m *CloseExitMessage) Kind() byte { return KindCloseExit }
func (m *CloseExitMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).PutBytes("s", m.Signature).Encode()
}

// TransferTrafficMessage carries exit-bound/exit-sourced packets,
// demultiplexed by an 8-byte counter prefix per spec.md §4.4.4.
type TransferTrafficMessage struct {
	From    ID
	Seq     uint64
	Counter uint64
	Data    []byte
}

func (m *TransferTrafficMessage) Kind() byte { return KindTransferTraffic }
func (m *TransferTrafficMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).
		PutInt("c", int64(m.Counter)).
		PutBytes("d", m.Data).
		Encode()
}

// HiddenServiceFrame forwards an opaque service-protocol frame to the
// service-endpoint handler without the path subsystem interpreting it.
type HiddenServiceFrame struct {
	From ID
	Seq  uint64
	Data []byte
}

func (m *HiddenServiceFrame) Kind() byte { return KindHiddenService }
func (m *HiddenServiceFrame) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).PutBytes("d", m.Data).Encode()
}

// DHTRoutingMessage wraps a pkg/dht FindRouter/GotRouter bencode buffer
// so it can travel as one routing-layer verb, per spec.md §4.4.4's "DHT
// — Forward to DHT component; route replies back as DHT reply".
type DHTRoutingMessage struct {
	From    ID
	Seq     uint64
	Payload []byte // an already-encoded pkg/dht message
}

func (m *DHTRoutingMessage) Kind() byte { return KindDHT }
func (m *DHTRoutingMessage) Encode() []byte {
	return baseDict(m.Kind(), m.From, m.Seq).PutBytes("d", m.Payload).Encode()
}

// Pad appends random bytes up to MessagePadSize, per spec.md §4.4.4.
func Pad(buf []byte) []byte {
	if len(buf) >= MessagePadSize {
		return buf
	}
	padding := make([]byte, MessagePadSize-len(buf))
	_, _ = rand.Read(padding)
	return append(buf, padding...)
}

// DecodeRoutingMessage inspects the "A" tag and decodes buf into the
// matching concrete RoutingMessage type.
func DecodeRoutingMessage(buf []byte) (RoutingMessage, error) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		return nil, err
	}
	tag, ok := d.GetBytes("A")
	if !ok || len(tag) != 1 {
		return nil, bencode.ErrBadFormat
	}
	from, _ := d.GetBytes("F")
	fromID, _ := IDFromBytes(from)
	seq, _ := d.GetInt("S")
	if v, ok := d.GetInt("V"); !ok || v != ProtocolVersion {
		return nil, bencode.ErrBadFormat
	}

	switch tag[0] {
	case KindPathConfirm:
		l, _ := d.GetInt("l")
		c, _ := d.GetInt("c")
		return &PathConfirmMessage{From: fromID, Seq: uint64(seq), PathLifetime: l, PathCreated: c}, nil
	case KindPathLatency:
		txid, _ := d.GetInt("t")
		lat, _ := d.GetInt("l")
		return &PathLatencyMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid), Latency: lat}, nil
	case KindDataDiscard:
		p, _ := d.GetBytes("p")
		pid, _ := IDFromBytes(p)
		return &DataDiscardMessage{From: fromID, Seq: uint64(seq), PathID: pid}, nil
	case KindObtainExit:
		txid, _ := d.GetInt("t")
		ep, _ := d.GetBytes("e")
		sig, _ := d.GetBytes("s")
		return &ObtainExitMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid), EndpointPubKey: ep, Signature: sig}, nil
	case KindGrantExit:
		txid, _ := d.GetInt("t")
		return &GrantExitMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid)}, nil
	case KindRejectExit:
		txid, _ := d.GetInt("t")
		reason, _ := d.GetBytes("r")
		return &RejectExitMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid), Reason: string(reason)}, nil
	case KindUpdateExit:
		txid, _ := d.GetInt("t")
		p, _ := d.GetBytes("p")
		pid, _ := IDFromBytes(p)
		return &UpdateExitMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid), NewPathID: pid}, nil
	case KindUpdateExitReply:
		txid, _ := d.GetInt("t")
		k, _ := d.GetInt("k")
		return &UpdateExitVerifyMessage{From: fromID, Seq: uint64(seq), TxID: uint64(txid), Success: k != 0}, nil
	case KindCloseExit:
		sig, _ := d.GetBytes("s")
		return &CloseExitMessage{From: fromID, Seq: uint64(seq), Signature: sig}, nil
	case KindTransferTraffic:
		c, _ := d.GetInt("c")
		data, _ := d.GetBytes("d")
		return &TransferTrafficMessage{From: fromID, Seq: uint64(seq), Counter: uint64(c), Data: data}, nil
	case KindHiddenService:
		data, _ := d.GetBytes("d")
		return &HiddenServiceFrame{From: fromID, Seq: uint64(seq), Data: data}, nil
	case KindDHT:
		data, _ := d.GetBytes("d")
		return &DHTRoutingMessage{From: fromID, Seq: uint64(seq), Payload: data}, nil
	default:
		return nil, bencode.ErrBadFormat
	}
}
