package dht

import (
	"github.com/llarp-go/llarp-go/internal/bencode"
	"github.com/llarp-go/llarp-go/pkg/rc"
)

// MessageVersion is the DHT wire version, bumped if the bencode
// message shape ever changes.
const MessageVersion = 0

// FindRouterMessage asks the recipient to resolve K to an RC, either
// locally or by forwarding the lookup on, per
// original_source/llarp/dht/messages/findrouter.cpp's FindRouterMessage.
type FindRouterMessage struct {
	Key         Key
	TxID        uint64
	Exploritory bool
	Iterative   bool
	Version     uint64
}

// Encode serializes the message using the original's single-letter
// bencode keys: A (message tag "R"), E, I, K, T, V.
func (m *FindRouterMessage) Encode() []byte {
	d := bencode.NewDict().
		PutString("A", "R").
		PutInt("E", boolInt(m.Exploritory)).
		PutInt("I", boolInt(m.Iterative)).
		PutBytes("K", m.Key.Bytes()).
		PutInt("T", int64(m.TxID)).
		PutInt("V", int64(m.Version))
	return d.Encode()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// DecodeFindRouterMessage parses a FindRouterMessage. The caller must
// already have checked the "A" tag is "R".
func DecodeFindRouterMessage(d *bencode.Dict) (*FindRouterMessage, error) {
	kb, ok := d.GetBytes("K")
	if !ok {
		return nil, bencode.ErrKeyNotFound
	}
	k, ok := KeyFromBytes(kb)
	if !ok {
		return nil, bencode.ErrBadFormat
	}
	txid, _ := d.GetInt("T")
	e, _ := d.GetInt("E")
	i, _ := d.GetInt("I")
	v, _ := d.GetInt("V")
	return &FindRouterMessage{
		Key:         k,
		TxID:        uint64(txid),
		Exploritory: e != 0,
		Iterative:   i != 0,
		Version:     uint64(v),
	}, nil
}

// GotRouterMessage carries the result of a FindRouterMessage: zero or
// more RCs (zero meaning "not found"). Wire shape per spec.md §4.3's
// message set: `GotRouter {A:"S", K:target, T:txid, R:[RC,…],
// N:morefollows?}`.
type GotRouterMessage struct {
	Key     Key
	TxID    uint64
	Results []*rc.RouterContact
	// MoreFollows reports whether additional GotRouter messages for
	// this TxID are still to come, for results too large for one
	// message.
	MoreFollows bool
}

// Encode serializes with keys A ("S"), K, T, R (list of bencoded RCs),
// N (morefollows flag).
func (m *GotRouterMessage) Encode() []byte {
	results := make([]interface{}, 0, len(m.Results))
	for _, c := range m.Results {
		results = append(results, c.Encode())
	}
	d := bencode.NewDict().
		PutString("A", "S").
		PutBytes("K", m.Key.Bytes()).
		PutInt("T", int64(m.TxID)).
		PutList("R", results).
		PutInt("N", boolInt(m.MoreFollows))
	return d.Encode()
}

// DecodeGotRouterMessage parses a GotRouterMessage.
func DecodeGotRouterMessage(d *bencode.Dict) (*GotRouterMessage, error) {
	txid, _ := d.GetInt("T")
	out := &GotRouterMessage{TxID: uint64(txid)}

	if kb, ok := d.GetBytes("K"); ok {
		if k, ok := KeyFromBytes(kb); ok {
			out.Key = k
		}
	}
	if list, ok := d.GetList("R"); ok {
		for _, item := range list {
			raw, ok := item.([]byte)
			if !ok {
				return nil, bencode.ErrWrongType
			}
			contact, err := rc.Decode(raw)
			if err != nil {
				return nil, err
			}
			out.Results = append(out.Results, contact)
		}
	}
	n, _ := d.GetInt("N")
	out.MoreFollows = n != 0
	return out, nil
}

// DecodeMessage inspects the "A" tag of a bencoded DHT message and
// dispatches to the matching decoder, returning one of
// *FindRouterMessage or *GotRouterMessage.
func DecodeMessage(buf []byte) (interface{}, error) {
	d, err := bencode.DecodeDict(buf)
	if err != nil {
		return nil, err
	}
	tag, ok := d.GetBytes("A")
	if !ok {
		return nil, bencode.ErrKeyNotFound
	}
	switch string(tag) {
	case "R":
		return DecodeFindRouterMessage(d)
	case "S":
		return DecodeGotRouterMessage(d)
	default:
		return nil, bencode.ErrBadFormat
	}
}
