package rc

import (
	"fmt"

	"github.com/llarp-go/llarp-go/internal/bencode"
)

// AddressInfo is a single transport-layer reachability record advertised
// inside a RouterContact. Mirrors original_source/llarp AddressInfo:
// family, address, port, and a per-address static transport key.
type AddressInfo struct {
	Family  string // "ip4" or "ip6"
	Address string
	Port    uint16
	PubKey  []byte // 32-byte per-address static key
}

func (a AddressInfo) encode() *bencode.Dict {
	return bencode.NewDict().
		PutString("f", a.Family).
		PutString("i", a.Address).
		PutInt("p", int64(a.Port)).
		PutBytes("k", a.PubKey)
}

func decodeAddressInfo(v interface{}) (AddressInfo, error) {
	d, ok := v.(*bencode.Dict)
	if !ok {
		return AddressInfo{}, fmt.Errorf("rc: address info is not a dict")
	}
	fam, _ := d.GetBytes("f")
	ip, _ := d.GetBytes("i")
	port, ok := d.GetInt("p")
	if !ok {
		return AddressInfo{}, fmt.Errorf("rc: address info missing port")
	}
	key, ok := d.GetBytes("k")
	if !ok || len(key) != 32 {
		return AddressInfo{}, fmt.Errorf("rc: address info missing/invalid key")
	}
	return AddressInfo{
		Family:  string(fam),
		Address: string(ip),
		Port:    uint16(port),
		PubKey:  append([]byte(nil), key...),
	}, nil
}
