package path

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestRoutingMessageEncodeDecodeRoundTrip(t *testing.T) {
	from, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	pathID, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}

	cases := []RoutingMessage{
		&PathConfirmMessage{From: from, Seq: 1, PathLifetime: 600000, PathCreated: 12345},
		&PathLatencyMessage{From: from, Seq: 2, TxID: 99, Latency: 0},
		&DataDiscardMessage{From: from, Seq: 3, PathID: pathID},
		&GrantExitMessage{From: from, Seq: 4, TxID: 77},
		&RejectExitMessage{From: from, Seq: 5, TxID: 78, Reason: "no capacity"},
		&UpdateExitMessage{From: from, Seq: 6, TxID: 79, NewPathID: pathID},
		&UpdateExitVerifyMessage{From: from, Seq: 7, TxID: 80, Success: true},
		&CloseExitMessage{From: from, Seq: 8, Signature: []byte("sig-bytes")},
		&TransferTrafficMessage{From: from, Seq: 9, Counter: 42, Data: []byte("packet-bytes")},
		&HiddenServiceFrame{From: from, Seq: 10, Data: []byte("hs-frame")},
		&DHTRoutingMessage{From: from, Seq: 11, Payload: []byte("dht-payload")},
	}

	for _, want := range cases {
		encoded := want.Encode()
		got, err := DecodeRoutingMessage(encoded)
		if err != nil {
			t.Fatalf("DecodeRoutingMessage(%T): %v", want, err)
		}
		if got.Kind() != want.Kind() {
			t.Fatalf("%T: kind = %c, want %c", want, got.Kind(), want.Kind())
		}
		if !bytes.Equal(got.Encode(), encoded) {
			t.Fatalf("%T: re-encoded form does not match original", want)
		}
	}
}

func TestObtainExitSignatureVerification(t *testing.T) {
	from, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	msg := &ObtainExitMessage{From: from, Seq: 1, TxID: 55, EndpointPubKey: pub}
	msg.Signature = ed25519.Sign(priv, signedObtainExitBody(msg.From, msg.TxID))
	if !msg.Verify() {
		t.Fatal("expected a correctly signed ObtainExitMessage to verify")
	}

	tampered := &ObtainExitMessage{From: from, Seq: 1, TxID: 56, EndpointPubKey: pub, Signature: msg.Signature}
	if tampered.Verify() {
		t.Fatal("expected verification to fail once TxID is altered")
	}

	decoded, err := DecodeRoutingMessage(msg.Encode())
	if err != nil {
		t.Fatalf("DecodeRoutingMessage: %v", err)
	}
	oe, ok := decoded.(*ObtainExitMessage)
	if !ok {
		t.Fatalf("decoded type = %T, want *ObtainExitMessage", decoded)
	}
	if !oe.Verify() {
		t.Fatal("expected the round-tripped ObtainExitMessage to still verify")
	}
}

func TestPadGrowsShortMessagesToPadSize(t *testing.T) {
	short := []byte("short")
	padded := Pad(short)
	if len(padded) != MessagePadSize {
		t.Fatalf("padded length = %d, want %d", len(padded), MessagePadSize)
	}
	if !bytes.Equal(padded[:len(short)], short) {
		t.Fatal("Pad must not alter the original prefix")
	}
}

func TestPadLeavesLongMessagesUnchanged(t *testing.T) {
	long := bytes.Repeat([]byte{1}, MessagePadSize+10)
	if got := Pad(long); len(got) != len(long) {
		t.Fatalf("Pad altered the length of an already-long message: %d", len(got))
	}
}
