package substrate

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

var ss58Prefix = []byte("SS58PRE")

var ErrInvalidAddress = errors.New("invalid ss58 address")

// AccountID is a 32-byte sr25519/ed25519 public key as used for stashes.
type AccountID [32]byte

func (a AccountID) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Short is the display fallback when no on-chain identity is set.
func (a AccountID) Short(prefix uint16) string {
	s := a.SS58(prefix)
	return s[:6] + "..." + s[len(s)-6:]
}

// SS58 encodes the account with the given network prefix.
func (a AccountID) SS58(prefix uint16) string {
	var payload []byte
	if prefix < 64 {
		payload = append(payload, byte(prefix))
	} else {
		// two byte form, see the ss58 registry
		first := byte((prefix&0xfc)>>2) | 0x40
		second := byte(prefix>>8) | byte((prefix&0x03)<<6)
		payload = append(payload, first, second)
	}
	payload = append(payload, a[:]...)
	sum := ss58Checksum(payload)
	payload = append(payload, sum[:2]...)
	return base58.Encode(payload)
}

// ParseAccountID decodes an SS58 address of any network prefix.
func ParseAccountID(address string) (AccountID, error) {
	var id AccountID

	raw, err := base58.Decode(address)
	if err != nil {
		return id, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}

	prefixLen := 1
	if len(raw) > 0 && raw[0]&0x40 != 0 {
		prefixLen = 2
	}
	if len(raw) != prefixLen+32+2 {
		return id, fmt.Errorf("%w: %s: unexpected length %d", ErrInvalidAddress, address, len(raw))
	}

	body := raw[:prefixLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[prefixLen+32:]) {
		return id, fmt.Errorf("%w: %s: bad checksum", ErrInvalidAddress, address)
	}

	copy(id[:], raw[prefixLen:prefixLen+32])
	return id, nil
}

// ParseAccountIDs parses a list of addresses, failing on the first bad one.
func ParseAccountIDs(addresses []string) ([]AccountID, error) {
	out := make([]AccountID, 0, len(addresses))
	for _, a := range addresses {
		id, err := ParseAccountID(a)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func ss58Checksum(payload []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte{}, ss58Prefix...), payload...))
}
