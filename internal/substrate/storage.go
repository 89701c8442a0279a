package substrate

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2b"
)

// twox hashes are concatenated xxhash64 digests with increasing seeds.
func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, rounds*8)
	for seed := 0; seed < rounds; seed++ {
		d := xxhash.NewWithSeed(uint64(seed))
		_, _ = d.Write(data)
		out = binary.LittleEndian.AppendUint64(out, d.Sum64())
	}
	return out
}

func Twox128(data []byte) []byte {
	return twox(data, 2)
}

func Twox64Concat(data []byte) []byte {
	return append(twox(data, 1), data...)
}

func Blake2128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write(data)
	return append(h.Sum(nil), data...)
}

// StorageKey builds the prefix of a storage item followed by already hashed map keys.
func StorageKey(pallet, item string, hashedKeys ...[]byte) []byte {
	key := append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
	for _, k := range hashedKeys {
		key = append(key, k...)
	}
	return key
}

// HexKey is the 0x-prefixed form accepted by state_getStorage.
func HexKey(key []byte) string {
	return "0x" + hex.EncodeToString(key)
}

func u32LE(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}
