package auth

import (
	"crypto/sha1"
	"fmt"
)

var (
	mppePad1 = make([]byte, 40)
	mppePad2 = func() []byte {
		r := make([]byte, 40)
		for i := range r {
			r[i] = 0xf2
		}
		return r
	}()
)

// MPPEStartKey derives the initial session key from master for the key width in bits (40, 56 or 128), per RFC3079
func MPPEStartKey(master []byte, width int) ([]byte, error) {
	keyLen := 8
	switch width {
	case 40, 56:
	case 128:
		keyLen = 16
	default:
		return nil, fmt.Errorf("invalid MPPE key width %d", width)
	}
	if len(master) < keyLen {
		return nil, fmt.Errorf("master key too short, need %d bytes, got %d", keyLen, len(master))
	}
	h := sha1.New()
	h.Write(master[:keyLen])
	h.Write(mppePad1)
	h.Write(master[:keyLen])
	h.Write(mppePad2)
	key := h.Sum(nil)[:keyLen]
	switch width {
	case 40:
		key[0], key[1], key[2] = 0xd1, 0x26, 0x9e
	case 56:
		key[0] = 0xd1
	}
	return key, nil
}
