// Package roomcode packs a private IPv4 address and ephemeral port into a
// short Base58 room code and reverses the operation.
//
// The packed word is laid out as tag(2) | octet payload(24) | port delta(14),
// where the tag selects the private range (00 = 192.168/16, 01 = 172.16/12,
// 10 = 10/8, 11 reserved) and the port delta is the offset from 49152. The
// word is then written as Base58 digits, most significant first; the all-zero
// word (192.168.0.0:49152) encodes to "1".
package roomcode

import (
	"fmt"
	"strings"
)

// Alphabet is the 58-symbol set shared by every producer and consumer of
// room codes. The glyphs 0, O, I and l are excluded because they are easy
// to mistranscribe.
const Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

const (
	tag192 = 0
	tag172 = 1
	tag10  = 2

	portBits = 14
	tagShift = 24

	// maxWord bounds decoded words: 2 tag bits, 24 payload bits, 14 port bits.
	maxWord = 1<<(2+24+portBits) - 1

	// maxCodeLen is the longest Base58 rendering of a 40-bit word.
	maxCodeLen = 7
)

// Encode packs addr into a Base58 room code. The code round-trips through
// Decode for every address NewAddress accepts.
func Encode(addr Address) (string, error) {
	class, ok := classify(addr.Octets)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, addr.IP())
	}
	if addr.Port < PortMin {
		return "", fmt.Errorf("%w: port %d below %d", ErrInvalidAddress, addr.Port, PortMin)
	}

	var field uint32
	switch class {
	case ClassC192:
		field = tag192<<tagShift | uint32(addr.Octets[2])<<8 | uint32(addr.Octets[3])
	case ClassB172:
		field = tag172<<tagShift | uint32(addr.Octets[1]-16)<<16 | uint32(addr.Octets[2])<<8 | uint32(addr.Octets[3])
	case ClassA10:
		field = tag10<<tagShift | uint32(addr.Octets[1])<<16 | uint32(addr.Octets[2])<<8 | uint32(addr.Octets[3])
	}

	word := uint64(field)<<portBits | uint64(addr.Port-PortMin)
	return encodeBase58(word), nil
}

// Decode reverses Encode. It returns ErrInvalidCode for empty input, input
// containing a character outside Alphabet or a word too large to be a packed
// address, and ErrInvalidTag when the word carries the reserved range tag.
func Decode(code string) (Address, error) {
	word, err := decodeBase58(code)
	if err != nil {
		return Address{}, err
	}

	port := PortMin + uint16(word&(1<<portBits-1))
	field := uint32(word >> portBits)

	var octets [4]byte
	switch field >> tagShift {
	case tag192:
		octets = [4]byte{192, 168, byte(field >> 8), byte(field)}
	case tag172:
		octets = [4]byte{172, 16 + byte(field>>16&0x0F), byte(field >> 8), byte(field)}
	case tag10:
		octets = [4]byte{10, byte(field >> 16), byte(field >> 8), byte(field)}
	default:
		return Address{}, fmt.Errorf("%w: tag %d", ErrInvalidTag, field>>tagShift)
	}

	class, _ := classify(octets)
	return Address{Octets: octets, Port: port, Range: class}, nil
}

func encodeBase58(word uint64) string {
	if word == 0 {
		return string(Alphabet[0])
	}
	var digits []byte
	for word > 0 {
		digits = append(digits, Alphabet[word%58])
		word /= 58
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

func decodeBase58(code string) (uint64, error) {
	if code == "" {
		return 0, fmt.Errorf("%w: empty code", ErrInvalidCode)
	}
	if len(code) > maxCodeLen {
		return 0, fmt.Errorf("%w: %q is too long", ErrInvalidCode, code)
	}

	var word uint64
	for _, r := range code {
		idx := strings.IndexRune(Alphabet, r)
		if idx < 0 {
			return 0, fmt.Errorf("%w: character %q not in alphabet", ErrInvalidCode, r)
		}
		word = word*58 + uint64(idx)
	}
	if word > maxWord {
		return 0, fmt.Errorf("%w: %q does not fit a packed address", ErrInvalidCode, code)
	}
	return word, nil
}
