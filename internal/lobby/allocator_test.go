package lobby

import (
	"strings"
	"testing"

	"github.com/roomlink/roomlink/internal/roomcode"
)

func TestNewJoinCodeDrawsFromRoomCodeAlphabet(t *testing.T) {
	t.Parallel()
	for i := 0; i < 200; i++ {
		code, err := newJoinCode()
		if err != nil {
			t.Fatalf("newJoinCode: %v", err)
		}
		if len(code) != joinCodeLen {
			t.Fatalf("code %q has length %d, want %d", code, len(code), joinCodeLen)
		}
		for _, r := range code {
			if !strings.ContainsRune(roomcode.Alphabet, r) {
				t.Fatalf("code %q contains %q, outside the room code alphabet", code, r)
			}
		}
	}
}
