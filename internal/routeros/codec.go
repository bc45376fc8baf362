package routeros

import (
	"bufio"
	"fmt"
	"io"
)

// Length prefix tiers of the RouterOS API word framing.
const (
	maxOneByte   = 0x80
	maxTwoByte   = 0x4000
	maxThreeByte = 0x200000

	twoByteMark   = 0x80
	threeByteMark = 0xC0
	fiveByteMark  = 0xE0
	// Newer routers use 0xF0 for the 5-byte form; the payload is identical.
	altFiveByteMark = 0xF0
)

// EncodeLength returns the variable-length prefix for a word of n bytes.
func EncodeLength(n uint32) []byte {
	switch {
	case n < maxOneByte:
		return []byte{byte(n)}
	case n < maxTwoByte:
		return []byte{byte(n>>8) | twoByteMark, byte(n)}
	case n < maxThreeByte:
		return []byte{byte(n>>16) | threeByteMark, byte(n >> 8), byte(n)}
	default:
		return []byte{fiveByteMark, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// DecodeLength reads one length prefix from r.
func DecodeLength(r io.ByteReader) (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	var extra int
	var n uint32
	switch {
	case b < 0x80:
		return uint32(b), nil
	case b < 0xC0:
		n, extra = uint32(b&0x3F), 1
	case b < 0xE0:
		n, extra = uint32(b&0x1F), 2
	case b == fiveByteMark, b == altFiveByteMark:
		n, extra = 0, 4
	default:
		return 0, &ProtocolError{Reason: fmt.Sprintf("invalid length prefix 0x%02X", b)}
	}

	for i := 0; i < extra; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, truncated("length prefix", err)
		}
		n = n<<8 | uint32(c)
	}
	return n, nil
}

// EncodeWord frames a single word.
func EncodeWord(word string) []byte {
	prefix := EncodeLength(uint32(len(word)))
	out := make([]byte, 0, len(prefix)+len(word))
	out = append(out, prefix...)
	return append(out, word...)
}

// EncodeSentence frames words and appends the zero-length terminator.
func EncodeSentence(words ...string) []byte {
	var out []byte
	for _, w := range words {
		out = append(out, EncodeWord(w)...)
	}
	return append(out, 0)
}

// readWord reads one framed word. An empty string marks the end of a sentence.
func readWord(r *bufio.Reader) (string, error) {
	n, err := DecodeLength(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", truncated("word", err)
	}
	return string(buf), nil
}

func truncated(what string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ProtocolError{Reason: "truncated " + what, Err: io.ErrUnexpectedEOF}
	}
	return err
}
