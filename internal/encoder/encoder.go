// Package encoder implements the PlantUML text encoding used to build
// shareable diagram tokens: deflate-compress the text, strip the zlib
// framing, base64-encode, and remap the result onto a URL-safe alphabet.
package encoder

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/umlforge/umlforge/internal/apperrors"
)

const (
	// standardAlphabet is the standard base64 alphabet.
	standardAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	// tokenAlphabet is the PlantUML token alphabet the standard one maps onto.
	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

	// hexPrefix marks tokens produced by the uncompressed hex path.
	hexPrefix = "~h"
)

var (
	toToken   [256]byte
	fromToken [256]byte
)

func init() {
	for i := range toToken {
		toToken[i] = 0
		fromToken[i] = 0
	}
	for i := 0; i < 64; i++ {
		toToken[standardAlphabet[i]] = tokenAlphabet[i]
		fromToken[tokenAlphabet[i]] = standardAlphabet[i]
	}
}

// Encode compresses text with deflate at the maximum level, strips the
// 2-byte zlib header and 4-byte Adler-32 trailer, base64-encodes the raw
// compressed block, and remaps it onto the token alphabet. The resulting
// token uses only the characters 0-9, A-Z, a-z, - and _.
func Encode(text string) (string, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write([]byte(text)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	// Keep only the raw deflate block between the zlib header and trailer.
	stream := buf.Bytes()
	raw := stream[2 : len(stream)-4]

	encoded := base64.RawStdEncoding.EncodeToString(raw)

	var sb strings.Builder
	sb.Grow(len(encoded))
	for i := 0; i < len(encoded); i++ {
		sb.WriteByte(toToken[encoded[i]])
	}
	return sb.String(), nil
}

// Decode inverts Encode. It remaps the token back onto the standard base64
// alphabet, decodes it, and inflates the payload: first against a
// reconstructed zlib stream (canonical 0x78 0x9c header plus a dummy
// trailer), then, if that fails, as a raw headerless deflate stream.
func Decode(token string) (string, error) {
	if strings.HasPrefix(token, hexPrefix) {
		return "", apperrors.NewDecodeError("hex token passed to the compressed decode path", nil)
	}

	var sb strings.Builder
	sb.Grow(len(token))
	for i := 0; i < len(token); i++ {
		c := token[i]
		if c == '=' {
			// Tolerate padded tokens from older encoders.
			continue
		}
		mapped := fromToken[c]
		if mapped == 0 {
			return "", apperrors.NewDecodeError("character outside token alphabet", nil)
		}
		sb.WriteByte(mapped)
	}

	compressed, err := base64.RawStdEncoding.DecodeString(sb.String())
	if err != nil {
		return "", apperrors.NewDecodeError("truncated base64 payload", err)
	}

	data, err := inflate(compressed)
	if err != nil {
		return "", apperrors.NewDecodeError("corrupt compressed stream", err)
	}
	if !utf8.Valid(data) {
		return "", apperrors.NewDecodeError("decoded payload is not valid UTF-8", nil)
	}
	return string(data), nil
}

func inflate(compressed []byte) ([]byte, error) {
	// Reconstruct a zlib stream around the raw block. The trailer is a dummy,
	// so the checksum will usually fail; the raw deflate fallback then wins.
	stream := make([]byte, 0, len(compressed)+10)
	stream = append(stream, 0x78, 0x9c)
	stream = append(stream, compressed...)
	stream = append(stream, make([]byte, 8)...)

	if zr, err := zlib.NewReader(bytes.NewReader(stream)); err == nil {
		data, err := io.ReadAll(zr)
		zr.Close()
		if err == nil {
			return data, nil
		}
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	return io.ReadAll(fr)
}

// EncodeHex encodes text on the uncompressed path: uppercase hex of the
// UTF-8 bytes, prefixed with the ~h marker that tells the two token kinds
// apart.
func EncodeHex(text string) string {
	return hexPrefix + strings.ToUpper(hex.EncodeToString([]byte(text)))
}

// DecodeHex inverts EncodeHex.
func DecodeHex(token string) (string, error) {
	if !strings.HasPrefix(token, hexPrefix) {
		return "", apperrors.NewDecodeError("missing ~h hex token marker", nil)
	}
	data, err := hex.DecodeString(strings.ToLower(token[len(hexPrefix):]))
	if err != nil {
		return "", apperrors.NewDecodeError("invalid hex payload", err)
	}
	if !utf8.Valid(data) {
		return "", apperrors.NewDecodeError("decoded payload is not valid UTF-8", nil)
	}
	return string(data), nil
}

// IsHexToken reports whether token was produced by the hex path.
func IsHexToken(token string) bool {
	return strings.HasPrefix(token, hexPrefix)
}

// PreviewURL builds a preview link for an already-encoded token against a
// PlantUML server, e.g. https://www.plantuml.com/plantuml/png/<token>.
func PreviewURL(serverURL, format, token string) string {
	return strings.TrimRight(serverURL, "/") + "/" + format + "/" + token
}
