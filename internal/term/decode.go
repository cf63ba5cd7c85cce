package term

import (
	"bytes"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Byte-order marks checked before any heuristic.
var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// fallbackEncoding is the single-byte decoder of last resort, resolved
// once from the process locale.
var fallbackEncoding = localeEncoding()

// localeEncoding derives the fallback encoding from the charset suffix
// of LC_ALL, LC_CTYPE, or LANG (e.g. "de_DE.ISO-8859-15"). UTF-8
// locales and unrecognized charsets fall back to Windows-1252, which
// decodes every byte.
func localeEncoding() encoding.Encoding {
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		v := os.Getenv(key)
		i := strings.IndexByte(v, '.')
		if i < 0 {
			continue
		}
		name := v[i+1:]
		if j := strings.IndexByte(name, '@'); j >= 0 {
			name = name[:j]
		}
		if name == "" || strings.EqualFold(name, "UTF-8") || strings.EqualFold(name, "utf8") {
			continue
		}
		if enc, err := ianaindex.IANA.Encoding(name); err == nil && enc != nil {
			return enc
		}
	}
	return charmap.Windows1252
}

// decodeOutput converts raw terminal bytes to a string. Preference order:
// valid UTF-8 as-is; a BOM selects the matching UTF-16 variant; a high
// density of NUL bytes at odd indexes suggests UTF-16LE; otherwise the
// locale's single-byte encoding decodes every byte with replacement
// runes where needed.
func decodeOutput(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if bytes.HasPrefix(raw, bomUTF16LE) {
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), raw)
	}
	if bytes.HasPrefix(raw, bomUTF16BE) {
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.UseBOM), raw)
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	if looksUTF16LE(raw) {
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), raw)
	}
	return decodeWith(fallbackEncoding, raw)
}

func decodeWith(enc encoding.Encoding, raw []byte) string {
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		// Decoders here replace rather than fail; keep a defined result anyway.
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return strings.ToValidUTF8(string(decoded), string(utf8.RuneError))
}

// looksUTF16LE reports whether NUL bytes dominate the odd indexes, which
// is what ASCII-heavy UTF-16LE output looks like.
func looksUTF16LE(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	odd := 0
	nulAtOdd := 0
	for i := 1; i < len(raw); i += 2 {
		odd++
		if raw[i] == 0 {
			nulAtOdd++
		}
	}
	return odd > 0 && float64(nulAtOdd)/float64(odd) > 0.7
}
