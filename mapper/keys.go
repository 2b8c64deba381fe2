package mapper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ilcreatore32/odoosync/godoo"
)

// KeyFunc extracts the natural key of a record. An empty result means the record
// has no usable key.
type KeyFunc func(rec godoo.Record) string

var whitespaceRe = regexp.MustCompile(`\s+`)

// CodeKey uses a code field (default_code, internal_code, currency name) trimmed.
func CodeKey(field string) KeyFunc {
	return func(rec godoo.Record) string {
		return strings.TrimSpace(rec.String(field))
	}
}

// BarcodeKey uses a barcode field with every whitespace removed; scanners and
// manual entry disagree on embedded spaces.
func BarcodeKey(field string) KeyFunc {
	return func(rec godoo.Record) string {
		return whitespaceRe.ReplaceAllString(rec.String(field), "")
	}
}

// NameKey uses a display name normalized with NormalizeName.
func NameKey(field string) KeyFunc {
	return func(rec godoo.Record) string {
		return NormalizeName(rec.String(field))
	}
}

// IDKey uses the source database id. It is only stable for links, never for
// natural-key matching across instances.
func IDKey() KeyFunc {
	return func(rec godoo.Record) string {
		if id := rec.ID(); id > 0 {
			return strconv.FormatInt(id, 10)
		}
		return ""
	}
}

// KeyByName returns the KeyFunc configured by name for field.
//
//	"code"    -> CodeKey
//	"barcode" -> BarcodeKey
//	"name"    -> NameKey
//	"id"      -> IDKey
func KeyByName(kind, field string) (KeyFunc, error) {
	switch kind {
	case "code":
		return CodeKey(field), nil
	case "barcode":
		return BarcodeKey(field), nil
	case "name":
		return NameKey(field), nil
	case "id":
		return IDKey(), nil
	}
	return nil, fmt.Errorf("mapper: unknown key kind %q", kind)
}

// NormalizeName lower-cases, strips diacritics and collapses whitespace so that
// "Café  Tostado" and "cafe tostado" compare equal.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return s
	}
	s = stripDiacritics(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// stripDiacritics decomposes to NFD and drops the combining marks.
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var result strings.Builder
	result.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		result.WriteRune(r)
	}
	return result.String()
}
