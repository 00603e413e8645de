// Package validate performs pre-flight checks on message content before a
// record is created.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

// MaxLength is the maximum message length in code points.
const MaxLength = 10000

var (
	// ErrEmpty is returned when the text is empty after trimming.
	ErrEmpty = errors.New("message is empty")
	// ErrTooLong matches any *TooLongError.
	ErrTooLong = errors.New("message is too long")
	// ErrEncoding is returned when the text does not survive a byte encoding round trip.
	ErrEncoding = errors.New("message has invalid encoding")
)

// TooLongError reports the measured length of a rejected message.
type TooLongError struct {
	Length int
	Max    int
}

func (e *TooLongError) Error() string {
	return fmt.Sprintf("message is too long: %d code points (max %d)", e.Length, e.Max)
}

// Is lets errors.Is(err, ErrTooLong) match.
func (e *TooLongError) Is(target error) bool {
	return target == ErrTooLong
}

// Text validates message content and returns it trimmed and NFC-normalized.
func Text(text string) (string, error) {
	if !utf8.ValidString(text) || !roundTrips(text) {
		return "", ErrEncoding
	}

	trimmed := strings.TrimFunc(norm.NFC.String(text), isTrimmable)
	if trimmed == "" {
		return "", ErrEmpty
	}

	if n := utf8.RuneCountInString(trimmed); n > MaxLength {
		return "", &TooLongError{Length: n, Max: MaxLength}
	}
	return trimmed, nil
}

// roundTrips encodes to UTF-16 and back; anything lossy is rejected.
func roundTrips(text string) bool {
	enc := xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM)
	encoded, err := enc.NewEncoder().String(text)
	if err != nil {
		return false
	}
	decoded, err := enc.NewDecoder().String(encoded)
	if err != nil {
		return false
	}
	return decoded == text
}

func isTrimmable(r rune) bool {
	// U+200B and U+FEFF are not Unicode spaces but render as nothing.
	return unicode.IsSpace(r) || r == '\u200b' || r == '\ufeff'
}
