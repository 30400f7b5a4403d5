package pidrecord

import (
	"encoding/base64"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// EncodePresumedPID derives the preliminary PID used for a record before the
// Typed PID-Maker assigns the real one.
func EncodePresumedPID(s string) (string, error) {
	if s == "" {
		return "", errors.New("cannot encode an empty identifier")
	}
	return base64.StdEncoding.EncodeToString([]byte(s)), nil
}

// DecodePresumedPID reverses EncodePresumedPID. Values that are not valid
// base64 text are returned unchanged.
func DecodePresumedPID(s string) (string, error) {
	if s == "" {
		return "", errors.New("cannot decode an empty identifier")
	}
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !utf8.Valid(blob) {
		return s, nil
	}
	return string(blob), nil
}
