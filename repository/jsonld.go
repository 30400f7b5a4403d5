package repository

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/fetch"
	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/spf13/cast"
)

const doiPrefix = "https://doi.org/"

// text decodes any JSON scalar as a string. Objects, arrays and null decode
// to the empty string.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}:
		*t = ""
	default:
		*t = text(strings.TrimSpace(cast.ToString(v)))
	}
	return nil
}

func (t text) String() string { return string(t) }

// number decodes JSON numbers, numeric strings and {"value": n} objects.
type number struct {
	Value float64
	Valid bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if m, ok := v.(map[string]interface{}); ok {
		v = m["value"]
	}
	*n = number{}
	if v == nil {
		return nil
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		*n = number{Value: f, Valid: true}
	}
	return nil
}

// oneOrMany decodes values that are either a single item or a list of
// items into a slice. A missing value or null yields no items.
func oneOrMany(data json.RawMessage, v interface{}) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '[' {
		wrapped := make([]byte, 0, len(data)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, data...)
		wrapped = append(wrapped, ']')
		data = wrapped
	}
	return json.Unmarshal(data, v)
}

type identified struct {
	ID text `json:"@id"`
}

// add adds an entry when value is set.
func add(r *pidrecord.Record, key string, value text, name string) error {
	if value == "" {
		return nil
	}
	return r.AddEntry(key, string(value), name)
}

func parseTime(s text) (time.Time, error) {
	return fetch.ParseTime(string(s))
}

// timestamp normalises s to RFC 3339, keeping it as is when it cannot be
// parsed.
func timestamp(s text) text {
	if s == "" {
		return s
	}
	t, err := parseTime(s)
	if err != nil {
		return s
	}
	return text(t.UTC().Format(time.RFC3339))
}

func orcidURL(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return "https://orcid.org/" + id
}

// compound builds a characterizedCompound entry.
func compound(weight number, pubchem text) (pidrecord.Entry, bool, error) {
	values := map[string]interface{}{}
	if weight.Valid {
		values[pidrecord.MolecularWeight] = weight.Value
	}
	if pubchem != "" {
		values[pidrecord.PubChemReference] = string(pubchem)
	}
	if len(values) == 0 {
		return pidrecord.Entry{}, false, nil
	}
	value, err := pidrecord.Compound(values)
	if err != nil {
		return pidrecord.Entry{}, false, err
	}
	e, err := pidrecord.NewEntry(pidrecord.CharacterizedCompound, value, "characterizedCompound")
	return e, err == nil, err
}
