package pidrecord

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Entry is a single typed attribute of a PID record. Key is the PID of the
// data type registered in the data type registry, Name its human-readable
// label.
type Entry struct {
	Key   string `json:"key"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

// NewEntry returns an entry after checking that both key and value are set.
func NewEntry(key, value, name string) (Entry, error) {
	e := Entry{Key: key, Value: value, Name: name}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (e Entry) validate() error {
	if e.Key == "" {
		return errors.New("entry key is empty")
	}
	if e.Value == "" {
		return errors.Errorf("entry %s has an empty value", e.Key)
	}
	return nil
}

// UnmarshalJSON accepts string values as well as structured values, which
// are kept as their compact JSON text.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var aux struct {
		Key   string          `json:"key"`
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.Key, e.Name, e.Value = aux.Key, aux.Name, ""
	raw := bytes.TrimSpace(aux.Value)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			return err
		}
	default:
		buf := new(bytes.Buffer)
		if err := json.Compact(buf, raw); err != nil {
			return err
		}
		e.Value = buf.String()
	}
	return nil
}

// Compound encodes sub-attributes (keyed by data type PID) as the JSON text
// stored in the value of a complex attribute such as characterizedCompound.
// Keys are sorted so equal compounds produce equal values.
func Compound(values map[string]interface{}) (string, error) {
	if len(values) == 0 {
		return "", errors.New("compound value is empty")
	}
	blob, err := json.Marshal(values)
	if err != nil {
		return "", errors.Wrap(err, "encoding compound value")
	}
	return string(blob), nil
}

// CompoundValue decodes the value of the entry when it holds a JSON object.
func (e Entry) CompoundValue() (map[string]interface{}, bool) {
	v := bytes.TrimSpace([]byte(e.Value))
	if len(v) == 0 || v[0] != '{' {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, false
	}
	return m, true
}
