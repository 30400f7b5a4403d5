// Package pidrecord models the PID records that back FAIR Digital Objects:
// a persistent identifier plus typed attributes, in the formats understood by
// the Typed PID-Maker.
package pidrecord

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Record is a PID record. Entries are grouped by key and a (key, value) pair
// is never stored twice.
type Record struct {
	PID     string             `json:"pid"`
	Entries map[string][]Entry `json:"entries"`
}

// New returns an empty record for the given PID.
func New(pid string) (*Record, error) {
	if pid == "" {
		return nil, errors.New("record PID is empty")
	}
	return &Record{PID: pid, Entries: map[string][]Entry{}}, nil
}

// AddEntry adds a single attribute value.
func (r *Record) AddEntry(key, value, name string) error {
	e, err := NewEntry(key, value, name)
	if err != nil {
		return err
	}
	r.add(e)
	return nil
}

// AddEntries adds every entry, stopping at the first invalid one.
func (r *Record) AddEntries(entries ...Entry) error {
	for _, e := range entries {
		if err := e.validate(); err != nil {
			return err
		}
		r.add(e)
	}
	return nil
}

func (r *Record) add(e Entry) {
	if r.Entries == nil {
		r.Entries = map[string][]Entry{}
	}
	for _, item := range r.Entries[e.Key] {
		if item.Value == e.Value {
			return
		}
	}
	r.Entries[e.Key] = append(r.Entries[e.Key], e)
}

// UpdateEntry replaces all values of key with value. The previous name is
// kept when name is empty.
func (r *Record) UpdateEntry(key, value, name string) error {
	e, err := NewEntry(key, value, name)
	if err != nil {
		return err
	}
	if e.Name == "" {
		if current := r.Entries[key]; len(current) > 0 {
			e.Name = current[0].Name
		}
	}
	if r.Entries == nil {
		r.Entries = map[string][]Entry{}
	}
	r.Entries[key] = []Entry{e}
	return nil
}

// Entry returns the entries stored under key.
func (r *Record) Entry(key string) []Entry {
	return append([]Entry(nil), r.Entries[key]...)
}

// Values returns the values stored under key.
func (r *Record) Values(key string) []string {
	var values []string
	for _, e := range r.Entries[key] {
		values = append(values, e.Value)
	}
	return values
}

// FirstValue returns the first value stored under key.
func (r *Record) FirstValue(key string) (string, bool) {
	if entries := r.Entries[key]; len(entries) > 0 {
		return entries[0].Value, true
	}
	return "", false
}

// Keys returns the attribute keys in lexical order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, len(r.Entries))
	for k := range r.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of values across all keys.
func (r *Record) Len() int {
	n := 0
	for _, entries := range r.Entries {
		n += len(entries)
	}
	return n
}

// DeleteEntry removes value from key, or the whole key when value is empty.
func (r *Record) DeleteEntry(key, value string) {
	if value == "" {
		delete(r.Entries, key)
		return
	}
	entries := r.Entries[key][:0]
	for _, e := range r.Entries[key] {
		if e.Value != value {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		delete(r.Entries, key)
		return
	}
	r.Entries[key] = entries
}

// DeleteAllEntries removes every attribute.
func (r *Record) DeleteAllEntries() {
	r.Entries = map[string][]Entry{}
}

// EntryExists reports whether key is set, or holds value when value is not
// empty.
func (r *Record) EntryExists(key, value string) bool {
	entries, ok := r.Entries[key]
	if !ok || len(entries) == 0 {
		return false
	}
	if value == "" {
		return true
	}
	for _, e := range entries {
		if e.Value == value {
			return true
		}
	}
	return false
}

// Merge adds all entries of other to r.
func (r *Record) Merge(other *Record) error {
	if other == nil {
		return nil
	}
	for _, key := range other.Keys() {
		if err := r.AddEntries(other.Entries[key]...); err != nil {
			return errors.Wrapf(err, "merging record %s", other.PID)
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := &Record{PID: r.PID, Entries: make(map[string][]Entry, len(r.Entries))}
	for k, entries := range r.Entries {
		c.Entries[k] = append([]Entry(nil), entries...)
	}
	return c
}

type simpleEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SimpleJSON encodes the record in the simple format of the Typed PID-Maker.
func (r *Record) SimpleJSON() ([]byte, error) {
	doc := struct {
		PID    string        `json:"pid"`
		Record []simpleEntry `json:"record"`
	}{PID: r.PID, Record: []simpleEntry{}}
	for _, key := range r.Keys() {
		for _, e := range r.Entries[key] {
			doc.Record = append(doc.Record, simpleEntry{Key: e.Key, Value: e.Value})
		}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes both the full format (entries grouped by key) and the
// simple format (a flat "record" list).
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		PID     string             `json:"pid"`
		Entries map[string][]Entry `json:"entries"`
		Record  []Entry            `json:"record"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PID == "" {
		return errors.New("record has no pid")
	}
	r.PID = aux.PID
	r.Entries = map[string][]Entry{}
	for key, entries := range aux.Entries {
		for _, e := range entries {
			if e.Key == "" {
				e.Key = key
			}
			if err := r.AddEntries(e); err != nil {
				return errors.Wrapf(err, "decoding record %s", aux.PID)
			}
		}
	}
	if err := r.AddEntries(aux.Record...); err != nil {
		return errors.Wrapf(err, "decoding record %s", aux.PID)
	}
	return nil
}

// Parse decodes a single record.
func Parse(data []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseList decodes a JSON array of records.
func ParseList(data []byte) ([]*Record, error) {
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
