package elastic

import (
	"context"
	"sort"
	"time"

	"github.com/kit-data-manager/nmr-fairdos/pidrecord"

	"github.com/sirupsen/logrus"
)

// NameResolver maps data type PIDs to their human-readable names.
type NameResolver interface {
	Name(ctx context.Context, pid string) (string, error)
}

// alwaysList names the fields that are indexed as lists even when they hold
// a single value.
var alwaysList = map[string]bool{
	"isMetadataFor": true,
	"hasMetadata":   true,
	"contact":       true,
}

// Document is the searchable form of a PID record.
type Document map[string]interface{}

func (d Document) add(field string, value interface{}) {
	existing, ok := d[field]
	switch {
	case ok:
		if list, isList := existing.([]interface{}); isList {
			d[field] = append(list, value)
		} else {
			d[field] = []interface{}{existing, value}
		}
	case alwaysList[field]:
		d[field] = []interface{}{value}
	default:
		d[field] = value
	}
}

type documentBuilder struct {
	logger logrus.FieldLogger
	names  NameResolver
	now    func() time.Time
}

// build turns the record into a document with one field per attribute,
// named after its data type. Complex values are flattened into
// "<name>.<sub-name>" fields.
func (b *documentBuilder) build(ctx context.Context, record *pidrecord.Record) Document {
	doc := Document{"pid": record.PID}

	for _, key := range record.Keys() {
		name := b.name(ctx, key)
		for _, entry := range record.Entry(key) {
			compound, ok := entry.CompoundValue()
			if !ok {
				doc.add(name, entry.Value)
				continue
			}
			for _, sub := range sortedKeys(compound) {
				v := compound[sub]
				if v == nil {
					continue
				}
				doc.add(name+"."+b.name(ctx, sub), v)
			}
		}
	}

	if created, ok := record.FirstValue(pidrecord.DateCreated); ok {
		doc["timestamp"] = created
	} else {
		doc["timestamp"] = b.now().Format(time.RFC3339)
	}

	return doc
}

func (b *documentBuilder) name(ctx context.Context, pid string) string {
	name, err := b.names.Name(ctx, pid)
	if err != nil || name == "" {
		b.logger.WithError(err).WithField("type", pid).Warn("Data type name could not be resolved, using its PID")
		return pid
	}
	return name
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
