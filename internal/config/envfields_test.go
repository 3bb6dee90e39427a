//nolint:testpackage // internal test needs access to unexported field lists
package config

import (
	"reflect"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestEnvFieldsCoverStructFields verifies that indexerEnvFields contains every
// IndexerConfig field. It fails when a field is added to the struct but not to the list.
func TestEnvFieldsCoverStructFields(t *testing.T) {
	expected := extractMapstructureFields(reflect.TypeFor[IndexerConfig](), "")
	sort.Strings(expected)

	actual := make([]string, len(indexerEnvFields))
	copy(actual, indexerEnvFields)
	sort.Strings(actual)

	assert.Equal(t, expected, actual,
		"indexerEnvFields must contain all fields from IndexerConfig.\n"+
			"If you added a new field to IndexerConfig, add it to indexerEnvFields in config.go")
}

// extractMapstructureFields recursively extracts all mapstructure tag values from a struct type.
// For nested structs, it prefixes the field names with the parent's mapstructure tag (e.g., "ssh.host").
func extractMapstructureFields(t reflect.Type, prefix string) []string {
	var fields []string

	for i := range t.NumField() {
		field := t.Field(i)

		// Get the mapstructure tag value
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		fullName := tag
		if prefix != "" {
			fullName = prefix + "." + tag
		}

		// If the field is a struct, recurse into it
		if field.Type.Kind() == reflect.Struct {
			nested := extractMapstructureFields(field.Type, fullName)
			fields = append(fields, nested...)
		} else {
			fields = append(fields, fullName)
		}
	}

	return fields
}
