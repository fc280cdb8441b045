package localstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaRejectsBadDocuments(t *testing.T) {
	s := testStore(t)

	tests := []struct {
		name  string
		doc   Document
		field string
	}{
		{
			name:  "missing required field",
			doc:   Document{"id": "a1", "name": "x", "selling_price": 1.0, "business_id": "b1"},
			field: "qty",
		},
		{
			name:  "wrong kind",
			doc:   Document{"id": "a1", "name": "x", "qty": "five", "selling_price": 1.0, "business_id": "b1"},
			field: "qty",
		},
		{
			name:  "fractional integer",
			doc:   Document{"id": "a1", "name": "x", "qty": 2.5, "selling_price": 1.0, "business_id": "b1"},
			field: "qty",
		},
		{
			name:  "undeclared field",
			doc:   Document{"id": "a1", "name": "x", "qty": 1, "selling_price": 1.0, "business_id": "b1", "color": "red"},
			field: "color",
		},
		{
			name:  "missing id",
			doc:   Document{"name": "x", "qty": 1, "selling_price": 1.0, "business_id": "b1"},
			field: "id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Insert("articles", tt.doc)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNumbersNormalizeToJSONKinds(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Insert("articles", article("a1", "b1", 5)))

	got, err := s.Get("articles", "a1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), got["qty"])

	// The stored form survives a JSON round-trip unchanged.
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	var decoded Document
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, got, decoded)
}

func TestFindMatchesNormalizedNumbers(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.Insert("articles", article("a1", "b1", 5)))

	// The probe value is an int, the stored value a float64.
	got, err := s.Find("articles", "qty", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0]["id"])
}
