package kvdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransactionCopiesInputs(t *testing.T) {
	key := []byte("key")
	value := []byte("value")

	tx := &Transaction{}
	tx.Set(ColAux, key, value)

	key[0] = 'X'
	value[0] = 'X'

	assert.Equal(t, []byte("key"), tx.ops[0].key)
	assert.Equal(t, []byte("value"), tx.ops[0].value)
}

func TestTransactionLen(t *testing.T) {
	tx := &Transaction{}
	assert.Equal(t, 0, tx.Len())

	tx.Set(ColMeta, []byte("a"), []byte("1"))
	tx.Remove(ColAux, []byte("b"))
	assert.Equal(t, 2, tx.Len())
}

func TestColumnValid(t *testing.T) {
	assert.True(t, ColMeta.Valid())
	assert.True(t, ColAux.Valid())
	assert.False(t, Column(200).Valid())
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		name      string
		key       []byte
		suffixLen int
		want      []byte
	}{
		{"no suffix", []byte("plain"), 0, []byte("plain")},
		{"strips suffix", []byte("key/12345678"), 8, []byte("key/")},
		{"key shorter than suffix", []byte("abc"), 8, []byte("abc")},
		{"exact length", []byte("12345678"), 8, []byte{}},
		{"negative suffix", []byte("key"), -1, []byte("key")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeKey(tt.key, tt.suffixLen))
		})
	}
}
