package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Index string `json:"index"`
	Seq   int64  `json:"seq"`
}

func TestEncodeKeepsKeyAndJSONValue(t *testing.T) {
	msg, err := encode(Event{Key: "contracts/2", Value: entry{Index: "contracts", Seq: 7}})
	require.NoError(t, err)
	assert.Equal(t, "contracts/2", string(msg.Key))
	assert.JSONEq(t, `{"index":"contracts","seq":7}`, string(msg.Value))

	decoded, err := DecodeJSON[entry](msg.Value)
	require.NoError(t, err)
	assert.Equal(t, int64(7), decoded.Seq)
}

func TestEncodeRejectsUnmarshalableValue(t *testing.T) {
	_, err := encode(Event{Key: "k", Value: make(chan int)})
	assert.Error(t, err)
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	_, err := DecodeJSON[entry]([]byte("{nope"))
	assert.Error(t, err)
}
