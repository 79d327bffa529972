package arenaproto

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMoveNormalizes(t *testing.T) {
	req, err := Decode([]byte(`{"type":"session.move","data":{"sessionId":"s1","from":"E2","to":" e4 "}}`))
	require.NoError(t, err)
	require.NotNil(t, req.Move)
	assert.Equal(t, "e2", req.Move.From)
	assert.Equal(t, "e4", req.Move.To)
	assert.Empty(t, req.Move.Promotion)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{`,
		"unknown type":    `{"type":"session.undo","data":{}}`,
		"missing data":    `{"type":"queue.join"}`,
		"empty category":  `{"type":"queue.join","data":{"category":""}}`,
		"bad square":      `{"type":"session.move","data":{"sessionId":"s","from":"i9","to":"e4"}}`,
		"bad promotion":   `{"type":"session.move","data":{"sessionId":"s","from":"a7","to":"a8","promotion":"k"}}`,
		"same square":     `{"type":"session.move","data":{"sessionId":"s","from":"a7","to":"a7"}}`,
		"unknown field":   `{"type":"session.resign","data":{"sessionId":"s","extra":1}}`,
		"typed wrongly":   `{"type":"session.move","data":{"sessionId":"s","from":12,"to":"e4"}}`,
		"missing session": `{"type":"session.join","data":{}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadRequest))
			code, retry := CodeOf(err)
			assert.Equal(t, CodeBadRequest, code)
			assert.False(t, retry)
		})
	}
}

func TestDecodePing(t *testing.T) {
	req, err := Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, req.Type)
}

func TestCodeOfFallsBackToInternal(t *testing.T) {
	code, _ := CodeOf(errors.New("boom"))
	assert.Equal(t, CodeInternal, code)

	wrapped := fmt.Errorf("outer: %w", NewError(CodeStoreUnavailable, "store down", true))
	code, retry := CodeOf(wrapped)
	assert.Equal(t, CodeStoreUnavailable, code)
	assert.True(t, retry)
}
