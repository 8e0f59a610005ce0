package adamboot

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitResponse(t *testing.T) {
	header, body, err := splitResponse([]interface{}{"Status: 200\r\n", []byte{0, 1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte("Status: 200\r\n"), header)
	assert.Equal(t, []byte{0, 1, 2}, body)

	_, body, err = splitResponse([]interface{}{"", []byte{}})
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestSplitResponseRejects(t *testing.T) {
	cases := map[string]interface{}{
		"none":          nil,
		"string":        "header",
		"one element":   []interface{}{"header"},
		"three":         []interface{}{"h", []byte("b"), 1},
		"binary header": []interface{}{[]byte("h"), []byte("b")},
		"text body":     []interface{}{"h", "b"},
		"none body":     []interface{}{"h", nil},
		"bad utf8":      []interface{}{string([]byte{0xff, 0xfe}), []byte("b")},
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := splitResponse(v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestDispatchReleasesAfterHostError(t *testing.T) {
	host := newFakeHost()
	host.sendErr = errors.New("request already answered")
	d := NewResponseDispatcher(host)

	released := 0
	ref := NewRef([]interface{}{"h", []byte("b")}, func() { released++ })

	err := d.Dispatch(9, ref)
	require.Error(t, err)
	assert.Equal(t, 1, released)
	assert.Len(t, host.sent(), 1)
	assert.Nil(t, ref.Value())
}

func TestDispatchMalformedSendsNothing(t *testing.T) {
	host := newFakeHost()
	d := NewResponseDispatcher(host)

	released := 0
	err := d.Dispatch(1, NewRef(42, func() { released++ }))
	require.Error(t, err)
	assert.Empty(t, host.sent())
	assert.Equal(t, 1, released)
}

func TestRefReleaseIsIdempotent(t *testing.T) {
	n := 0
	ref := NewRef("v", func() { n++ })
	ref.Release()
	ref.Release()
	assert.Equal(t, 1, n)

	var nilRef *Ref
	assert.NotPanics(t, nilRef.Release)
	assert.Nil(t, nilRef.Value())
}
