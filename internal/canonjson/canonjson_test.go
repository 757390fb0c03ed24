package canonjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestMarshal_KeyOrderIndependent(t *testing.T) {
	a := decode(t, `{"b":1,"a":2,"c":{"y":1,"x":2}}`)
	b := decode(t, `{"c":{"x":2,"y":1},"a":2,"b":1}`)

	encA, err := Marshal(a)
	require.NoError(t, err)
	encB, err := Marshal(b)
	require.NoError(t, err)

	require.Equal(t, string(encA), string(encB))
	require.Equal(t, `{"a":2,"b":1,"c":{"x":2,"y":1}}`, string(encA))
}

func TestMarshal_ArrayOrderPreserved(t *testing.T) {
	v := decode(t, `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`)
	enc, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `{"messages":[{"content":"hi","role":"user"}],"model":"gpt-4"}`, string(enc))
}

func TestMarshal_Scalars(t *testing.T) {
	enc, err := Marshal(decode(t, `null`))
	require.NoError(t, err)
	require.Equal(t, "null", string(enc))

	enc, err = Marshal(decode(t, `true`))
	require.NoError(t, err)
	require.Equal(t, "true", string(enc))

	enc, err = Marshal(decode(t, `"hello \"world\""`))
	require.NoError(t, err)
	require.Equal(t, `"hello \"world\""`, string(enc))
}

func TestMarshal_UnsupportedType(t *testing.T) {
	_, err := Marshal(make(chan int))
	require.Error(t, err)
}
