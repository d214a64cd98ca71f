package bencode

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInteger(t *testing.T) {
	v, err := Decode([]byte("i42e"))
	require.NoError(t, err)
	assert.Equal(t, KindInt, v.Kind)
	assert.EqualValues(t, 42, v.Int)

	v, err = Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, v.Int)

	v, err = Decode([]byte("i-3e"))
	require.NoError(t, err)
	assert.EqualValues(t, -3, v.Int)
}

func TestDecodeIntegerRejectsLeadingZero(t *testing.T) {
	_, err := Decode([]byte("i04e"))
	assert.ErrorIs(t, err, ErrUnexpected)
}

func TestDecodeString(t *testing.T) {
	v, err := Decode([]byte("5:hello"))
	require.NoError(t, err)
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "hello", string(v.Str))
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte("5:hel"))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte("i42"))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte("l4:spam"))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnexpected(t *testing.T) {
	_, err := Decode([]byte("x"))
	assert.ErrorIs(t, err, ErrUnexpected)
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind)
	require.Len(t, v.List, 2)
	assert.Equal(t, "spam", string(v.List[0].Str))
	assert.Equal(t, "eggs", string(v.List[1].Str))

	v, err = Decode([]byte("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind)
	cow, ok := v.GetString("cow")
	require.True(t, ok)
	assert.Equal(t, "moo", string(cow))
}

func TestRoundTripCanonical(t *testing.T) {
	cases := [][]byte{
		[]byte("i42e"),
		[]byte("5:hello"),
		[]byte("l4:spam4:eggse"),
		[]byte("d3:bar4:spam3:fooi42ee"), // keys already sorted: bar < foo
		[]byte("d4:infod6:lengthi12e4:name1:a12:piece lengthi16384e6:pieces0:ee"),
	}
	for _, raw := range cases {
		v, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, Encode(v))
	}
}

func TestEncodeSortsDictKeys(t *testing.T) {
	v := &Value{
		Kind: KindDict,
		Dict: map[string]*Value{
			"zebra": Int(1),
			"apple": Int(2),
		},
	}
	assert.Equal(t, []byte("d5:applei2e5:zebrai1ee"), Encode(v))
}

func TestValidateKeyOrderToleratesDecodeButFlagsDisorder(t *testing.T) {
	// Decode must succeed even though "foo" precedes "bar".
	v, err := Decode([]byte("d3:fooi1e3:bari2ee"))
	require.NoError(t, err)
	assert.ErrorIs(t, t_validateKeyOrder(v), ErrDictKeyOrder)

	v, err = Decode([]byte("d3:bari2e3:fooi1ee"))
	require.NoError(t, err)
	assert.NoError(t, t_validateKeyOrder(v))
}

func t_validateKeyOrder(v *Value) error { return ValidateKeyOrder(v) }

// TestInfoHashStability mirrors spec.md §8 scenario 6: encoding a minimal
// single-file info dict and hashing it must match hashing the raw bytes
// directly, and any single-byte mutation must change the digest.
func TestInfoHashStability(t *testing.T) {
	raw := []byte("d6:lengthi12e4:name1:a12:piece lengthi16384e6:pieces20:" + string(make([]byte, 20)) + "e")
	v, err := Decode(raw)
	require.NoError(t, err)

	hashFromRaw := sha1.Sum(raw)
	hashFromReencode := sha1.Sum(Encode(v))
	assert.Equal(t, hashFromRaw, hashFromReencode)

	mutated := append([]byte(nil), raw...)
	mutated[len(mutated)-2] ^= 0xFF
	assert.NotEqual(t, sha1.Sum(mutated), hashFromRaw)
}

func TestRawCapturesSourceBytes(t *testing.T) {
	raw := []byte("d4:infod6:lengthi12e4:name1:a12:piece lengthi16384e6:pieces0:ee")
	v, err := Decode(raw)
	require.NoError(t, err)
	info, ok := v.GetDict("info")
	require.True(t, ok)
	assert.Equal(t, "d6:lengthi12e4:name1:a12:piece lengthi16384e6:pieces0:e", string(info.Raw))
}
