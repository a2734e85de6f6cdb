package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "<not set>", MaskSecret(""))
	assert.Equal(t, "***", MaskSecret("short1"))
	assert.Equal(t, "myve...y123", MaskSecret("myverylongsecretkey123"))
}

func TestGetEnv(t *testing.T) {
	t.Setenv("COMMON_TEST_GETENV", "value")
	assert.Equal(t, "value", GetEnv("COMMON_TEST_GETENV", "default"))
	assert.Equal(t, "default", GetEnv("COMMON_TEST_GETENV_UNSET", "default"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("COMMON_TEST_GETENVINT", "42")
	assert.Equal(t, 42, GetEnvInt("COMMON_TEST_GETENVINT", 7))
	assert.Equal(t, 7, GetEnvInt("COMMON_TEST_GETENVINT_UNSET", 7))

	t.Setenv("COMMON_TEST_GETENVINT_BAD", "not-a-number")
	assert.Equal(t, 7, GetEnvInt("COMMON_TEST_GETENVINT_BAD", 7))
}

func TestGetEnvBool(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, "yes": true, "on": true, "false": false, "0": false, "no": false, "off": false}
	for val, want := range cases {
		t.Setenv("COMMON_TEST_GETENVBOOL", val)
		assert.Equal(t, want, GetEnvBool("COMMON_TEST_GETENVBOOL", !want))
	}

	assert.True(t, GetEnvBool("COMMON_TEST_GETENVBOOL_UNSET", true))

	t.Setenv("COMMON_TEST_GETENVBOOL_GARBAGE", "maybe")
	assert.True(t, GetEnvBool("COMMON_TEST_GETENVBOOL_GARBAGE", true))
}

func TestMustReturnsValueOnNoError(t *testing.T) {
	assert.Equal(t, 5, Must(5, nil))
}

func TestMustPanicsOnError(t *testing.T) {
	assert.Panics(t, func() {
		Must(0, assert.AnError)
	})
}

func TestMustNoErrorPanicsOnError(t *testing.T) {
	assert.Panics(t, func() {
		MustNoError(assert.AnError)
	})
	assert.NotPanics(t, func() {
		MustNoError(nil)
	})
}

func TestPtrAndPtrValue(t *testing.T) {
	p := Ptr(42)
	assert.Equal(t, 42, *p)
	assert.Equal(t, 42, PtrValue(p))
	assert.Equal(t, 0, PtrValue[int](nil))
}
