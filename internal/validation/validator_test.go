package validation

import (
	"strings"
	"testing"

	"github.com/devrev/bsr/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKernelPath(t *testing.T) {
	v := NewValidatorWithLimits(16, 10)

	tests := []struct {
		name  string
		path  string
		valid bool
	}{
		{"relative", "kernels/de.bsk", true},
		{"absolute", "/data/de.bsk", true},
		{"empty", "", false},
		{"blank", "   ", false},
		{"too long", strings.Repeat("a", 17), false},
		{"null byte", "de\x00.bsk", false},
		{"newline", "de\n.bsk", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateKernelPath(tt.path)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))
			}
		})
	}
}

func TestValidateFamily(t *testing.T) {
	v := NewValidator()

	f, err := v.ValidateFamily("ck")
	require.NoError(t, err)
	assert.Equal(t, "CK", f.Name())

	_, err = v.ValidateFamily("")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = v.ValidateFamily("DSK")
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownFamily))
}

func TestParseQuery(t *testing.T) {
	v := NewValidator()

	id, err := v.ParseObjectID("-82")
	require.NoError(t, err)
	assert.Equal(t, int32(-82), id)

	_, err = v.ParseObjectID("3000000000")
	assert.Error(t, err)
	_, err = v.ParseObjectID("earth")
	assert.Error(t, err)

	epoch, err := v.ParseEpoch("10000.5")
	require.NoError(t, err)
	assert.Equal(t, 10000.5, epoch)

	for _, bad := range []string{"", "noon", "NaN", "+Inf"} {
		_, err := v.ParseEpoch(bad)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument), bad)
	}

	tol, err := v.ParseTolerance("")
	require.NoError(t, err)
	assert.Equal(t, 0.0, tol)

	tol, err = v.ParseTolerance("0.25")
	require.NoError(t, err)
	assert.Equal(t, 0.25, tol)

	for _, bad := range []string{"-1", "NaN", "1e20", "x"} {
		_, err := v.ParseTolerance(bad)
		assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument), bad)
	}
}
