package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sfRequest struct {
	SpreadingFactor uint8  `json:"spreading_factor" validate:"required,min=7,max=12"`
	Note            string `json:"note" validate:"max=8"`
}

func TestValidate(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(sfRequest{SpreadingFactor: 9}))

	err := v.Validate(sfRequest{SpreadingFactor: 13, Note: "far too long"})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, FieldError{Field: "spreading_factor", Rule: "max", Param: "12"}, verr.Fields[0])
	assert.Equal(t, "note", verr.Fields[1].Field)
	assert.Contains(t, err.Error(), "spreading_factor: failed max=12")
}

func TestValidateRequired(t *testing.T) {
	err := NewValidator().Validate(&sfRequest{})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "required", verr.Fields[0].Rule)
}

func TestValidateNonStruct(t *testing.T) {
	err := NewValidator().Validate(42)
	require.Error(t, err)
	var verr *Error
	assert.False(t, errors.As(err, &verr))
}
