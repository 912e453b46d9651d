package validation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/devrev/bsr/internal/errors"
	"github.com/devrev/bsr/internal/family"
)

const (
	// MaxPathSize bounds kernel paths accepted over the API
	MaxPathSize = 4096

	// MaxTolerance bounds the lookup tolerance, in the family's time unit
	MaxTolerance = 1e12
)

// Validator validates segment server requests
type Validator struct {
	maxPathSize  int
	maxTolerance float64
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxPathSize:  MaxPathSize,
		maxTolerance: MaxTolerance,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxPathSize int, maxTolerance float64) *Validator {
	return &Validator{
		maxPathSize:  maxPathSize,
		maxTolerance: maxTolerance,
	}
}

// ValidateKernelPath validates a kernel archive path
func (v *Validator) ValidateKernelPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.InvalidArgument("kernel path cannot be empty", nil)
	}
	if len(path) > v.maxPathSize {
		return errors.InvalidArgument(fmt.Sprintf("kernel path exceeds maximum size of %d bytes", v.maxPathSize), nil).
			WithDetail("length", len(path))
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return errors.InvalidArgument("kernel path cannot contain control characters", nil)
		}
	}
	return nil
}

// ValidateFamily resolves a family name
func (v *Validator) ValidateFamily(name string) (family.Family, error) {
	if name == "" {
		return nil, errors.InvalidArgument("family cannot be empty", nil)
	}
	return family.Lookup(name)
}

// ParseObjectID parses a signed 32-bit object id
func (v *Validator) ParseObjectID(s string) (int32, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid object id '%s'", s), err)
	}
	return int32(id), nil
}

// ParseEpoch parses a required epoch
func (v *Validator) ParseEpoch(s string) (float64, error) {
	if s == "" {
		return 0, errors.InvalidArgument("epoch is required", nil)
	}
	epoch, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid epoch '%s'", s), err)
	}
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return 0, errors.InvalidArgument("epoch must be finite", nil)
	}
	return epoch, nil
}

// ParseTolerance parses an optional tolerance; empty means zero
func (v *Validator) ParseTolerance(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	tol, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.InvalidArgument(fmt.Sprintf("invalid tolerance '%s'", s), err)
	}
	if math.IsNaN(tol) || tol < 0 || tol > v.maxTolerance {
		return 0, errors.InvalidArgument(
			fmt.Sprintf("tolerance must be between 0 and %g", v.maxTolerance), nil).
			WithDetail("tolerance", s)
	}
	return tol, nil
}
