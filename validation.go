package pebbletcp

import "errors"

// Validator accumulates validation errors found while inspecting a frame
// before its fields are trusted. Zero value is ready to use.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// AllowMultipleErrors configures the validator to accumulate every error
// found instead of stopping at the first one.
func (v *Validator) AllowMultipleErrors(allow bool) { v.allowMultiErrs = allow }

func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

func (v *Validator) gotErr(err error) {
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr records err found at the given bit offset/length within the
// frame being validated. The position is informational only; validators that
// do not care about field provenance can treat this exactly like gotErr.
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	v.gotErr(err)
}

// ErrPop returns the accumulated validation error, if any, and resets the
// validator so it is ready to validate the next frame.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}
