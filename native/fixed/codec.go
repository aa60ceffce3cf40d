package fixed

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	cloneerr "cloneprotocol/core/errors"
)

// EncodedLen is the size of the persisted representation.
const EncodedLen = 16

const (
	scaleShift = 16
	scaleMask  = 0x00FF0000
	signBit    = 0x80000000
)

// MarshalBinary encodes d as 16 little-endian bytes: a flags word carrying
// the scale in bits 16..23 and the sign in bit 31, followed by the low, mid
// and high 32-bit words of the mantissa magnitude.
func (d Decimal) MarshalBinary() ([]byte, error) {
	scale := d.Scale()
	if scale > MaxScale {
		return nil, cloneerr.ErrCheckedMath
	}
	mantissa := d.Mantissa()
	if exceeds(mantissa) {
		return nil, cloneerr.ErrCheckedMath
	}
	flags := uint32(scale) << scaleShift
	if mantissa.Sign() < 0 {
		flags |= signBit
		mantissa.Neg(mantissa)
	}
	var words [12]byte
	mantissa.FillBytes(words[:])
	out := make([]byte, EncodedLen)
	binary.LittleEndian.PutUint32(out[0:4], flags)
	binary.LittleEndian.PutUint32(out[4:8], binary.BigEndian.Uint32(words[8:12]))
	binary.LittleEndian.PutUint32(out[8:12], binary.BigEndian.Uint32(words[4:8]))
	binary.LittleEndian.PutUint32(out[12:16], binary.BigEndian.Uint32(words[0:4]))
	return out, nil
}

// UnmarshalBinary decodes the layout written by MarshalBinary.
func (d *Decimal) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedLen {
		return fmt.Errorf("fixed: encoded decimal must be %d bytes, got %d", EncodedLen, len(data))
	}
	flags := binary.LittleEndian.Uint32(data[0:4])
	if flags&^(scaleMask|signBit) != 0 {
		return fmt.Errorf("fixed: invalid flags %#x", flags)
	}
	scale := (flags & scaleMask) >> scaleShift
	if scale > MaxScale {
		return fmt.Errorf("fixed: scale %d out of range", scale)
	}
	var words [12]byte
	binary.BigEndian.PutUint32(words[0:4], binary.LittleEndian.Uint32(data[12:16]))
	binary.BigEndian.PutUint32(words[4:8], binary.LittleEndian.Uint32(data[8:12]))
	binary.BigEndian.PutUint32(words[8:12], binary.LittleEndian.Uint32(data[4:8]))
	mantissa := new(big.Int).SetBytes(words[:])
	if flags&signBit != 0 {
		mantissa.Neg(mantissa)
	}
	*d = NewFromBig(mantissa, scale)
	return nil
}

// Bytes is MarshalBinary for callers that have already validated d.
func (d Decimal) Bytes() []byte {
	out, err := d.MarshalBinary()
	if err != nil {
		return make([]byte, EncodedLen)
	}
	return out
}

// ToUint256 converts d into a raw token amount with the given number of
// decimals. Fractional digits beyond scale are dropped toward zero.
func (d Decimal) ToUint256(scale uint32) (*uint256.Int, error) {
	mantissa := d.Rescale(scale).Mantissa()
	if mantissa.Sign() < 0 {
		return nil, cloneerr.ErrIntTypeConversion
	}
	out, overflow := uint256.FromBig(mantissa)
	if overflow {
		return nil, cloneerr.ErrIntTypeConversion
	}
	return out, nil
}

// FromUint256 interprets a raw token amount with the given number of
// decimals.
func FromUint256(v *uint256.Int, scale uint32) (Decimal, error) {
	if v == nil {
		return Zero(scale), nil
	}
	mantissa := v.ToBig()
	if exceeds(mantissa) {
		return Decimal{}, cloneerr.ErrIntTypeConversion
	}
	return NewFromBig(mantissa, scale), nil
}

// ToUint64 converts the integer part of d.
func (d Decimal) ToUint64() (uint64, error) {
	mantissa := d.Rescale(0).Mantissa()
	if mantissa.Sign() < 0 || !mantissa.IsUint64() {
		return 0, cloneerr.ErrIntTypeConversion
	}
	return mantissa.Uint64(), nil
}
