// Package bitfield packs and unpacks tagged struct fields into a single
// unsigned integer. It is a simplified version of the scheme used by
// golang.org/x/text/internal/gen/bitfield, kept on reflect because that
// is how the teacher package implements it and no pack dependency packs
// ad-hoc bitfields more directly.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing.
type Config struct {
	// NumBits fixes the maximum allowed bits for the integer
	// representation. Packing fails if the tagged fields need more.
	NumBits uint
}

// Pack packs the tagged fields of x (a struct or pointer to struct) into
// a uint32. Only fields carrying a `bitfield:",n"` tag are packed, in
// field declaration order, least-significant bits first.
func Pack(x interface{}, c *Config) (uint32, error) {
	if c == nil {
		c = &Config{NumBits: 32}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack expected struct, got %v", v.Kind())
	}

	t := v.Type()
	var packed uint64
	var bitOffset uint

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := tagBits(field)
		if err != nil {
			return 0, err
		}
		if !ok || bits == 0 {
			continue
		}

		fieldValue := v.Field(i)
		var bitsValue uint64
		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				bitsValue = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			bitsValue = fieldValue.Uint()
		default:
			return 0, fmt.Errorf("bitfield: Pack unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}

		maxValue := uint64(1)<<bits - 1
		if bitsValue > maxValue {
			return 0, fmt.Errorf("bitfield: Pack value %d exceeds %d bits for field %s", bitsValue, bits, field.Name)
		}

		packed |= bitsValue << bitOffset
		bitOffset += bits
	}

	if bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: Pack total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}

	return uint32(packed), nil
}

// Unpack writes the bits of packed into the tagged fields of dst (a
// pointer to struct), the inverse of Pack.
func Unpack(packed uint32, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack expected pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()
	t := v.Type()

	var bitOffset uint
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		bits, ok, err := tagBits(field)
		if err != nil {
			return err
		}
		if !ok || bits == 0 {
			continue
		}

		mask := uint64(1)<<bits - 1
		bitsValue := (uint64(packed) >> bitOffset) & mask
		bitOffset += bits

		fieldValue := v.Field(i)
		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(bitsValue != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(bitsValue)
		default:
			return fmt.Errorf("bitfield: Unpack unsupported field type %v for field %s", fieldValue.Kind(), field.Name)
		}
	}
	return nil
}

// tagBits parses the `bitfield:",n"` struct tag, returning the bit
// width and whether the tag was present.
func tagBits(field reflect.StructField) (uint, bool, error) {
	tag := field.Tag.Get("bitfield")
	if tag == "" {
		return 0, false, nil
	}
	var bits uint
	if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
		return 0, false, fmt.Errorf("bitfield: invalid tag %q on field %s", tag, field.Name)
	}
	return bits, true, nil
}
