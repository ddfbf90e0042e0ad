package ring

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// HashRange is the half-open interval (Lower, Upper] on the ring. When
// Upper <= Lower the range wraps around zero; Lower == Upper covers the whole
// ring.
type HashRange struct {
	Lower *big.Int
	Upper *big.Int
}

// NewHashRange builds a range from two positions.
func NewHashRange(lower, upper *big.Int) HashRange {
	return HashRange{
		Lower: new(big.Int).Set(lower),
		Upper: new(big.Int).Set(upper),
	}
}

// ParseHashRange builds a range from hexadecimal bounds.
func ParseHashRange(lower, upper string) (HashRange, error) {
	lo, err := ParseHash(lower)
	if err != nil {
		return HashRange{}, err
	}
	hi, err := ParseHash(upper)
	if err != nil {
		return HashRange{}, err
	}
	return HashRange{Lower: lo, Upper: hi}, nil
}

// IsFull reports whether the range covers every position.
func (r HashRange) IsFull() bool {
	return r.Lower.Cmp(r.Upper) == 0
}

// Contains reports whether k lies in the range.
func (r HashRange) Contains(k *big.Int) bool {
	if r.Upper.Cmp(r.Lower) <= 0 {
		return k.Cmp(r.Upper) <= 0 || k.Cmp(r.Lower) > 0
	}
	return k.Cmp(r.Upper) <= 0 && k.Cmp(r.Lower) > 0
}

// ContainsKey reports whether the hash of key lies in the range.
func (r HashRange) ContainsKey(key string) bool {
	return r.Contains(KeyHash(key))
}

// Intersection returns the overlap of r and other, assuming they overlap in
// one contiguous piece.
func (r HashRange) Intersection(other HashRange) HashRange {
	lowerIn := r.Contains(other.Lower)
	upperIn := r.Contains(other.Upper)
	switch {
	case lowerIn && upperIn:
		return NewHashRange(other.Lower, other.Upper)
	case !lowerIn && !upperIn:
		return NewHashRange(r.Lower, r.Upper)
	case lowerIn:
		return NewHashRange(other.Lower, r.Upper)
	default:
		return NewHashRange(r.Lower, other.Upper)
	}
}

// Union returns the smallest single range spanning r and other, assuming
// they touch or overlap.
func (r HashRange) Union(other HashRange) HashRange {
	lowerIn := r.Contains(other.Lower)
	upperIn := r.Contains(other.Upper)
	switch {
	case lowerIn && upperIn:
		return NewHashRange(r.Lower, r.Upper)
	case !lowerIn && !upperIn:
		return NewHashRange(other.Lower, other.Upper)
	case lowerIn:
		return NewHashRange(r.Lower, other.Upper)
	default:
		return NewHashRange(other.Lower, r.Upper)
	}
}

// Remove subtracts other from r. Pieces that collapse to a single point are
// dropped, so an empty result means nothing of r survives outside other.
func (r HashRange) Remove(other HashRange) []HashRange {
	if other.IsFull() {
		return nil
	}
	lowerIn := r.Contains(other.Lower)
	upperIn := r.Contains(other.Upper)

	var pieces []HashRange
	switch {
	case lowerIn && upperIn:
		pieces = append(pieces,
			NewHashRange(other.Upper, r.Upper),
			NewHashRange(r.Lower, other.Lower))
	case lowerIn:
		pieces = append(pieces, NewHashRange(r.Lower, other.Lower))
	case upperIn:
		pieces = append(pieces, NewHashRange(other.Upper, r.Upper))
	default:
		pieces = append(pieces, NewHashRange(r.Lower, r.Upper))
	}

	result := pieces[:0]
	for _, p := range pieces {
		if !p.IsFull() {
			result = append(result, p)
		}
	}
	return result
}

// Equal compares bounds.
func (r HashRange) Equal(other HashRange) bool {
	return r.Lower.Cmp(other.Lower) == 0 && r.Upper.Cmp(other.Upper) == 0
}

// Bounds returns the hexadecimal bounds, lower first.
func (r HashRange) Bounds() [2]string {
	return [2]string{r.Lower.Text(16), r.Upper.Text(16)}
}

func (r HashRange) String() string {
	return fmt.Sprintf("(%s, %s]", r.Lower.Text(16), r.Upper.Text(16))
}

// MarshalJSON encodes the range as ["lowerHex", "upperHex"].
func (r HashRange) MarshalJSON() ([]byte, error) {
	b := r.Bounds()
	return json.Marshal(b[:])
}

// UnmarshalJSON decodes ["lowerHex", "upperHex"].
func (r *HashRange) UnmarshalJSON(data []byte) error {
	var bounds []string
	if err := json.Unmarshal(data, &bounds); err != nil {
		return err
	}
	if len(bounds) != 2 {
		return fmt.Errorf("hash range needs 2 bounds, got %d", len(bounds))
	}
	parsed, err := ParseHashRange(bounds[0], bounds[1])
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
