package wire

// Fixed is Wayland's 24.8 signed fixed-point number format.
type Fixed int32

// Float64 converts a Fixed to a float64.
func (f Fixed) Float64() float64 {
	return float64(f) / 256.0
}

// NewFixed converts a float64 to a Fixed.
func NewFixed(v float64) Fixed {
	return Fixed(v * 256.0)
}
