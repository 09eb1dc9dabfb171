package layer

import "fmt"

// Generation is the attachment generation of a tenant location. Generations
// are issued in increasing order; a newer attachment always carries a larger
// number.
type Generation uint32

// GenerationNone marks data written before generations were issued.
const GenerationNone Generation = 0

// IsNone reports whether g is GenerationNone.
func (g Generation) IsNone() bool { return g == GenerationNone }

// Next returns the generation that follows g.
func (g Generation) Next() Generation { return g + 1 }

// Previous returns the generation before g. The previous of the first valid
// generation is GenerationNone.
func (g Generation) Previous() Generation {
	if g.IsNone() {
		return GenerationNone
	}
	return g - 1
}

// Suffix is appended to remote object names written under g.
func (g Generation) Suffix() string {
	if g.IsNone() {
		return ""
	}
	return fmt.Sprintf("-%08x", uint32(g))
}

func (g Generation) String() string {
	if g.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%08x", uint32(g))
}
