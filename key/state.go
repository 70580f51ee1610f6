// Package key implements the pipeline's key record: identity, payload,
// metadata and the binary wire framing shared by every stage endpoint.
package key

// State describes what a key's payload represents and how far it has
// travelled through the distillation pipeline.
type State uint8

const (
	Other State = iota
	Raw
	Sifted
	Corrected
	Uncorrected
	Confirmed
	Unconfirmed
	Amplified
	Authenticated
	Disclosed
)

func (s State) String() string {
	switch s {
	case Other:
		return "OTHER"
	case Raw:
		return "RAW"
	case Sifted:
		return "SIFTED"
	case Corrected:
		return "CORRECTED"
	case Uncorrected:
		return "UNCORRECTED"
	case Confirmed:
		return "CONFIRMED"
	case Unconfirmed:
		return "UNCONFIRMED"
	case Amplified:
		return "AMPLIFIED"
	case Authenticated:
		return "AUTHENTICATED"
	case Disclosed:
		return "DISCLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsBits reports whether the payload of a key in this state is a bit
// sequence rather than stage-specific data (only OTHER carries the latter).
func (s State) IsBits() bool {
	return s != Other
}
