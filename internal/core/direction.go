package core

import "fmt"

// Direction tells which end of a relayed connection a frame originated from.
type Direction uint8

const (
	// Inbound frames originate from the client side.
	Inbound Direction = iota
	// Outbound frames originate from the server side.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Arrow is the compact display marker used in text exports.
func (d Direction) Arrow() string {
	if d == Outbound {
		return "↓"
	}
	return "↑"
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	switch string(b) {
	case "inbound":
		*d = Inbound
	case "outbound":
		*d = Outbound
	default:
		return fmt.Errorf("core: unknown direction %q", b)
	}
	return nil
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Outbound {
		return Inbound
	}
	return Outbound
}
