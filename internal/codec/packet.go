package codec

import "fmt"

// Packet is one decoded frame: its packet id, the label the family gives that
// id, and the payload following the id.
type Packet struct {
	ID      int32
	Name    string
	Payload []byte
}

func (p *Packet) String() string {
	return fmt.Sprintf("0x%02X %s (%d bytes)", p.ID, p.Name, len(p.Payload))
}
