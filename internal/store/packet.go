package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"firestige.xyz/inspector/internal/core"
)

// Packet is one observed frame. It is immutable once added to a Store, except
// for Selected, which only the store sets on the copies it hands out.
type Packet struct {
	ID        uint64         `json:"id"`
	Direction core.Direction `json:"direction"`
	Kind      int32          `json:"kind"`
	Name      string         `json:"name"`
	Raw       []byte         `json:"raw"`
	CreatedAt time.Time      `json:"created_at"`
	Selected  bool           `json:"selected"`
}

// Label is the row text shown by viewers: hex kind and packet name.
func (p Packet) Label() string {
	return fmt.Sprintf("0x%02X %s", p.Kind, p.Name)
}

// String is the line written by the text exporter.
func (p Packet) String() string {
	return fmt.Sprintf("#%d %s %s %s len=%d",
		p.ID, p.CreatedAt.Format(time.RFC3339Nano), p.Direction.Arrow(), p.Label(), len(p.Raw))
}

// Matches reports whether the packet is visible under filter. An empty filter
// matches everything; otherwise the filter is a case-insensitive substring of
// the name, or a kind written as 0xNN.
func (p Packet) Matches(filter string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return true
	}
	if strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter)) {
		return true
	}
	if strings.HasPrefix(filter, "0x") || strings.HasPrefix(filter, "0X") {
		if kind, err := strconv.ParseInt(filter, 0, 64); err == nil {
			return int64(p.Kind) == kind
		}
	}
	return false
}
