package export

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"firestige.xyz/inspector/internal/store"
)

// BadgerExporter stores every packet as JSON under key "packet:<id>" in a
// Badger database at the destination directory. Saving twice into the same
// directory overwrites packets with equal ids.
type BadgerExporter struct{}

// Key returns the database key of packet id. Keys sort in id order.
func Key(id uint64) []byte {
	return []byte(fmt.Sprintf("packet:%020d", id))
}

func (BadgerExporter) Export(path string, packets []store.Packet) error {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("badger: open %s: %w", path, err)
	}
	defer db.Close()

	wb := db.NewWriteBatch()
	for _, p := range packets {
		p.Selected = false
		value, err := json.Marshal(p)
		if err != nil {
			wb.Cancel()
			return fmt.Errorf("badger: marshal packet %d: %w", p.ID, err)
		}
		if err := wb.Set(Key(p.ID), value); err != nil {
			wb.Cancel()
			return fmt.Errorf("badger: set packet %d: %w", p.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger: flush: %w", err)
	}
	return nil
}

// LoadBadger reads back the packets written by BadgerExporter, in id order.
func LoadBadger(path string) ([]store.Packet, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("badger: open %s: %w", path, err)
	}
	defer db.Close()

	var out []store.Packet
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("packet:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var p store.Packet
				if err := json.Unmarshal(v, &p); err != nil {
					return err
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: read %s: %w", path, err)
	}
	return out, nil
}
