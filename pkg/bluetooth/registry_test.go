package bluetooth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func deviceAt(uuid string, ts uint64) *Device {
	return &Device{uuid: uuid, name: "Trezor", timestamp: ts}
}

func TestRegistryInsertGet(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Get("missing"))

	d := deviceAt("a", 10)
	r.Insert("a", d)
	assert.Same(t, d, r.Get("a"))

	replacement := deviceAt("a", 20)
	r.Insert("a", replacement)
	assert.Same(t, replacement, r.Get("a"))
	assert.Len(t, r.List(), 1)
}

func TestRegistryListOrdering(t *testing.T) {
	r := NewRegistry()
	r.Insert("c", deviceAt("c", 30))
	r.Insert("a", deviceAt("a", 10))
	r.Insert("b", deviceAt("b", 20))
	// Tie on timestamp breaks by uuid.
	r.Insert("e", deviceAt("e", 20))
	r.Insert("d", deviceAt("d", 20))

	var got []string
	for _, d := range r.List() {
		got = append(got, d.UUID())
	}
	assert.Equal(t, []string{"a", "b", "d", "e", "c"}, got)
}

func TestRegistrySnapshotIsDefensive(t *testing.T) {
	r := NewRegistry()
	r.Insert("a", deviceAt("a", 10))

	snap := r.Snapshot()
	assert.Len(t, snap, 1)

	// Later mutation does not leak into the snapshot.
	r.Get("a").SetPaired(true)
	assert.False(t, snap[0].Paired)
}
