package room

import "fmt"

type TerrainType byte

const (
	TerrainPlain TerrainType = iota
	TerrainWall
	TerrainSwamp
)

// Terrain is the immutable tile map of a room, stored row-major.
type Terrain [Size * Size]TerrainType

func (t *Terrain) At(p Position) TerrainType {
	if !p.InBounds() {
		return TerrainWall
	}
	return t[p.Y*Size+p.X]
}

func (t *Terrain) Set(p Position, v TerrainType) {
	if p.InBounds() {
		t[p.Y*Size+p.X] = v
	}
}

func (t *Terrain) IsWall(p Position) bool {
	return t.At(p) == TerrainWall
}

func (t *Terrain) Bytes() []byte {
	out := make([]byte, len(t))
	for i, v := range t {
		out[i] = byte(v)
	}
	return out
}

func TerrainFromBytes(data []byte) (*Terrain, error) {
	if len(data) != Size*Size {
		return nil, fmt.Errorf("%w: terrain is %d bytes", ErrCorruptBlob, len(data))
	}
	var t Terrain
	for i, v := range data {
		t[i] = TerrainType(v)
	}
	return &t, nil
}

// TerrainKey is the blob store key of a room's terrain.
func TerrainKey(room string) string {
	return "terrain/" + room
}
