package room

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Size is the edge length of every room; valid coordinates are 0..Size-1.
const Size = 50

var ErrInvalidRoomName = errors.New("room: invalid room name")

type Position struct {
	X int `msgpack:"x"`
	Y int `msgpack:"y"`
}

func (p Position) InBounds() bool {
	return p.X >= 0 && p.X < Size && p.Y >= 0 && p.Y < Size
}

// OnEdge reports whether p is an exit tile.
func (p Position) OnEdge() bool {
	return p.X == 0 || p.Y == 0 || p.X == Size-1 || p.Y == Size-1
}

func (p Position) Step(d Direction) Position {
	dx, dy := d.Delta()
	return Position{X: p.X + dx, Y: p.Y + dy}
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Direction follows the clockwise numbering players use: 1 is TOP, 8 is TOP_LEFT.
type Direction int

const (
	Top Direction = iota + 1
	TopRight
	Right
	BottomRight
	Bottom
	BottomLeft
	Left
	TopLeft
)

var directionDeltas = [...][2]int{
	Top:         {0, -1},
	TopRight:    {1, -1},
	Right:       {1, 0},
	BottomRight: {1, 1},
	Bottom:      {0, 1},
	BottomLeft:  {-1, 1},
	Left:        {-1, 0},
	TopLeft:     {-1, -1},
}

func (d Direction) Valid() bool {
	return d >= Top && d <= TopLeft
}

func (d Direction) Delta() (dx, dy int) {
	if !d.Valid() {
		return 0, 0
	}
	delta := directionDeltas[d]
	return delta[0], delta[1]
}

// Opposite returns the reverse direction; it is used to place an object entering
// a neighbouring room on the matching edge.
func (d Direction) Opposite() Direction {
	if !d.Valid() {
		return 0
	}
	return (d+3)%8 + 1
}

var roomNamePattern = regexp.MustCompile(`^([WE])(\d+)([NS])(\d+)$`)

// Coordinates converts a room name such as W3N5 into world coordinates where
// E0 and S0 are 0 and W0 and N0 are -1.
func Coordinates(name string) (x, y int, err error) {
	m := roomNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidRoomName, name)
	}
	xx, _ := strconv.Atoi(m[2])
	yy, _ := strconv.Atoi(m[4])
	if m[1] == "W" {
		xx = -xx - 1
	}
	if m[3] == "N" {
		yy = -yy - 1
	}
	return xx, yy, nil
}

// NameAt is the inverse of Coordinates.
func NameAt(x, y int) string {
	h, v := "E", "S"
	if x < 0 {
		h, x = "W", -x-1
	}
	if y < 0 {
		v, y = "N", -y-1
	}
	return fmt.Sprintf("%s%d%s%d", h, x, v, y)
}

// Neighbor returns the room adjacent to name in direction d. Only the four
// orthogonal directions have neighbours.
func Neighbor(name string, d Direction) (string, error) {
	x, y, err := Coordinates(name)
	if err != nil {
		return "", err
	}
	switch d {
	case Top, Right, Bottom, Left:
	default:
		return "", fmt.Errorf("room: no neighbour in direction %d", d)
	}
	dx, dy := d.Delta()
	return NameAt(x+dx, y+dy), nil
}
