package zones

import (
	"math"
	"strings"
)

const (
	// DefaultMaxDistance is the largest center-to-center distance of neighbors.
	DefaultMaxDistance = 220.0
	// DefaultMinClusterSize is the smallest neighborhood, the box included, that seeds a cluster.
	DefaultMinClusterSize = 3
	// DefaultPadding is added on every side of a suggested zone rectangle.
	DefaultPadding = 40.0
)

// Rect is an axis-aligned rectangle in canvas units.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (rect Rect) center() (float64, float64) {
	return rect.X + rect.W/2, rect.Y + rect.H/2
}

func (rect Rect) union(other Rect) Rect {
	x1 := math.Min(rect.X, other.X)
	y1 := math.Min(rect.Y, other.Y)
	x2 := math.Max(rect.X+rect.W, other.X+other.W)
	y2 := math.Max(rect.Y+rect.H, other.Y+other.H)
	return Rect{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func (rect Rect) pad(amount float64) Rect {
	return Rect{X: rect.X - amount, Y: rect.Y - amount, W: rect.W + 2*amount, H: rect.H + 2*amount}
}

// Box is the bounding box of a canvas object.
type Box struct {
	ID   string `json:"id"`
	Type string `json:"type,omitempty"`
	Rect
}

// Options tunes clustering. Zero values take the package defaults.
type Options struct {
	MaxDistance    float64 `json:"maxDistance,omitempty"`
	MinClusterSize int     `json:"minClusterSize,omitempty"`
	Padding        float64 `json:"padding,omitempty"`
}

func (opts Options) withDefaults() Options {
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}
	if opts.MinClusterSize <= 0 {
		opts.MinClusterSize = DefaultMinClusterSize
	}
	if opts.Padding <= 0 {
		opts.Padding = DefaultPadding
	}
	return opts
}

func distance(a, b Rect) float64 {
	ax, ay := a.center()
	bx, by := b.center()
	return math.Hypot(ax-bx, ay-by)
}

// ClusterObjects groups boxes whose centers lie within MaxDistance of each
// other. A box seeds or extends a cluster only when it has at least
// MinClusterSize-1 neighbors; boxes below that threshold join the cluster
// that reaches them first but are not expanded. Output follows input order
// and boxes is left untouched.
func ClusterObjects(boxes []Box, opts Options) [][]Box {
	opts = opts.withDefaults()
	neighborsOf := func(index int) []int {
		neighbors := make([]int, 0)
		for other := range boxes {
			if other != index && distance(boxes[index].Rect, boxes[other].Rect) <= opts.MaxDistance {
				neighbors = append(neighbors, other)
			}
		}
		return neighbors
	}
	isCore := func(neighbors []int) bool {
		return len(neighbors)+1 >= opts.MinClusterSize
	}

	visited := make([]bool, len(boxes))
	claimed := make([]bool, len(boxes))
	clusters := make([][]Box, 0)

	for seed := range boxes {
		if visited[seed] || claimed[seed] {
			continue
		}
		visited[seed] = true
		neighbors := neighborsOf(seed)
		if !isCore(neighbors) {
			continue
		}

		claimed[seed] = true
		cluster := []Box{boxes[seed]}
		queue := neighbors
		for cursor := 0; cursor < len(queue); cursor++ {
			member := queue[cursor]
			if claimed[member] {
				continue
			}
			claimed[member] = true
			cluster = append(cluster, boxes[member])
			if visited[member] {
				continue
			}
			visited[member] = true
			if next := neighborsOf(member); isCore(next) {
				queue = append(queue, next...)
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// BoardContext is the board-wide character used to pick zone kinds.
type BoardContext string

const (
	ContextFlowchart  BoardContext = "flowchart"
	ContextBrainstorm BoardContext = "brainstorm"
	ContextMixed      BoardContext = "mixed"
)

var lineTypes = []string{"line", "path", "polyline"}

// GuessBoardContext classifies the whole board from its object types.
func GuessBoardContext(boxes []Box) BoardContext {
	texts, lines := 0, 0
	for _, box := range boxes {
		kind := strings.ToLower(box.Type)
		if strings.Contains(kind, "text") {
			texts++
		}
		for _, lineType := range lineTypes {
			if strings.Contains(kind, lineType) {
				lines++
				break
			}
		}
	}
	if float64(lines) >= math.Max(3, float64(texts)*0.6) {
		return ContextFlowchart
	}
	if texts >= 6 && lines <= 2 {
		return ContextBrainstorm
	}
	return ContextMixed
}
