package zones

import "fmt"

// Kind is the editing policy of a zone.
type Kind string

const (
	KindFreeEdit       Kind = "FREE_EDIT"
	KindLockedZone     Kind = "LOCKED_ZONE"
	KindReviewRequired Kind = "REVIEW_REQUIRED"
)

// Suggestion is a proposed zone covering one cluster.
type Suggestion struct {
	Name       string   `json:"name"`
	Kind       Kind     `json:"type"`
	Rect       Rect     `json:"rect"`
	ObjectIDs  []string `json:"objectIds"`
	Confidence float64  `json:"confidence"`
}

// SuggestZones proposes one zone per cluster of boxes.
func SuggestZones(boxes []Box, opts Options) []Suggestion {
	opts = opts.withDefaults()
	clusters := ClusterObjects(boxes, opts)
	boardContext := GuessBoardContext(boxes)

	suggestions := make([]Suggestion, 0, len(clusters))
	for index, cluster := range clusters {
		rect := cluster[0].Rect
		objectIDs := make([]string, 0, len(cluster))
		for _, box := range cluster {
			rect = rect.union(box.Rect)
			objectIDs = append(objectIDs, box.ID)
		}
		kind, confidence := classify(boardContext, index)
		suggestions = append(suggestions, Suggestion{
			Name:       fmt.Sprintf("Suggested zone %d", index+1),
			Kind:       kind,
			Rect:       rect.pad(opts.Padding),
			ObjectIDs:  objectIDs,
			Confidence: confidence,
		})
	}
	return suggestions
}

func classify(boardContext BoardContext, index int) (Kind, float64) {
	switch boardContext {
	case ContextFlowchart:
		return KindLockedZone, 0.62
	case ContextBrainstorm:
		return KindFreeEdit, 0.62
	default:
		if index%3 == 0 {
			return KindReviewRequired, 0.55
		}
		return KindFreeEdit, 0.55
	}
}
