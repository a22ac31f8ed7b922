package chat

import (
	"math"
	"strings"
)

// EmotionScore is the wire form of one prosody score.
type EmotionScore struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// EmotionMap validates a score list and folds it into a map. Repeated names keep
// their highest score.
func EmotionMap(scores []EmotionScore) (map[string]float64, error) {
	if len(scores) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(scores))
	for _, s := range scores {
		if err := AddScore(out, s.Name, s.Score); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AddScore validates one score and merges it into m.
func AddScore(m map[string]float64, name string, score float64) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return NewProtocolError("emotion name is empty")
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return NewProtocolError("score for %q must be within [0,1], got %v", name, score)
	}
	if prev, ok := m[name]; !ok || score > prev {
		m[name] = score
	}
	return nil
}
