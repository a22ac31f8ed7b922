package chat

import "time"

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one user transcript or one assistant reply. Turns are never mutated once
// they have been appended to a session history.
type Turn struct {
	ID        string             `json:"id"`
	Seq       int                `json:"seq"`
	Role      Role               `json:"role"`
	Text      string             `json:"text"`
	Emotions  map[string]float64 `json:"emotions,omitempty"`
	Provider  Provider           `json:"provider,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// CloneEmotions returns an independent copy of an emotion vector. Nil and empty
// inputs both yield nil.
func CloneEmotions(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for name, score := range in {
		out[name] = score
	}
	return out
}
