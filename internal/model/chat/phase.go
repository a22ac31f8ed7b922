package chat

// Phase is the orchestrator's position in the turn state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseListening   Phase = "listening"
	PhaseTranscribed Phase = "transcribed"
	PhaseThinking    Phase = "thinking"
	PhaseSpeaking    Phase = "speaking"
	PhaseError       Phase = "error"
)

var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseListening, PhaseTranscribed},
	PhaseListening:   {PhaseTranscribed},
	PhaseTranscribed: {PhaseThinking},
	// Thinking -> Listening is the barge-in edge.
	PhaseThinking: {PhaseSpeaking, PhaseListening},
	PhaseSpeaking: {PhaseListening},
	PhaseError:    {PhaseIdle},
}

// CanTransition reports whether from -> to is a legal edge. Every phase except Error
// may fall into Error.
func CanTransition(from, to Phase) bool {
	if to == PhaseError {
		return from != PhaseError && from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the observed sequence only uses legal edges.
func ValidPath(phases []Phase) bool {
	for i := 1; i < len(phases); i++ {
		if !CanTransition(phases[i-1], phases[i]) {
			return false
		}
	}
	return true
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := transitions[p]
	return ok
}

// Busy reports whether a turn is in flight.
func (p Phase) Busy() bool {
	return p == PhaseTranscribed || p == PhaseThinking || p == PhaseSpeaking
}
