package domain

// PostingState is the lifecycle of a single checkout inside the engine.
type PostingState string

const (
	StateBuilding  PostingState = "BUILDING"
	StateValidated PostingState = "VALIDATED"
	StatePosted    PostingState = "POSTED"
	StateVoided    PostingState = "VOIDED"
)

var validNext = map[PostingState]map[PostingState]bool{
	StateBuilding:  {StateValidated: true},
	StateValidated: {StatePosted: true},
	StatePosted:    {StateVoided: true},
	StateVoided:    {},
}

func CanTransition(from, to PostingState) bool {
	return validNext[from][to]
}

// StateOf maps a persisted sale status onto the posting lifecycle.
func StateOf(status SaleStatus) PostingState {
	if status == SaleVoid {
		return StateVoided
	}
	return StatePosted
}
