// Package consensus implements the pure vote-tallying law. It performs no
// I/O and never inspects vote reasoning strings.
package consensus

// Vote is a single agent's cast vote and optional rationale.
type Vote struct {
	Vote      VoteValue
	Reasoning string
}

// VoteValue is the closed set of values an agent may cast.
type VoteValue string

const (
	VoteAgree    VoteValue = "agree"
	VoteDisagree VoteValue = "disagree"
	VoteAbstain  VoteValue = "abstain"
)

// Outcome is the result of tallying a vote map.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeDeadlock Outcome = "deadlock"
)

// Result is the tally's verdict plus its confidence score.
type Result struct {
	Outcome    Outcome
	Confidence float64
}

// Tally applies the majority law: given N = len(votes),
//   - approved  iff count(agree)    > N/2, confidence = agree/N
//   - rejected  iff count(disagree) > N/2, confidence = disagree/N
//   - deadlock  otherwise,                 confidence = 0.5
//
// Ties (e.g. 2-2 with 0 abstain) fall through to deadlock. An empty vote
// map is a deadlock with confidence 0.5: there is no majority to find.
func Tally(votes map[string]Vote) Result {
	n := len(votes)
	if n == 0 {
		return Result{Outcome: OutcomeDeadlock, Confidence: 0.5}
	}

	var agree, disagree int
	for _, v := range votes {
		switch v.Vote {
		case VoteAgree:
			agree++
		case VoteDisagree:
			disagree++
		}
	}

	half := float64(n) / 2

	if float64(agree) > half {
		return Result{Outcome: OutcomeApproved, Confidence: float64(agree) / float64(n)}
	}
	if float64(disagree) > half {
		return Result{Outcome: OutcomeRejected, Confidence: float64(disagree) / float64(n)}
	}
	return Result{Outcome: OutcomeDeadlock, Confidence: 0.5}
}
