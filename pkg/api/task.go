package api

// Outcome labels a settled invocation for metrics and logs.
type Outcome string

const (
	OutcomeOK Outcome = "ok"
)

// OutcomeOf maps a settlement error to its Outcome label.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	return Outcome(KindOf(err))
}
