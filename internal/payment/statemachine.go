package payment

import "fmt"

var paymentTransitions = map[Status][]Status{
	StatusPending:           {StatusProcessing, StatusExpired, StatusCancelled},
	StatusProcessing:        {StatusSucceeded, StatusFailed},
	StatusSucceeded:         {StatusRefunded, StatusPartiallyRefunded},
	StatusFailed:            {StatusProcessing},
	StatusPartiallyRefunded: {StatusRefunded},
}

// CanTransition reports whether a single step from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}

// Path returns the shortest chain of legal steps leading from one status to
// another, excluding from and including to. Providers often report only the
// final state, so PENDING to SUCCEEDED walks through PROCESSING. An equal pair
// yields an empty path.
func Path(from, to Status) ([]Status, error) {
	if from == to {
		return nil, nil
	}
	prev := map[Status]Status{from: ""}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range paymentTransitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []Status
				for s := to; s != from; s = prev[s] {
					path = append([]Status{s}, path...)
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
