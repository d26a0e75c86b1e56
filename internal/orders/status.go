package orders

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusSettled  Status = "SETTLED"
	StatusRejected Status = "REJECTED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:  {StatusSettled: true, StatusRejected: true},
	StatusSettled:  {},
	StatusRejected: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

func (s Status) DisplayMessage() string {
	switch s {
	case StatusSettled:
		return "Payment approved. Your order is being processed."
	case StatusPending:
		return "We are reviewing your payment. You will receive an email within 24 hours once it is credited."
	case StatusRejected:
		return "Your payment was rejected. Please try again."
	default:
		return "Unknown payment status. Contact support if the problem persists."
	}
}
