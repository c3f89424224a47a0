package errorx

// Code is a stable numeric error code exposed to clients.
type Code int

const (
	// Validation codes
	BadRequest   Code = 100001
	InvalidTier  Code = 100002
	UserNotFound Code = 100003
	NotFound     Code = 100004

	// Conflict codes
	CooldownActive      Code = 200001
	DuplicateDrawPeriod Code = 200002
	LostRace            Code = 200003
	DrawNotPending      Code = 200004
	DrawBlocked         Code = 200005

	// Transient codes
	PersistenceFailure Code = 300001
	NetworkFailure     Code = 300002

	// Settlement codes
	PayoutFailed       Code = 400001
	PayoutManualReview Code = 400002

	// Integrity codes
	IntegrityViolation Code = 500001

	// Internal covers failures without a domain code.
	Internal Code = 900001
)

// Kind groups codes by how callers should react.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindTransient
	KindSettlement
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindSettlement:
		return "settlement"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Kind derives the error class from the code range.
func (c Code) Kind() Kind {
	switch c / 100000 {
	case 1:
		return KindValidation
	case 2:
		return KindConflict
	case 3:
		return KindTransient
	case 4:
		return KindSettlement
	case 5:
		return KindIntegrity
	default:
		return KindUnknown
	}
}
