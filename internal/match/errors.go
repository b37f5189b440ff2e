package match

// Recoverable validation failures. All of them leave the Record
// untouched and are reported to the offending actor only.
var (
	ErrMatchExists         = errf("match already exists")
	ErrMatchNotFound       = errf("match not found")
	ErrMatchFull           = errf("both seats are already taken")
	ErrNotAPlayer          = errf("actor does not occupy a seat")
	ErrWrongTurn           = errf("not this player's turn")
	ErrGameNotActive       = errf("match is not active")
	ErrNoDrawOffer         = errf("no outstanding draw offer")
	ErrUnauthorizedAction  = errf("action not permitted for this identity")
	ErrUnauthorizedTimeout = errf("timeout claim does not match the clock")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

func errf(s string) error { return staticErr(s) }
