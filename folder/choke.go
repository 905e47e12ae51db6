package folder

// ChokeStrategy decides whether an interested remote is unchoked. Remotes
// that are refused wait in arrival order and are reconsidered whenever an
// unchoked remote loses interest or detaches.
type ChokeStrategy interface {
	ShouldUnchoke(r Remote, unchoked int) bool
}

// UnchokeAll serves every interested remote.
type UnchokeAll struct{}

func (UnchokeAll) ShouldUnchoke(Remote, int) bool { return true }

// MaxUnchoked serves at most n remotes at a time, without rotation.
type MaxUnchoked int

func (m MaxUnchoked) ShouldUnchoke(_ Remote, unchoked int) bool {
	return unchoked < int(m)
}
