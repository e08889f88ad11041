package peer

import (
	"fmt"

	"crownlink/internal/link"
)

// Session is a follower's record of its crown.
type Session struct {
	Crown      link.Addr
	CrownKey   [32]byte
	SessionKey []byte
	NetCheck   string
}

func (s Session) String() string {
	return fmt.Sprintf("Session{crown=%s netcheck=%q}", s.Crown, s.NetCheck)
}
