package relay

import "github.com/google/uuid"

func newSessionID() string {
	return uuid.NewString()
}
