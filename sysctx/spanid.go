package sysctx

import "github.com/google/uuid"

// NewSpanID returns a UUIDv7 string identifying one span of work —
// a dial/accept/negotiate attempt, say — for correlating the handful
// of log records it produces. Grounded on bassosimone/nop's NewSpanID.
//
// UUIDv7 embeds a millisecond timestamp, so span IDs also sort in
// creation order, which plain v4 UUIDs don't offer.
func NewSpanID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Only the system CSPRNG failing makes NewV7 return an error; a
		// random v4 still gives a usable (if unsorted) correlation ID.
		return uuid.New().String()
	}
	return id.String()
}
