package realtime

import "fmt"

// interestKind discriminates the two routing scopes.
type interestKind uint8

const (
	interestUser interestKind = iota + 1
	interestResource
)

// InterestKey is the routing key that decides which connections receive an
// event. User-scoped keys are registered implicitly for every authenticated
// connection; resource-scoped keys require an explicit subscribe message.
type InterestKey struct {
	kind interestKind
	id   string
}

// UserKey addresses every connection belonging to a user.
func UserKey(userID string) InterestKey {
	return InterestKey{kind: interestUser, id: userID}
}

// ResourceKey addresses connections that subscribed to a specific input
// image.
func ResourceKey(inputImageID string) InterestKey {
	return InterestKey{kind: interestResource, id: inputImageID}
}

// IsZero reports whether the key is unset.
func (k InterestKey) IsZero() bool { return k.kind == 0 }

func (k InterestKey) String() string {
	switch k.kind {
	case interestUser:
		return fmt.Sprintf("user:%s", k.id)
	case interestResource:
		return fmt.Sprintf("resource:%s", k.id)
	default:
		return "unknown"
	}
}
