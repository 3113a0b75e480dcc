package collab

import (
	"fmt"
	"strconv"
	"strings"
)

// UID identifies one user's session on one project from one socket at one
// moment. Its string form is userId_projectId_socketId_epoch, e.g. "7_42_s1_1000".
// A uid is immutable; a reconnect mints a new one.
type UID struct {
	UserID    int64
	ProjectID int64
	SocketID  string
	Epoch     int64
}

// String renders the canonical uid form.
func (u UID) String() string {
	return fmt.Sprintf("%d_%d_%s_%d", u.UserID, u.ProjectID, u.SocketID, u.Epoch)
}

// IsZero reports whether the uid is unset.
func (u UID) IsZero() bool {
	return u == UID{}
}

// ClientID is the numeric id used for client-local operation ids.
func (u UID) ClientID() int64 {
	return u.UserID
}

// SameSession reports whether two uids belong to the same user on the same project.
func (u UID) SameSession(other UID) bool {
	return u.UserID == other.UserID && u.ProjectID == other.ProjectID
}

// ProjectKey returns the project id in the string form used for routing keys.
func (u UID) ProjectKey() string {
	return strconv.FormatInt(u.ProjectID, 10)
}

// ParseUID parses the canonical uid form. The socket id may itself contain
// underscores; the first two and the last segment are fixed.
func ParseUID(s string) (UID, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 4 {
		return UID{}, fmt.Errorf("%w: %q", ErrInvalidUID, s)
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return UID{}, fmt.Errorf("%w: bad user id in %q", ErrInvalidUID, s)
	}
	projectID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return UID{}, fmt.Errorf("%w: bad project id in %q", ErrInvalidUID, s)
	}
	epoch, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return UID{}, fmt.Errorf("%w: bad epoch in %q", ErrInvalidUID, s)
	}
	socketID := strings.Join(parts[2:len(parts)-1], "_")
	if socketID == "" {
		return UID{}, fmt.Errorf("%w: empty socket id in %q", ErrInvalidUID, s)
	}

	return UID{UserID: userID, ProjectID: projectID, SocketID: socketID, Epoch: epoch}, nil
}

// MarshalText implements encoding.TextMarshaler so uids travel as strings.
func (u UID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return []byte{}, nil
	}
	return []byte(u.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*u = UID{}
		return nil
	}
	parsed, err := ParseUID(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// FormatProjectID renders a project id as used in keys and routing.
func FormatProjectID(projectID int64) string {
	return strconv.FormatInt(projectID, 10)
}

// ParseProjectID parses a routing-key project id.
func ParseProjectID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid project id %q: %w", s, err)
	}
	return id, nil
}
