package keycrypt

import "time"

// SessionKey holds an unwrapped DEK for the lifetime of one session. It is
// exclusively owned by the session that installed it and must never be
// shared across concurrent requests from different users. Zero wipes the
// key when the session ends.
type SessionKey struct {
	userID  string
	key     []byte
	boundAt time.Time
}

// NewSessionKey copies a 32-byte DEK into a session-scoped holder.
func NewSessionKey(userID string, dek []byte) (*SessionKey, error) {
	if len(dek) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, dek)
	return &SessionKey{userID: userID, key: k, boundAt: time.Now()}, nil
}

// UserID returns the user the session key belongs to.
func (s *SessionKey) UserID() string { return s.userID }

// BoundAt returns when the DEK was installed into the session.
func (s *SessionKey) BoundAt() time.Time { return s.boundAt }

// Zero wipes the key material. The session key is unusable afterwards.
func (s *SessionKey) Zero() {
	zeroBytes(s.key)
	s.key = nil
}

// Wipe overwrites a key buffer. Callers finished with unwrapped key
// material wipe it rather than waiting for the collector.
func Wipe(b []byte) { zeroBytes(b) }

// zeroBytes overwrites b so dropped key material does not linger in memory.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
