package pairchat

import "sync"

// Keys used in a CredentialStore.
const (
	KeyToken  = "jwtToken"
	KeyUserID = "userId"
)

// CredentialStore is a process-wide keyed store for the session credential.
type CredentialStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStore is an in-memory CredentialStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Session is the authenticated identity shared by the connection and the
// components. It is immutable once created.
type Session struct {
	credential string
	userID     string
}

// NewSession resolves the user id from credential. It fails with an
// authentication error when the credential is absent or malformed.
func NewSession(credential string) (*Session, error) {
	userID, err := ResolveUserID(credential)
	if err != nil {
		return nil, err
	}
	return &Session{credential: credential, userID: userID}, nil
}

// LoadSession restores a session from store. An absent credential means the
// user is logged out.
func LoadSession(store CredentialStore) (*Session, error) {
	token, ok := store.Get(KeyToken)
	if !ok || token == "" {
		return nil, ErrMissingCredential
	}
	return NewSession(token)
}

// Credential returns the bearer credential.
func (s *Session) Credential() string { return s.credential }

// UserID returns the resolved user identifier.
func (s *Session) UserID() string { return s.userID }

// Save persists the credential and user id into store.
func (s *Session) Save(store CredentialStore) error {
	if err := store.Set(KeyToken, s.credential); err != nil {
		return err
	}
	return store.Set(KeyUserID, s.userID)
}

// ClearSession removes any persisted credential (logout).
func ClearSession(store CredentialStore) error {
	if err := store.Delete(KeyToken); err != nil {
		return err
	}
	return store.Delete(KeyUserID)
}
