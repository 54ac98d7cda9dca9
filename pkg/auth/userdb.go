package auth

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	qerrors "github.com/pzverkov/sshcore/internal/errors"
)

// MinPasswordLength is the shortest password SetPassword accepts.
const MinPasswordLength = 8

// UserDB is a table of usernames and bcrypt password hashes. The file
// form is a YAML mapping:
//
//	alice: $2a$10$...
//	bob: $2a$10$...
type UserDB struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewUserDB returns an empty database.
func NewUserDB() *UserDB {
	return &UserDB{users: make(map[string]string)}
}

// LoadUserDB reads a user file.
func LoadUserDB(path string) (*UserDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	db, err := ParseUserDB(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// ParseUserDB parses the YAML form. Every entry must be a bcrypt hash.
func ParseUserDB(data []byte) (*UserDB, error) {
	users := make(map[string]string)
	if err := yaml.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("%w: %v", qerrors.ErrInvalidConfig, err)
	}
	db := NewUserDB()
	for user, hash := range users {
		if err := db.Add(user, hash); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// Add stores an existing bcrypt hash for user.
func (db *UserDB) Add(user, hash string) error {
	if user == "" {
		return fmt.Errorf("%w: empty username", qerrors.ErrInvalidConfig)
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("%w: user %q: %v", qerrors.ErrInvalidConfig, user, err)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[user] = hash
	return nil
}

// SetPassword hashes password and stores it for user.
func (db *UserDB) SetPassword(user, password string) error {
	hash, err := HashPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return db.Add(user, hash)
}

// Remove deletes user.
func (db *UserDB) Remove(user string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.users, user)
}

// Users returns the usernames in sorted order.
func (db *UserDB) Users() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]string, 0, len(db.users))
	for u := range db.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Marshal returns the YAML form.
func (db *UserDB) Marshal() ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return yaml.Marshal(db.users)
}

// Save writes the YAML form to path, readable by the owner only.
func (db *UserDB) Save(path string) error {
	data, err := db.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// VerifyPassword implements PasswordVerifier. Unknown users cost the same
// as a wrong password.
func (db *UserDB) VerifyPassword(_ context.Context, user, password string) error {
	db.mu.RLock()
	hash, ok := db.users[user]
	db.mu.RUnlock()
	if !ok {
		hash = dummyHash()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil || !ok {
		return qerrors.ErrAuthenticationFailed
	}
	return nil
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

var dummyHash = sync.OnceValue(func() string {
	hash, _ := bcrypt.GenerateFromPassword([]byte("not a real password"), bcrypt.DefaultCost)
	return string(hash)
})
