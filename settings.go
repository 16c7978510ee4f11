package gitgate

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Settings is the immutable provider configuration handed to a backend
// constructor. Fields a backend does not need are ignored by it.
type Settings struct {
	// Path locates the backing file for file and bolt backends.
	Path string
	// Project and Database select the directory backend's datastore.
	Project  string
	Database string
	// BcryptCost tunes credential hashing. Zero means bcrypt.DefaultCost.
	BcryptCost int
}

// DefaultSettings returns settings with the default hashing cost.
func DefaultSettings() Settings {
	return Settings{BcryptCost: bcrypt.DefaultCost}
}

// Cost validates and returns the effective bcrypt cost.
func (s Settings) Cost() (int, error) {
	if s.BcryptCost == 0 {
		return bcrypt.DefaultCost, nil
	}
	if s.BcryptCost < bcrypt.MinCost || s.BcryptCost > bcrypt.MaxCost {
		return 0, &ConfigError{
			Setting: "bcrypt cost",
			Reason:  fmt.Sprintf("%d outside %d..%d", s.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost),
		}
	}
	return s.BcryptCost, nil
}
