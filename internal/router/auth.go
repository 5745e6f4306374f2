package router

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials gate every non-protocol path. Password may be a bcrypt hash.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) configured() bool { return c.Username != "" && c.Password != "" }

func (c Credentials) hashed() bool {
	return strings.HasPrefix(c.Password, "$2a$") || strings.HasPrefix(c.Password, "$2b$") || strings.HasPrefix(c.Password, "$2y$")
}

// check reports whether r carries matching Basic credentials. With no
// credentials configured nothing matches.
func (c Credentials) check(r *http.Request) bool {
	if !c.configured() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := equal(user, c.Username)
	var passOK bool
	if c.hashed() {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.Password), []byte(pass)) == nil
	} else {
		passOK = equal(pass, c.Password)
	}
	return userOK && passOK
}

// equal compares in constant time regardless of length.
func equal(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
