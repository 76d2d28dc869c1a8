package lock

import (
	"strings"

	"github.com/google/uuid"
)

// separator splits holder identity from nonce in a stored lock value.
const separator = "|"

// Token identifies one acquisition. Only the acquisition that created a
// token can release the lock it guards.
type Token struct {
	Key    string
	Holder string
	Nonce  string
}

// NewToken creates a token with a fresh random nonce for holder.
func NewToken(key, holder string) *Token {
	return &Token{
		Key:    key,
		Holder: holder,
		Nonce:  strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

// Value is the string stored under the lock key.
func (t *Token) Value() string {
	return t.Holder + separator + t.Nonce
}

func (t *Token) String() string {
	return t.Key + "=" + t.Value()
}

// ParseHolder extracts the holder identity from a stored lock value.
// The nonce is hex, so the value splits at the last separator and holder
// identities may themselves contain one. Values without a separator yield "".
func ParseHolder(value string) string {
	idx := strings.LastIndex(value, separator)
	if idx < 0 {
		return ""
	}
	return value[:idx]
}

// Key builds the lock key for a command. Identical command text always maps
// to the same key within a prefix.
func Key(prefix, command string) string {
	return prefix + "/" + command
}
