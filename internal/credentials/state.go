package credentials

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stateTTL = 10 * time.Minute

// ErrBadState is returned for OAuth callbacks whose state parameter is
// missing, tampered with, or expired.
var ErrBadState = errors.New("invalid oauth state")

// signState encodes (user, provider, expiry) into a tamper-evident state
// parameter for the OAuth round-trip. No server-side session is needed;
// the callback recovers everything from the parameter itself.
func signState(secret string, userID uuid.UUID, provider string, now time.Time) string {
	expiry := now.Add(stateTTL).Unix()
	payload := fmt.Sprintf("%s|%s|%d", userID, provider, expiry)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + sig
}

// verifyState validates a state parameter and returns the user and
// provider it was issued for.
func verifyState(secret, state string, now time.Time) (uuid.UUID, string, error) {
	encoded, sig, ok := strings.Cut(state, ".")
	if !ok {
		return uuid.Nil, "", ErrBadState
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return uuid.Nil, "", ErrBadState
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return uuid.Nil, "", ErrBadState
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return uuid.Nil, "", ErrBadState
	}
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, "", ErrBadState
	}
	expiry, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || now.Unix() > expiry {
		return uuid.Nil, "", ErrBadState
	}

	return userID, parts[1], nil
}
