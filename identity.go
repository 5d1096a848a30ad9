package pairchat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt"
)

// userIDClaims lists the claim names checked, in order, for the user id.
var userIDClaims = []string{"id", "userId", "sub"}

// ResolveUserID extracts the user identifier from a bearer credential.
//
// The credential is decoded without verifying its signature: the server is the
// only party able to verify it, the client only needs to know who it is.
func ResolveUserID(credential string) (string, error) {
	credential = strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if credential == "" {
		return "", ErrMissingCredential
	}

	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(credential, claims); err != nil {
		return "", &Error{
			Kind:    KindAuthentication,
			Code:    ErrMalformedCredential.Code,
			Message: ErrMalformedCredential.Message,
			Err:     err,
		}
	}

	for _, name := range userIDClaims {
		if id := claimString(claims[name]); id != "" {
			return id, nil
		}
	}
	return "", ErrMalformedCredential
}

func claimString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}
