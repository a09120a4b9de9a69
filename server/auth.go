package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/janelia-flyem/hzvol/hzvol"
)

// ErrUnauthorized is returned for block writes without a valid token.
var ErrUnauthorized = errors.New("unauthorized")

// authConfig holds the secret used to sign tokens and the file listing user privileges.
type authConfig struct {
	SecretKey string `toml:"secret_key"`
	AuthFile  string `toml:"auth_file"`
}

// authorizer checks JWTs carrying a "user" claim against a table of privileges: "read",
// "write" or "readwrite".  The user "*" matches anyone.
type authorizer struct {
	secret []byte
	users  map[string]string
}

// newAuthorizer returns nil if no secret key is configured, which leaves writes open.
func newAuthorizer(c authConfig) (*authorizer, error) {
	if c.SecretKey == "" {
		hzvol.Infof("No secret key configured.  Proceeding without authorization.\n")
		return nil, nil
	}
	a := &authorizer{secret: []byte(c.SecretKey)}
	if c.AuthFile == "" {
		hzvol.Infof("No authorization file found.  Any signed token may write.\n")
		return a, nil
	}
	data, err := os.ReadFile(c.AuthFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("bad authorization file %q: %v", c.AuthFile, err)
	}
	return a, nil
}

// generateJWT returns a JWT given a user
func (a *authorizer) generateJWT(user string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user": user})
	tokenString, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

// user validates a token and returns its user claim.
func (a *authorizer) user(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("requests require JWT authentication: %w", ErrUnauthorized)
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("error parsing JWT: %v: %w", err, ErrUnauthorized)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("failed authorization: %w", ErrUnauthorized)
	}
	user, ok := claims["user"].(string)
	if !ok {
		return "", fmt.Errorf("user %v is not a simple string: %w", claims["user"], ErrUnauthorized)
	}
	return user, nil
}

// authorizeWrite accepts a token whose user may write.  It serves as rpc.Service.Authorize.
func (a *authorizer) authorizeWrite(tokenString string) error {
	user, err := a.user(tokenString)
	if err != nil {
		return err
	}
	if !a.isAuthorized(user, false) {
		return fmt.Errorf("user %q is not authorized to write: %w", user, ErrUnauthorized)
	}
	return nil
}

// isAuthorized returns true if the user holds the needed privilege.  Without a user table
// every signed token is accepted.
func (a *authorizer) isAuthorized(user string, readReq bool) bool {
	if a.users == nil {
		return true
	}
	priv, found := a.users[user]
	if !found {
		priv, found = a.users["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		hzvol.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}

// bearerToken extracts the token of an "Authorization: Bearer <token>" header.
func bearerToken(header string) string {
	splitToken := strings.Split(header, "Bearer")
	if len(splitToken) != 2 {
		return ""
	}
	return strings.TrimSpace(splitToken[1])
}
