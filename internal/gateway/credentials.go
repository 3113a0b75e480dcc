package gateway

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/dyluth/tandem/pkg/collab"
)

// ErrBadCredentials is returned when an auth request's token does not
// vouch for the project and viewer it names.
var ErrBadCredentials = errors.New("bad credentials")

// Credentials decides the access level of an auth request.
type Credentials interface {
	Verify(auth *collab.AuthRequest) (collab.AccessLevel, error)
}

// TrustedCredentials accepts the fields of the auth request as sent. For
// deployments where an upstream proxy already authenticated the socket.
type TrustedCredentials struct{}

func (TrustedCredentials) Verify(auth *collab.AuthRequest) (collab.AccessLevel, error) {
	if auth.Access.Validate() != nil {
		return collab.AccessView, nil
	}
	return auth.Access, nil
}

// Claims is the payload of a session token.
type Claims struct {
	ProjectID int64              `json:"projectId"`
	ViewerID  int64              `json:"viewerId"`
	Access    collab.AccessLevel `json:"access"`
	gojwt.RegisteredClaims
}

// JWTCredentials verifies HS256 session tokens. The access level comes from
// the token, never from the request.
type JWTCredentials struct {
	secret []byte
}

// NewJWTCredentials creates a verifier for tokens signed with secret.
func NewJWTCredentials(secret string) *JWTCredentials {
	return &JWTCredentials{secret: []byte(secret)}
}

func (j *JWTCredentials) Verify(auth *collab.AuthRequest) (collab.AccessLevel, error) {
	if auth.Token == "" {
		return "", fmt.Errorf("%w: missing token", ErrBadCredentials)
	}

	claims := &Claims{}
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	_, err := parser.ParseWithClaims(auth.Token, claims, func(*gojwt.Token) (interface{}, error) {
		return j.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}

	if claims.ProjectID != auth.ProjectID || claims.ViewerID != auth.ViewerID {
		return "", fmt.Errorf("%w: token is for viewer %d on project %d", ErrBadCredentials, claims.ViewerID, claims.ProjectID)
	}
	if err := claims.Access.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return claims.Access, nil
}

// IssueToken signs a session token for a viewer on a project.
func IssueToken(secret string, projectID, viewerID int64, access collab.AccessLevel, ttl time.Duration) (string, error) {
	if err := access.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	claims := Claims{
		ProjectID: projectID,
		ViewerID:  viewerID,
		Access:    access,
		RegisteredClaims: gojwt.RegisteredClaims{
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
