package identity

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	AuthKey  = "Authorization"
	QueryKey = "token"

	EmptySecretErr      = errors.New("Jwt secret is empty.")
	TokenStructErr      = errors.New("Token struct error.")
	InvalidSignatureErr = errors.New("Invalid signing algorithm.")
	InvalidTokenErr     = errors.New("Invalid token.")
	TokenExpiredErr     = errors.New("Token expired.")
	TokenNotActiveErr   = errors.New("Token not active yet.")
)

// Jwt reads a bearer token from the Authorization header, or from the token
// query parameter since EventSource cannot set headers. A request without a
// token is anonymous.
type Jwt struct {
	secret []byte
	method jwt.SigningMethod
}

func NewJwt(secret []byte, algorithm string) (*Jwt, error) {
	if len(secret) == 0 {
		return nil, EmptySecretErr
	}

	if algorithm == "" {
		algorithm = "HS256"
	}

	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, InvalidSignatureErr
	}

	return &Jwt{secret: secret, method: method}, nil
}

func (j *Jwt) Resolve(r *http.Request) (string, error) {
	tokenStr, err := getToken(r)
	if err != nil {
		return "", err
	}
	if tokenStr == "" {
		return "", nil
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if token.Method != j.method {
			return nil, InvalidSignatureErr
		}

		return j.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", InvalidTokenErr
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", TokenExpiredErr
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return "", TokenNotActiveErr
		}
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !(ok && token.Valid) {
		return "", TokenStructErr
	}

	for _, key := range []string{"id", "sub"} {
		if id, ok := claims[key].(string); ok && id != "" {
			return id, nil
		}
	}

	return "", TokenStructErr
}

func getToken(r *http.Request) (string, error) {
	authorization := r.Header.Get(AuthKey)
	if authorization == "" {
		return r.URL.Query().Get(QueryKey), nil
	}

	parts := strings.Fields(authorization)
	if !(len(parts) == 2 && parts[0] == "Bearer") {
		return "", TokenStructErr
	}

	return parts[1], nil
}
