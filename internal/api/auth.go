package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"

	"github.com/cardforge/cardforge/internal/models"
)

const (
	accessTokenTTL  = 2 * time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
)

// claims carries the account identity inside a signed token.
type claims struct {
	Role    models.AccountRole `json:"role"`
	Refresh bool               `json:"refresh,omitempty"`
	jwt.RegisteredClaims
}

// tokenPair is the authorize/refresh response body.
type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) issueTokens(account *models.Account) (tokenPair, error) {
	now := time.Now()
	access, err := s.signToken(claims{
		Role: account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
	})
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := s.signToken(claims{
		Role:    account.Role,
		Refresh: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(refreshTokenTTL)),
		},
	})
	if err != nil {
		return tokenPair{}, err
	}
	return tokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) signToken(c claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	return signed, errors.Wrap(err, "sign token")
}

func (s *Server) parseToken(raw string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parse token")
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return &c, nil
}

// authRequired validates the bearer token and stores the identity on the
// request context. Refresh tokens are rejected here.
func (s *Server) authRequired(c *gin.Context) {
	header := c.GetHeader("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		c.AbortWithStatusJSON(401, gin.H{"error": "missing bearer token"})
		return
	}
	cl, err := s.parseToken(raw)
	if err != nil || cl.Refresh {
		c.AbortWithStatusJSON(401, gin.H{"error": "invalid token"})
		return
	}
	c.Set("username", cl.Subject)
	c.Set("role", cl.Role)
	c.Next()
}

// managerOnly restricts a route to manager accounts.
func (s *Server) managerOnly(c *gin.Context) {
	if role, _ := c.Get("role"); role != models.RoleManager {
		c.AbortWithStatusJSON(403, gin.H{"error": "manager role required"})
		return
	}
	c.Next()
}

func username(c *gin.Context) string {
	v, _ := c.Get("username")
	name, _ := v.(string)
	return name
}
