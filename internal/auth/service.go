package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "appvisor"

var (
	// ErrInvalidCredentials is returned for unknown users, wrong passwords and
	// bad or expired tokens alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoCredentials is returned when a request carries no Authorization header.
	ErrNoCredentials = errors.New("authentication required")
)

// Roles understood by the API.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Actions checked against a role.
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

var rolePermissions = map[string][]string{
	RoleAdmin:    {"*"},
	RoleOperator: {ActionRead, ActionWrite},
	RoleViewer:   {ActionRead},
}

// Config is the api.auth settings block.
type Config struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"` // random per process when empty
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []User        `mapstructure:"users"`
}

// User is a configured API account. PasswordHash is a bcrypt hash as printed
// by `appvisor hash-password`.
type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"` // defaults to viewer
}

// Claims are carried in issued tokens.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Token is the body returned by the login endpoint.
type Token struct {
	Type      string    `json:"type"` // "Bearer"
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service checks passwords and issues and verifies HS256 tokens.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	// compared against for unknown users so they cost the same as a wrong password
	dummyHash []byte
}

// New builds a Service from cfg. It returns nil, nil when auth is disabled.
func New(cfg Config) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Users) == 0 {
		return nil, errors.New("auth: enabled but no users configured")
	}
	s := &Service{
		users:    make(map[string]User, len(cfg.Users)),
		tokenTTL: cfg.TokenTTL,
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 24 * time.Hour
	}
	cost := bcrypt.DefaultCost
	for i, u := range cfg.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("auth: users[%d]: username is required", i)
		}
		if _, dup := s.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		c, err := bcrypt.Cost([]byte(u.PasswordHash))
		if err != nil {
			return nil, fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash", u.Username)
		}
		if i == 0 {
			cost = c
		}
		if u.Role == "" {
			u.Role = RoleViewer
		}
		if _, ok := rolePermissions[u.Role]; !ok {
			return nil, fmt.Errorf("auth: user %q: unknown role %q", u.Username, u.Role)
		}
		s.users[u.Username] = u
	}

	s.jwtSecret = []byte(cfg.JWTSecret)
	if len(s.jwtSecret) == 0 {
		s.jwtSecret = make([]byte, 32)
		if _, err := rand.Read(s.jwtSecret); err != nil {
			return nil, fmt.Errorf("auth: generate jwt secret: %w", err)
		}
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(issuer), cost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// HashPassword returns a bcrypt hash suitable for a users[].password_hash entry.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// Allowed reports whether role may perform action.
func Allowed(role, action string) bool {
	for _, p := range rolePermissions[role] {
		if p == "*" || p == action {
			return true
		}
	}
	return false
}

// CheckPassword verifies a username and password against the configured users.
func (s *Service) CheckPassword(username, password string) (*Claims, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &Claims{Username: u.Username, Role: u.Role}, nil
}

// Login checks the password and issues a token for the user.
func (s *Service) Login(username, password string) (*Token, error) {
	claims, err := s.CheckPassword(username, password)
	if err != nil {
		return nil, err
	}
	return s.issue(claims)
}

func (s *Service) issue(c *Claims) (*Token, error) {
	now := time.Now()
	exp := now.Add(s.tokenTTL)
	c.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   c.Username,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

// Verify parses a token issued by this service. Tokens for users that are no
// longer configured are rejected, and the role comes from the current config.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Username]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	claims.Role = u.Role
	return claims, nil
}

// Authenticate checks a request's Authorization header: a Bearer token first,
// then Basic credentials.
func (s *Service) Authenticate(r *http.Request) (*Claims, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return nil, ErrNoCredentials
	}
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return s.Verify(strings.TrimSpace(tok))
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return s.CheckPassword(user, pass)
	}
	return nil, ErrInvalidCredentials
}
