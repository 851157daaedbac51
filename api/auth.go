package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"taskstream/domain"
)

const (
	defaultTokenTTL     = 12 * time.Hour
	defaultJWKSCacheTTL = 15 * time.Minute
	defaultRole         = "moderator"
	tokenIssuer         = "taskstream"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
	errBadCredentials       = errors.New("invalid credentials")
)

// AuthConfig configures moderator authentication.
type AuthConfig struct {
	Username     string
	Password     string
	PasswordHash string
	Secret       []byte
	TokenTTL     time.Duration

	// Optional external issuer. Tokens signed by its JWKS are accepted when
	// they carry Role.
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Role     string
}

// Auth issues and validates moderator tokens.
type Auth struct {
	username     string
	passwordHash []byte
	secret       []byte
	ttl          time.Duration

	jwks     *keyfunc.JWKS
	audience string
	issuer   string
	role     string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth builds an Auth. A plain password is bcrypt-hashed once here.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if cfg.Username == "" {
		return nil, errors.New("auth: moderator username is required")
	}
	hash := []byte(cfg.PasswordHash)
	if cfg.Password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
	}
	if len(hash) == 0 {
		return nil, errors.New("auth: moderator password is required")
	}
	a := &Auth{
		username:     cfg.Username,
		passwordHash: hash,
		secret:       cfg.Secret,
		ttl:          cfg.TokenTTL,
		jwks:         cfg.JWKS,
		audience:     cfg.Audience,
		issuer:       cfg.Issuer,
		role:         cfg.Role,
		keyCacheTTL:  defaultJWKSCacheTTL,
		now:          time.Now,
	}
	if a.ttl <= 0 {
		a.ttl = defaultTokenTTL
	}
	if a.role == "" {
		a.role = defaultRole
	}
	methods := []string{"HS256"}
	if a.jwks != nil {
		methods = append(methods, "RS256")
	}
	a.parser = jwt.NewParser(jwt.WithValidMethods(methods))
	return a, nil
}

// Login checks the moderator credentials and returns a signed token.
func (a *Auth) Login(username, password string) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return "", &domain.UnauthorizedError{Reason: errBadCredentials.Error()}
	}
	now := a.now()
	claims := jwt.MapClaims{
		"sub":  a.username,
		"role": a.role,
		"iss":  tokenIssuer,
		"iat":  now.Unix(),
		"nbf":  now.Unix(),
		"exp":  now.Add(a.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ModeratorFromAuthHeader validates a bearer token and returns its subject.
func (a *Auth) ModeratorFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", &domain.UnauthorizedError{Reason: err.Error()}
	}
	sub, err := a.moderatorFromToken(token)
	if err != nil {
		return "", &domain.UnauthorizedError{Reason: err.Error()}
	}
	return sub, nil
}

func (a *Auth) moderatorFromToken(tokenStr string) (string, error) {
	parsed, err := a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.secret, nil
		case *jwt.SigningMethodRSA:
			return a.keyForToken(t)
		default:
			return nil, errors.New("invalid signing method")
		}
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}

	now := a.now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return "", errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return "", errors.New("token used before issued")
	}
	if _, external := parsed.Method.(*jwt.SigningMethodRSA); external {
		if a.audience != "" && !claims.VerifyAudience(a.audience, true) {
			return "", errors.New("invalid audience")
		}
		if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
			return "", errors.New("invalid issuer")
		}
	} else if !claims.VerifyIssuer(tokenIssuer, true) {
		return "", errors.New("invalid issuer")
	}
	if !hasRole(claims, a.role) {
		return "", errors.New("missing moderator role")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func hasRole(claims jwt.MapClaims, role string) bool {
	if r, ok := claims["role"].(string); ok && r == role {
		return true
	}
	roles, _ := claims["roles"].([]any)
	for _, r := range roles {
		if s, ok := r.(string); ok && s == role {
			return true
		}
	}
	return false
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.jwks == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.jwks.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// bearerToken extracts a compact JWT from an Authorization header value.
func bearerToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		return "", errBadAuthorization
	}
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
