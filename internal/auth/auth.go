package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/types"
	"github.com/predictx/predictx-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials is the signup/login payload.
type Credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	UserID     string    `json:"user_id"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
}

// Service handles signup, login and the balance on-ramp. The matching core
// never sees credentials; it trusts the user id the middleware extracts.
type Service struct {
	jwtSecret   []byte
	db          *gorm.DB
	ledger      *ledger.Ledger
	adminEmails map[string]bool
}

func NewService(jwtSecret []byte, db *gorm.DB, l *ledger.Ledger, adminEmails []string) *Service {
	admins := make(map[string]bool, len(adminEmails))
	for _, email := range adminEmails {
		admins[email] = true
	}
	return &Service{
		jwtSecret:   jwtSecret,
		db:          db,
		ledger:      l,
		adminEmails: admins,
	}
}

// Signup creates a user with a zero cash balance.
func (s *Service) Signup(creds Credentials) (*types.User, error) {
	var existing types.User
	err := s.db.Where("email = ?", creds.Email).First(&existing).Error
	if err == nil {
		return nil, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &types.User{
		UserID:       uuid.New().String(),
		Email:        creds.Email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := s.db.Create(user).Error; err != nil {
		return nil, err
	}

	log.Info().Str("user_id", user.UserID).Msg("user registered")
	return user, nil
}

// Login verifies credentials and issues a 24-hour token.
func (s *Service) Login(creds Credentials) (*TokenResponse, error) {
	var user types.User
	if err := s.db.Where("email = ?", creds.Email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		UserID: user.UserID,
		Admin:  s.adminEmails[user.Email],
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		UserID:     user.UserID,
		Expiration: expiration,
	}, nil
}

// Deposit is the on-ramp boundary: credits pre-validated cash.
func (s *Service) Deposit(userID string, amount decimal.Decimal) (*types.User, error) {
	return s.ledger.Deposit(userID, amount)
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) SignupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		user, err := h.service.Signup(creds)
		if errors.Is(err, ErrEmailTaken) {
			response.Conflict(c, err.Error())
			return
		}
		response.Handle(c, user, err)
	}
}

func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.Login(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing authenticated user")
			return
		}

		var req depositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		user, err := h.service.Deposit(userID, req.Amount)
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			response.BadRequest(c, err.Error())
		case errors.Is(err, ledger.ErrUserNotFound):
			response.NotFound(c, err.Error())
		default:
			response.Handle(c, user, err)
		}
	}
}
