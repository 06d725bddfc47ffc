package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rubberduck/rubberduck/pkg/db"
	"github.com/rubberduck/rubberduck/pkg/event"
	"github.com/rubberduck/rubberduck/pkg/models"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
)

const sessionTTL = 30 * 24 * time.Hour

// AuthService issues bearer-token sessions for email/password accounts.
type AuthService struct {
	db      *gorm.DB
	emitter *event.Emitter
	logger  *slog.Logger
	cost    int
	now     func() time.Time
}

func NewAuthService(gdb *gorm.DB, emitter *event.Emitter) *AuthService {
	if emitter == nil {
		emitter = event.Global()
	}
	return &AuthService{
		db:      gdb,
		emitter: emitter,
		logger:  utils.GetLogger(),
		cost:    bcrypt.DefaultCost,
		now:     time.Now,
	}
}

// SignUp registers an account and signs it in.
func (s *AuthService) SignUp(ctx context.Context, creds models.Credentials) (*models.Session, error) {
	email, err := normalizeEmail(creds.Email)
	if err != nil {
		return nil, err
	}
	if len(creds.Password) < 8 {
		return nil, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user := &db.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(creds.FirstName),
		LastName:     strings.TrimSpace(creds.LastName),
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&db.User{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrEmailTaken
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user signed up", "user_id", user.ID)
	return s.openSession(ctx, user)
}

// SignIn verifies the password and opens a new session.
func (s *AuthService) SignIn(ctx context.Context, email, password string) (*models.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user db.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.openSession(ctx, &user)
}

// SignOut revokes a token. Unknown tokens are not an error.
func (s *AuthService) SignOut(ctx context.Context, token string) error {
	var sess db.AuthSession
	err := s.db.WithContext(ctx).First(&sess, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&db.AuthSession{}, "token = ?", token).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.emitter.Emit(event.AuthChangedEvent{UserID: sess.UserID, SignedIn: false})
	return nil
}

// CurrentSession resolves a token. It returns nil, nil for unknown or
// expired tokens.
func (s *AuthService) CurrentSession(ctx context.Context, token string) (*models.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	var sess db.AuthSession
	if err := s.db.WithContext(ctx).First(&sess, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !sess.ExpiresAt.After(s.now()) {
		_ = s.db.WithContext(ctx).Delete(&db.AuthSession{}, "token = ?", token).Error
		return nil, nil
	}
	var user db.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", sess.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &models.Session{Token: sess.Token, User: user}, nil
}

func (s *AuthService) openSession(ctx context.Context, user *db.User) (*models.Session, error) {
	sess := &db.AuthSession{
		Token:     uuid.New().String(),
		UserID:    user.ID,
		ExpiresAt: s.now().Add(sessionTTL),
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.emitter.Emit(event.AuthChangedEvent{UserID: user.ID, SignedIn: true})
	return &models.Session{Token: sess.Token, User: *user}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
