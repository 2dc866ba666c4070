package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/ariefcatur/go-streamhub/internal/validate"
	"go.uber.org/zap"
)

const VerificationCodeTTL = 15 * time.Minute

type UserStore interface {
	Create(ctx context.Context, u *User) error
	BootstrapOwner(ctx context.Context, u *User) (bool, error)
	ByID(ctx context.Context, id int64) (*User, error)
	ByUsername(ctx context.Context, username string) (*User, error)
	ByEmail(ctx context.Context, email string) (*User, error)
	ListStaff(ctx context.Context) ([]User, error)
	Update(ctx context.Context, id int64, upd UserUpdate) (*User, error)
	Delete(ctx context.Context, id int64) (*User, error)
	SetVerification(ctx context.Context, id int64, code string, expires time.Time) error
	MarkVerified(ctx context.Context, id int64) error
	TouchLogin(ctx context.Context, id int64) error
}

type CodeMailer interface {
	SendVerificationCode(ctx context.Context, to, name, code string, ttl time.Duration) error
}

type AuditRecorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Service struct {
	Users  UserStore
	Tokens *TokenService
	Mailer CodeMailer
	Audit  AuditRecorder
	Log    *zap.Logger
	Now    func() time.Time
}

var errBadCredentials = apperr.Unauthorized("invalid credentials")

type StaffLoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

type RegisterRequest struct {
	Name     string `json:"name" validate:"max=120"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=128"`
}

type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type CustomerLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type CreateUserRequest struct {
	Username string `json:"username" validate:"required,min=3,max=64"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Role     Role   `json:"role" validate:"required,oneof=ADMIN OWNER"`
}

type UpdateUserRequest struct {
	Password *string `json:"password" validate:"omitempty,min=8,max=128"`
	Active   *bool   `json:"active"`
	Role     *Role   `json:"role" validate:"omitempty,oneof=ADMIN OWNER"`
}

// Session is what a successful login returns.
type Session struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        *User     `json:"user"`
	FirstAccess bool      `json:"isFirstAccess,omitempty"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) session(u *User) (*Session, error) {
	tok, exp, err := s.Tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	return &Session{Token: tok, ExpiresAt: exp, User: u}, nil
}

func (s *Service) record(ctx context.Context, actor *Principal, ip, action, details string) {
	if s.Audit == nil {
		return
	}
	e := audit.Entry{Action: action, Details: details, IPAddress: ip}
	if actor != nil {
		id := actor.UserID
		e.UserID, e.Username = &id, actor.Username
	}
	if err := s.Audit.Record(ctx, e); err != nil {
		s.Log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

func principalOf(u *User) *Principal {
	return &Principal{UserID: u.ID, Username: u.Username, Email: u.Email, Role: u.Role}
}

// StaffLogin authenticates an ADMIN or OWNER. The very first login on a
// deployment without staff accounts creates the OWNER.
func (s *Service) StaffLogin(ctx context.Context, req StaffLoginRequest, ip string) (*Session, error) {
	req.Username = strings.TrimSpace(req.Username)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	u, err := s.Users.ByUsername(ctx, req.Username)
	if errors.Is(err, apperr.ErrNotFound) {
		return s.bootstrapOwner(ctx, req, ip)
	}
	if err != nil {
		return nil, err
	}
	if !u.Role.Staff() || !checkPassword(u.PasswordHash, req.Password) {
		return nil, errBadCredentials
	}
	if !u.Active {
		return nil, apperr.Forbidden("user is disabled")
	}
	if err := s.Users.TouchLogin(ctx, u.ID); err != nil {
		s.Log.Warn("touch last_login", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	s.record(ctx, principalOf(u), ip, audit.ActionLogin, "login succeeded")
	return s.session(u)
}

func (s *Service) bootstrapOwner(ctx context.Context, req StaffLoginRequest, ip string) (*Session, error) {
	if len(req.Password) < 8 {
		return nil, errBadCredentials
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	email := req.Username
	if !strings.Contains(email, "@") {
		email = strings.ToLower(req.Username) + "@owner.local"
	}
	u := &User{Username: req.Username, Email: email, Name: req.Username, PasswordHash: hash}
	created, err := s.Users.BootstrapOwner(ctx, u)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, errBadCredentials
	}
	s.Log.Info("owner account bootstrapped", zap.String("username", u.Username))
	s.record(ctx, principalOf(u), ip, audit.ActionFirstLogin, "first access, owner account created")
	sess, err := s.session(u)
	if err != nil {
		return nil, err
	}
	sess.FirstAccess = true
	return sess, nil
}

// Register creates an unverified customer and mails the verification code.
// The account is removed again when the code cannot be delivered.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	if _, err := s.Users.ByEmail(ctx, req.Email); err == nil {
		return nil, apperr.Conflict("email_taken", "this email is already registered")
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	code, err := newVerificationCode()
	if err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = req.Email[:strings.Index(req.Email, "@")]
	}
	exp := s.now().Add(VerificationCodeTTL)
	u := &User{
		Username:              req.Email,
		Email:                 req.Email,
		Name:                  name,
		PasswordHash:          hash,
		Role:                  RoleUser,
		Active:                true,
		VerificationCode:      code,
		VerificationExpiresAt: &exp,
	}
	if err := s.Users.Create(ctx, u); err != nil {
		return nil, err
	}

	if err := s.Mailer.SendVerificationCode(ctx, u.Email, u.Name, code, VerificationCodeTTL); err != nil {
		s.Log.Error("verification email failed, removing account", zap.String("email", u.Email), zap.Error(err))
		if _, derr := s.Users.Delete(ctx, u.ID); derr != nil {
			s.Log.Error("remove unverifiable account", zap.Int64("user_id", u.ID), zap.Error(derr))
		}
		return nil, apperr.New(apperr.KindDispatch, "verification_email_failed",
			"could not send the verification code, please try again later", err)
	}
	return u, nil
}

func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Session, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Code = strings.TrimSpace(req.Code)
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	u, err := s.Users.ByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if u.EmailVerified {
		return nil, apperr.New(apperr.KindValidation, "already_verified", "email already verified", nil)
	}
	if u.VerificationExpiresAt == nil || s.now().After(*u.VerificationExpiresAt) {
		return nil, apperr.New(apperr.KindValidation, "code_expired", "verification code expired, request a new one", nil)
	}
	if subtle.ConstantTimeCompare([]byte(u.VerificationCode), []byte(req.Code)) != 1 {
		return nil, apperr.New(apperr.KindValidation, "invalid_code", "incorrect verification code", nil)
	}
	if err := s.Users.MarkVerified(ctx, u.ID); err != nil {
		return nil, err
	}
	u.EmailVerified, u.VerificationCode, u.VerificationExpiresAt = true, "", nil
	return s.session(u)
}

// ResendCode issues a fresh code for an unverified customer.
func (s *Service) ResendCode(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var("email", email, "required,email"); err != nil {
		return err
	}
	u, err := s.Users.ByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return apperr.New(apperr.KindValidation, "already_verified", "email already verified", nil)
	}
	code, err := newVerificationCode()
	if err != nil {
		return err
	}
	if err := s.Users.SetVerification(ctx, u.ID, code, s.now().Add(VerificationCodeTTL)); err != nil {
		return err
	}
	if err := s.Mailer.SendVerificationCode(ctx, u.Email, u.Name, code, VerificationCodeTTL); err != nil {
		return apperr.New(apperr.KindDispatch, "verification_email_failed",
			"could not send the verification code, please try again later", err)
	}
	return nil
}

func (s *Service) CustomerLogin(ctx context.Context, req CustomerLoginRequest) (*Session, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	u, err := s.Users.ByEmail(ctx, req.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, err
	}
	if u.Role != RoleUser || !checkPassword(u.PasswordHash, req.Password) {
		return nil, errBadCredentials
	}
	if !u.Active {
		return nil, apperr.Forbidden("account disabled, contact support")
	}
	if !u.EmailVerified {
		return nil, apperr.New(apperr.KindForbidden, "email_not_verified", "email not verified, check your inbox", nil)
	}
	if err := s.Users.TouchLogin(ctx, u.ID); err != nil {
		s.Log.Warn("touch last_login", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	return s.session(u)
}

// ---- staff management, OWNER only (enforced by the router) ----

func (s *Service) ListStaff(ctx context.Context) ([]User, error) {
	return s.Users.ListStaff(ctx)
}

func (s *Service) CreateStaff(ctx context.Context, actor *Principal, ip string, req CreateUserRequest) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username: req.Username, Email: req.Email, Name: req.Username, PasswordHash: hash,
		Role: req.Role, Active: true, EmailVerified: true,
	}
	if err := s.Users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.record(ctx, actor, ip, audit.ActionCreateUser, fmt.Sprintf("created user %s with role %s", u.Username, u.Role))
	return u, nil
}

func (s *Service) UpdateStaff(ctx context.Context, actor *Principal, ip string, id int64, req UpdateUserRequest) (*User, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	upd := UserUpdate{Active: req.Active, Role: req.Role}
	if req.Password != nil {
		hash, err := hashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &hash
	}
	if upd.Empty() {
		return nil, apperr.Validation("nothing to update")
	}
	if id == actor.UserID && ((upd.Active != nil && !*upd.Active) || (upd.Role != nil && *upd.Role != RoleOwner)) {
		return nil, apperr.Validation("you cannot disable or demote yourself")
	}

	cur, err := s.Users.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.Role.Staff() {
		return nil, apperr.NotFound("user_not_found", "user not found")
	}
	u, err := s.Users.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, ip, audit.ActionUpdateUser, "updated user "+u.Username)
	return u, nil
}

func (s *Service) DeleteStaff(ctx context.Context, actor *Principal, ip string, id int64) error {
	if id == actor.UserID {
		return apperr.Validation("you cannot delete your own account")
	}
	cur, err := s.Users.ByID(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Role.Staff() {
		return apperr.NotFound("user_not_found", "user not found")
	}
	if _, err := s.Users.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, ip, audit.ActionDeleteUser, "deleted user "+cur.Username)
	return nil
}
