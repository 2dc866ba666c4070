package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-streamhub/internal/apperr"
	"github.com/ariefcatur/go-streamhub/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---- fakes ----

type memUsers struct {
	mu     sync.Mutex
	byID   map[int64]*User
	nextID int64
}

func newMemUsers() *memUsers { return &memUsers{byID: map[int64]*User{}} }

func (m *memUsers) clone(u *User) *User { c := *u; return &c }

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.byID {
		if x.Email == u.Email || x.Username == u.Username {
			return apperr.Conflict("user_exists", "username or email already exists")
		}
	}
	m.nextID++
	u.ID, u.CreatedAt = m.nextID, time.Now()
	m.byID[u.ID] = m.clone(u)
	return nil
}

func (m *memUsers) BootstrapOwner(ctx context.Context, u *User) (bool, error) {
	m.mu.Lock()
	for _, x := range m.byID {
		if x.Role.Staff() {
			m.mu.Unlock()
			return false, nil
		}
	}
	m.mu.Unlock()
	u.Role, u.Active, u.EmailVerified = RoleOwner, true, true
	return true, m.Create(ctx, u)
}

func (m *memUsers) find(pred func(*User) bool) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if pred(u) {
			return m.clone(u), nil
		}
	}
	return nil, errUserNotFound
}

func (m *memUsers) ByID(_ context.Context, id int64) (*User, error) {
	return m.find(func(u *User) bool { return u.ID == id })
}

func (m *memUsers) ByUsername(_ context.Context, name string) (*User, error) {
	return m.find(func(u *User) bool { return u.Username == name })
}

func (m *memUsers) ByEmail(_ context.Context, email string) (*User, error) {
	return m.find(func(u *User) bool { return u.Email == email })
}

func (m *memUsers) ListStaff(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []User{}
	for _, u := range m.byID {
		if u.Role.Staff() {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (m *memUsers) Update(_ context.Context, id int64, upd UserUpdate) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, errUserNotFound
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	return m.clone(u), nil
}

func (m *memUsers) Delete(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, errUserNotFound
	}
	delete(m.byID, id)
	return u, nil
}

func (m *memUsers) SetVerification(_ context.Context, id int64, code string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id].VerificationCode, m.byID[id].VerificationExpiresAt = code, &exp
	return nil
}

func (m *memUsers) MarkVerified(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id].EmailVerified = true
	m.byID[id].VerificationCode, m.byID[id].VerificationExpiresAt = "", nil
	return nil
}

func (m *memUsers) TouchLogin(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.byID[id].LastLogin = &now
	return nil
}

type mockMailer struct{ mock.Mock }

func (m *mockMailer) SendVerificationCode(ctx context.Context, to, name, code string, ttl time.Duration) error {
	return m.Called(ctx, to, name, code, ttl).Error(0)
}

type mockAudit struct{ mock.Mock }

func (m *mockAudit) Record(ctx context.Context, e audit.Entry) error {
	return m.Called(ctx, e).Error(0)
}

func newTestService(t *testing.T) (*Service, *memUsers, *mockMailer, *mockAudit) {
	t.Helper()
	tokens, err := NewTokenService("test-secret-0123456789", time.Hour)
	require.NoError(t, err)
	users, mailer, aud := newMemUsers(), &mockMailer{}, &mockAudit{}
	return &Service{Users: users, Tokens: tokens, Mailer: mailer, Audit: aud, Log: zap.NewNop()}, users, mailer, aud
}

func withAction(action string) interface{} {
	return mock.MatchedBy(func(e audit.Entry) bool { return e.Action == action })
}

// ---- staff ----

func TestStaffLogin_BootstrapsOwnerOnce(t *testing.T) {
	svc, users, _, aud := newTestService(t)
	ctx := context.Background()
	aud.On("Record", ctx, withAction(audit.ActionFirstLogin)).Return(nil).Once()
	aud.On("Record", ctx, withAction(audit.ActionLogin)).Return(nil).Once()

	sess, err := svc.StaffLogin(ctx, StaffLoginRequest{Username: "maria", Password: "s3cure-pass"}, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, sess.FirstAccess)
	assert.Equal(t, RoleOwner, sess.User.Role)

	p, err := svc.Tokens.Parse(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, p.Role)
	assert.Equal(t, "maria", p.Username)

	// a second unknown username no longer bootstraps anything
	_, err = svc.StaffLogin(ctx, StaffLoginRequest{Username: "eve", Password: "whatever-pass"}, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	sess, err = svc.StaffLogin(ctx, StaffLoginRequest{Username: "maria", Password: "s3cure-pass"}, "")
	require.NoError(t, err)
	assert.False(t, sess.FirstAccess)

	staff, _ := users.ListStaff(ctx)
	assert.Len(t, staff, 1)
	aud.AssertExpectations(t)
}

func TestStaffLogin_Rejections(t *testing.T) {
	svc, users, _, aud := newTestService(t)
	ctx := context.Background()
	aud.On("Record", mock.Anything, mock.Anything).Return(nil)

	hash, _ := hashPassword("right-password")
	require.NoError(t, users.Create(ctx, &User{Username: "boss", Email: "boss@x.io", PasswordHash: hash, Role: RoleOwner, Active: true}))
	require.NoError(t, users.Create(ctx, &User{Username: "old", Email: "old@x.io", PasswordHash: hash, Role: RoleAdmin}))
	require.NoError(t, users.Create(ctx, &User{Username: "cust@x.io", Email: "cust@x.io", PasswordHash: hash, Role: RoleUser, Active: true}))

	_, err := svc.StaffLogin(ctx, StaffLoginRequest{Username: "boss", Password: "wrong-password"}, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = svc.StaffLogin(ctx, StaffLoginRequest{Username: "old", Password: "right-password"}, "")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = svc.StaffLogin(ctx, StaffLoginRequest{Username: "cust@x.io", Password: "right-password"}, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized, "customers cannot enter the back office")

	_, err = svc.StaffLogin(ctx, StaffLoginRequest{Username: "boss"}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStaffManagement(t *testing.T) {
	svc, _, _, aud := newTestService(t)
	ctx := context.Background()
	aud.On("Record", ctx, mock.Anything).Return(nil)

	sess, err := svc.StaffLogin(ctx, StaffLoginRequest{Username: "owner", Password: "owner-pass-1"}, "")
	require.NoError(t, err)
	owner := principalOf(sess.User)

	u, err := svc.CreateStaff(ctx, owner, "10.0.0.9", CreateUserRequest{
		Username: "ops", Email: "Ops@Example.com", Password: "ops-pass-123", Role: RoleAdmin,
	})
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", u.Email)

	_, err = svc.CreateStaff(ctx, owner, "", CreateUserRequest{Username: "x", Email: "x@y.io", Password: "short", Role: "ROOT"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	off := false
	u, err = svc.UpdateStaff(ctx, owner, "", u.ID, UpdateUserRequest{Active: &off})
	require.NoError(t, err)
	assert.False(t, u.Active)

	_, err = svc.UpdateStaff(ctx, owner, "", u.ID, UpdateUserRequest{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = svc.UpdateStaff(ctx, owner, "", owner.UserID, UpdateUserRequest{Active: &off})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	assert.ErrorIs(t, svc.DeleteStaff(ctx, owner, "", owner.UserID), apperr.ErrValidation)
	require.NoError(t, svc.DeleteStaff(ctx, owner, "", u.ID))
	assert.ErrorIs(t, svc.DeleteStaff(ctx, owner, "", u.ID), apperr.ErrNotFound)

	aud.AssertCalled(t, "Record", ctx, withAction(audit.ActionCreateUser))
	aud.AssertCalled(t, "Record", ctx, withAction(audit.ActionUpdateUser))
	aud.AssertCalled(t, "Record", ctx, mock.MatchedBy(func(e audit.Entry) bool {
		return e.Action == audit.ActionDeleteUser && e.Details == "deleted user ops" &&
			e.UserID != nil && *e.UserID == owner.UserID
	}))
}

// ---- customers ----

func TestCustomerSignupFlow(t *testing.T) {
	svc, users, mailer, _ := newTestService(t)
	ctx := context.Background()

	var code string
	mailer.On("SendVerificationCode", ctx, "ana@example.com", "Ana", mock.AnythingOfType("string"), VerificationCodeTTL).
		Run(func(args mock.Arguments) { code = args.String(3) }).
		Return(nil)

	u, err := svc.Register(ctx, RegisterRequest{Name: "Ana", Email: "ANA@example.com", Password: "abc123"})
	require.NoError(t, err)
	assert.False(t, u.EmailVerified)
	require.Len(t, code, 6)

	_, err = svc.Register(ctx, RegisterRequest{Email: "ana@example.com", Password: "abc123"})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = svc.CustomerLogin(ctx, CustomerLoginRequest{Email: "ana@example.com", Password: "abc123"})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "unverified email")

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = svc.Verify(ctx, VerifyRequest{Email: "ana@example.com", Code: wrong})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	sess, err := svc.Verify(ctx, VerifyRequest{Email: "ana@example.com", Code: code})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	_, err = svc.Verify(ctx, VerifyRequest{Email: "ana@example.com", Code: code})
	assert.ErrorIs(t, err, apperr.ErrValidation, "already verified")

	sess, err = svc.CustomerLogin(ctx, CustomerLoginRequest{Email: "ana@example.com", Password: "abc123"})
	require.NoError(t, err)
	p, err := svc.Tokens.Parse(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, p.Role)

	_, err = svc.CustomerLogin(ctx, CustomerLoginRequest{Email: "ana@example.com", Password: "nope"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	stored, _ := users.ByEmail(ctx, "ana@example.com")
	assert.NotNil(t, stored.LastLogin)
	mailer.AssertNumberOfCalls(t, "SendVerificationCode", 1)
}

func TestRegister_RemovesAccountWhenMailFails(t *testing.T) {
	svc, users, mailer, _ := newTestService(t)
	ctx := context.Background()
	mailer.On("SendVerificationCode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("smtp: 421 service not available"))

	_, err := svc.Register(ctx, RegisterRequest{Email: "bob@example.com", Password: "abc123"})
	assert.ErrorIs(t, err, apperr.ErrDispatch)

	_, err = users.ByEmail(ctx, "bob@example.com")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerify_ExpiredCode(t *testing.T) {
	svc, _, mailer, _ := newTestService(t)
	ctx := context.Background()
	var code string
	mailer.On("SendVerificationCode", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { code = args.String(3) }).Return(nil)

	_, err := svc.Register(ctx, RegisterRequest{Email: "cy@example.com", Password: "abc123"})
	require.NoError(t, err)

	svc.Now = func() time.Time { return time.Now().Add(VerificationCodeTTL + time.Minute) }
	_, err = svc.Verify(ctx, VerifyRequest{Email: "cy@example.com", Code: code})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	old := code
	require.NoError(t, svc.ResendCode(ctx, "cy@example.com"))
	require.Len(t, code, 6)
	if code != old {
		_, err = svc.Verify(ctx, VerifyRequest{Email: "cy@example.com", Code: old})
		assert.ErrorIs(t, err, apperr.ErrValidation, "the old code is replaced")
	}
	sess, err := svc.Verify(ctx, VerifyRequest{Email: "cy@example.com", Code: code})
	require.NoError(t, err)
	assert.True(t, sess.User.EmailVerified)
	mailer.AssertNumberOfCalls(t, "SendVerificationCode", 2)
}

func TestNewVerificationCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, err := newVerificationCode()
		require.NoError(t, err)
		assert.Regexp(t, `^[1-9][0-9]{5}$`, c)
	}
}
