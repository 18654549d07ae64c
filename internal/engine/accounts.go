package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"allo/internal/domain"
	"allo/internal/engine/auth"
	"allo/internal/events"
	"allo/internal/repo"
)

func (e Engine) CreateBdeList(ctx context.Context, name string) (domain.BdeList, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.BdeList{}, newError(KindInvalidInput, "name is required", map[string]any{"fields": map[string]any{"name": "is required"}})
	}
	id, err := e.Repo.InsertBdeList(ctx, name, repo.FormatTime(e.now()))
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.BdeList{}, errorf(KindInvalidInput, "group %q already exists", name)
	}
	if err != nil {
		return domain.BdeList{}, err
	}
	e.Events.Append(ctx, "group.created", "group", id, "", nil)
	return domain.BdeList{ID: id, Name: name}, nil
}

func (e Engine) ListBdeLists(ctx context.Context) ([]domain.BdeList, error) {
	return e.Repo.ListBdeLists(ctx)
}

type RegisterInput struct {
	Email     string `validate:"required,email,max=254"`
	Password  string `validate:"required,min=6,max=72"`
	FirstName string `validate:"required,max=100"`
	LastName  string `validate:"required,max=100"`
	Phone     string `validate:"max=32"`
	BdeListID int64  `validate:"gt=0"`
}

// RegisterUser creates an operator account in an existing group.
func (e Engine) RegisterUser(ctx context.Context, in RegisterInput) (domain.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Phone = normalizePhone(in.Phone)
	if err := validateInput(in); err != nil {
		return domain.User{}, err
	}
	if _, err := e.Repo.GetBdeList(ctx, in.BdeListID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, errorf(KindInvalidInput, "group %d does not exist", in.BdeListID)
		}
		return domain.User{}, err
	}
	if _, err := e.Repo.GetUserByEmail(ctx, in.Email); err == nil {
		return domain.User{}, newError(KindInvalidInput, "email already used", map[string]any{"fields": map[string]any{"email": "already used"}})
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, err
	}
	u := domain.User{
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Role:         domain.RoleMember,
		BdeListID:    in.BdeListID,
		CreatedAt:    repo.FormatTime(e.now()),
	}
	id, err := e.Repo.InsertUser(ctx, u)
	if errors.Is(err, repo.ErrDuplicate) {
		return domain.User{}, newError(KindInvalidInput, "email already used", map[string]any{"fields": map[string]any{"email": "already used"}})
	}
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	e.Events.Append(ctx, "user.registered", "user", id, "", events.EventPayload{"bde_list_id": in.BdeListID})
	return u, nil
}

var errBadCredentials = newError(KindUnauthorized, "invalid email or password", nil)

// Authenticate checks an operator's credentials.
func (e Engine) Authenticate(ctx context.Context, email, password string) (domain.User, error) {
	u, err := e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, errBadCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if !auth.ComparePassword(u.PasswordHash, password) {
		return domain.User{}, errBadCredentials
	}
	return u, nil
}

type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
}

// Login authenticates and mints a bearer token.
func (e Engine) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := e.Authenticate(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	tokens := e.Tokens
	if tokens.Now == nil {
		tokens.Now = e.now
	}
	token, exp, err := tokens.Issue(u)
	if err != nil {
		return Session{}, err
	}
	e.Events.Append(ctx, "user.login", "user", u.ID, "", nil)
	return Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// ActorFromToken verifies a bearer token and resolves the operator.
func (e Engine) ActorFromToken(ctx context.Context, token string) (Actor, error) {
	tokens := e.Tokens
	if tokens.Now == nil {
		tokens.Now = e.now
	}
	claims, err := tokens.Parse(token)
	if err != nil {
		return Actor{}, newError(KindUnauthorized, "invalid credentials", nil)
	}
	id, _ := claims.UserID()
	u, err := e.Repo.GetUser(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Actor{}, newError(KindUnauthorized, "invalid credentials", nil)
	}
	if err != nil {
		return Actor{}, err
	}
	return Actor{UserID: u.ID, BdeListID: u.BdeListID}, nil
}

func (e Engine) GetUser(ctx context.Context, id int64) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, id)
	if err != nil {
		return domain.User{}, notFound(err, "user")
	}
	return u, nil
}
