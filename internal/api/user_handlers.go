package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/meowfeeder/meowfeeder/internal/models"
	"github.com/meowfeeder/meowfeeder/internal/storage"
	"github.com/meowfeeder/meowfeeder/pkg/crypto"
)

const (
	msgFieldsRequired   = "All fields are required!"
	msgFieldRequired    = "This field is required!"
	msgInvalidEmail     = "Invalid email!"
	msgEmailTaken       = "Email is already in use!"
	msgWeakPassword     = "Password needs at least 8 characters, an uppercase letter, a lowercase letter and a digit!"
	msgPasswordMismatch = "Passwords do not match!"
	msgWrongPassword    = "Incorrect password!"
	msgNoAccount        = "Account does not exist!"
	msgAccountDisabled  = "Account is disabled!"
	msgInvalidRefresh   = "Invalid refresh token."
)

type fieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

type authResponse struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func sameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func (s *RESTServer) respondFieldErrors(w http.ResponseWriter, message string, fields ...fieldError) {
	s.respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":       message,
		"errorFields": fields,
	})
}

func (s *RESTServer) respondTokens(w http.ResponseWriter, status int, user *models.User) {
	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate tokens")
		s.respondError(w, http.StatusInternalServerError, msgServerError)
		return
	}
	username := user.Username
	if username == "" {
		username = user.Email
	}
	s.respondJSON(w, status, authResponse{
		Username:     username,
		Email:        user.Email,
		Token:        access,
		RefreshToken: refresh,
		ExpiresIn:    int(s.config.JWT.AccessTokenTTL.Seconds()),
	})
}

// HandleRegister creates an account
func (s *RESTServer) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		Username        string `json:"username"`
		Password        string `json:"password"`
		ConfirmPassword string `json:"confirmPassword"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	var missing []fieldError
	if req.Email == "" {
		missing = append(missing, fieldError{"email", msgFieldRequired})
	}
	if req.Password == "" {
		missing = append(missing, fieldError{"pass", msgFieldRequired})
	}
	if len(missing) > 0 {
		s.respondFieldErrors(w, msgFieldsRequired, missing...)
		return
	}

	if err := s.validator.Validate(struct {
		Email string `json:"email" validate:"email"`
	}{req.Email}); err != nil {
		s.respondFieldErrors(w, msgInvalidEmail, fieldError{"email", msgInvalidEmail})
		return
	}

	ctx := r.Context()
	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		s.respondFieldErrors(w, msgEmailTaken, fieldError{"email", msgEmailTaken})
		return
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.respondStoreError(w, err, msgUserNotFound)
		return
	}

	if err := crypto.CheckPasswordStrength(req.Password); err != nil {
		s.respondFieldErrors(w, msgWeakPassword, fieldError{"pass", msgWeakPassword}, fieldError{"cpass", ""})
		return
	}

	if req.ConfirmPassword != "" && req.ConfirmPassword != req.Password {
		s.respondFieldErrors(w, msgPasswordMismatch, fieldError{"pass", msgPasswordMismatch}, fieldError{"cpass", ""})
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to hash password")
		s.respondError(w, http.StatusInternalServerError, msgServerError)
		return
	}

	user := &models.User{
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			s.respondFieldErrors(w, msgEmailTaken, fieldError{"email", msgEmailTaken})
			return
		}
		s.respondStoreError(w, err, msgUserNotFound)
		return
	}

	s.logger.Info().Str("email", user.Email).Msg("Account created")
	s.respondTokens(w, http.StatusCreated, user)
}

// HandleLogin handles user login
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}

	var missing []fieldError
	if req.Email == "" {
		missing = append(missing, fieldError{"email", msgFieldRequired})
	}
	if req.Password == "" {
		missing = append(missing, fieldError{"pass", msgFieldRequired})
	}
	if len(missing) > 0 {
		s.respondFieldErrors(w, msgFieldsRequired, missing...)
		return
	}

	ctx := r.Context()
	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondFieldErrors(w, msgNoAccount, fieldError{"email", msgNoAccount})
			return
		}
		s.respondStoreError(w, err, msgUserNotFound)
		return
	}

	if !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.respondFieldErrors(w, msgWrongPassword, fieldError{"pass", msgWrongPassword})
		return
	}

	if !user.IsActive {
		s.respondError(w, http.StatusForbidden, msgAccountDisabled)
		return
	}

	now := s.now()
	user.LastLoginAt = &now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		s.logger.Warn().Err(err).Str("email", user.Email).Msg("Failed to record login time")
	}

	s.respondTokens(w, http.StatusOK, user)
}

// HandleRefresh exchanges a refresh token for a new pair
func (s *RESTServer) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken" validate:"required"`
	}
	if err := decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, msgInvalidBody)
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	access, refresh, err := s.auth.RefreshToken(r.Context(), req.RefreshToken, s.store.GetUser)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, msgInvalidRefresh)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":        access,
		"refreshToken": refresh,
		"expiresIn":    int(s.config.JWT.AccessTokenTTL.Seconds()),
	})
}

// HandleGetCurrentUser returns the caller's account
func (s *RESTServer) HandleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	user, err := s.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		s.respondStoreError(w, err, msgUserNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}
