package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/httpmw"
	"github.com/a2aflow/host/internal/repo"
)

// login exchanges credentials for a bearer token (spec §6.1 POST /api/auth/login).
func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	user, err := s.store.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindAuth, "invalid credentials", err))
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		respondError(c, apperror.New(apperror.KindAuth, "invalid credentials"))
		return
	}

	token, err := httpmw.IssueToken(s.auth.JWTSecret, user.UserID, s.auth.TokenDurationTime())
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindStore, "issue token", err))
		return
	}

	_ = s.store.TouchLastLogin(c.Request.Context(), user.UserID, time.Now().UTC())
	c.JSON(http.StatusOK, authResponse{Token: token, UserID: user.UserID, Email: user.Email})
}

// register creates a new user (spec §6.1 POST /api/auth/register).
func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindStore, "hash password", err))
		return
	}

	user := &repo.User{
		UserID:       uuid.New().String(),
		Email:        req.Email,
		PasswordHash: string(hash),
		Name:         req.Name,
		Role:         req.Role,
		Description:  req.Description,
		Skills:       req.Skills,
		Color:        req.Color,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, err)
		return
	}

	token, err := httpmw.IssueToken(s.auth.JWTSecret, user.UserID, s.auth.TokenDurationTime())
	if err != nil {
		respondError(c, apperror.Wrap(apperror.KindStore, "issue token", err))
		return
	}

	c.JSON(http.StatusCreated, authResponse{Token: token, UserID: user.UserID, Email: user.Email})
}
