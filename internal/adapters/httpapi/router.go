// Package httpapi exposes account and room management over HTTP: the
// bookkeeping the relay core treats as an external collaborator.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ekinoks/chatrelay/internal/app"
	"github.com/ekinoks/chatrelay/internal/domain"
	"github.com/ekinoks/chatrelay/internal/store"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createRoomRequest struct {
	Name      string `json:"name" binding:"required"`
	CreatorID int64  `json:"creator_id" binding:"required"`
}

type roomResponse struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	OwnerID int64  `json:"owner_id"`
	Members int    `json:"members"`
}

func SetupRouter(mode string, st *store.Store, reg *app.Registry) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.POST("/register", registerHandler(st))
	api.POST("/login", loginHandler(st))
	api.POST("/rooms", createRoomHandler(st))
	api.GET("/rooms", listRoomsHandler(st, reg))

	log.Info().Str("module", "httpapi").Msg("router setup")
	return r
}

func registerHandler(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing username or password"})
			return
		}
		user, err := st.RegisterUser(c.Request.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, store.ErrUsernameTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "username already taken"})
		case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case err != nil:
			log.Error().Err(err).Str("module", "httpapi").Msg("register failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		default:
			c.JSON(http.StatusCreated, user)
		}
	}
}

func loginHandler(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req credentialsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing username or password"})
			return
		}
		user, err := st.Authenticate(c.Request.Context(), req.Username, req.Password)
		switch {
		case errors.Is(err, store.ErrInvalidCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		case err != nil:
			log.Error().Err(err).Str("module", "httpapi").Msg("login failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		default:
			c.JSON(http.StatusOK, user)
		}
	}
}

func createRoomHandler(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room name or creator"})
			return
		}
		room, err := st.CreateRoom(c.Request.Context(), req.Name, domain.UserID(req.CreatorID))
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi").Msg("create room failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, room)
	}
}

// listRoomsHandler joins persisted rooms with live member counts from
// the registry.
func listRoomsHandler(st *store.Store, reg *app.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		rooms, err := st.ListRooms(c.Request.Context())
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi").Msg("list rooms failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		out := make([]roomResponse, 0, len(rooms))
		for _, room := range rooms {
			out = append(out, roomResponse{
				ID:      int64(room.ID),
				Name:    room.Name,
				OwnerID: int64(room.Owner),
				Members: reg.MemberCount(room.ID),
			})
		}
		c.JSON(http.StatusOK, out)
	}
}
