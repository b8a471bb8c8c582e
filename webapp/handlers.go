package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Yowj/astvault/pkg/ai"
	"github.com/Yowj/astvault/pkg/presence"
	"github.com/Yowj/astvault/pkg/session"
	"github.com/Yowj/astvault/pkg/templates"
)

// server binds the client SDK to the JSON API the browser consumes.
type server struct {
	sessions  *session.Manager
	tracker   *presence.Tracker
	templates *templates.Client
	ai        *ai.Client
}

type credentialsBody struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	FullName string `json:"fullName"`
}

func (s *server) signUp(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	user, err := s.sessions.SignUp(c.Request.Context(), body.Email, body.Password, body.FullName)
	if err != nil {
		slog.Warn("Sign-up failed", "email", body.Email, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *server) signIn(c *gin.Context) {
	var body credentialsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	user, err := s.sessions.SignIn(c.Request.Context(), body.Email, body.Password)
	if err != nil {
		slog.Warn("Sign-in failed", "email", body.Email, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *server) signOut(c *gin.Context) {
	s.sessions.SignOut()
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

func (s *server) currentUser(c *gin.Context) {
	user := s.sessions.Current()
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *server) updateProfile(c *gin.Context) {
	var body struct {
		FullName string `json:"fullName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fullName is required"})
		return
	}

	user, err := s.sessions.UpdateProfile(c.Request.Context(), body.FullName)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *server) presenceView(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.View())
}

// listTemplates serves the filtered, paginated listing. The search and
// category filters run over the full set before slicing the page.
func (s *server) listTemplates(c *gin.Context) {
	all, err := s.templates.List(c.Request.Context())
	if err != nil {
		slog.Warn("Template list failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "template store unavailable"})
		return
	}

	search := strings.TrimSpace(c.Query("search"))
	category := strings.TrimSpace(c.Query("category"))
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))

	filtered := templates.Filter(all, search, category)
	result := templates.Paginate(filtered, page, templates.DefaultPageSize)

	c.JSON(http.StatusOK, gin.H{
		"templates":   result.Items,
		"page":        result.Current,
		"totalItems":  result.TotalItems,
		"totalPages":  result.TotalPages,
		"hasNext":     result.HasNext,
		"hasPrev":     result.HasPrev,
		"start":       result.Start,
		"end":         result.End,
		"pageNumbers": templates.PageNumbers(result.TotalPages, result.Current, 2),
	})
}

func (s *server) listCategories(c *gin.Context) {
	all, err := s.templates.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "template store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": templates.Categories(all)})
}

func (s *server) getTemplate(c *gin.Context) {
	t, err := s.templates.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

type draftBody struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

func (s *server) createTemplate(c *gin.Context) {
	user := s.sessions.Current()
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}

	var body draftBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	t, err := s.templates.Create(c.Request.Context(), *user, templates.Draft{
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *server) updateTemplate(c *gin.Context) {
	user := s.sessions.Current()
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}

	var body draftBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	t, err := s.templates.Update(c.Request.Context(), user.ID, c.Param("id"), templates.Draft{
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
	})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *server) deleteTemplate(c *gin.Context) {
	user := s.sessions.Current()
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not signed in"})
		return
	}

	if err := s.templates.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

type aiBody struct {
	Input string `json:"input" binding:"required"`
}

func (s *server) enhanceGrammar(c *gin.Context) {
	var body aiBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}

	out, err := s.ai.Enhance(c.Request.Context(), body.Input)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aiResponse": out})
}

func (s *server) askAssistant(c *gin.Context) {
	var body aiBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}

	out, err := s.ai.Ask(c.Request.Context(), body.Input)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aiResponse": out})
}
