package core

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"miner-uptime/model"
	"miner-uptime/util"
)

const maxNotifications = 100

// Api serves notification reads and device / preference writes.
// Authentication is done by the fronting gateway.
type Api struct {
	store  Store
	router *gin.Engine
	http   *http.Server
}

func NewApi(listen string, store Store) *Api {
	a := &Api{store: store, router: gin.New()}
	a.router.Use(gin.Recovery(), requestLogger())

	a.router.GET("/healthz", a.health)
	users := a.router.Group("/v1/users/:user")
	users.GET("/notifications", a.notifications)
	users.PUT("/devices", a.registerDevice)
	users.GET("/preferences", a.preferences)
	users.PUT("/preferences", a.savePreferences)

	a.http = &http.Server{Addr: listen, Handler: a.router}
	return a
}

// Handler exposes the router, mostly for tests.
func (a *Api) Handler() http.Handler {
	return a.router
}

func (a *Api) Start() {
	go func() {
		log.Infof("Api listening on %s", a.http.Addr)
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Api server failed: %v", err)
		}
	}()
}

func (a *Api) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.http.Shutdown(ctx); err != nil {
		log.Errorf("Api shutdown: %v", err)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("Api request")
	}
}

func userParam(c *gin.Context) (int64, bool) {
	uid, err := strconv.ParseInt(c.Param("user"), 10, 64)
	if err != nil || uid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return uid, true
}

func (a *Api) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notificationView struct {
	Id       int64           `json:"id"`
	Template string          `json:"template"`
	Title    string          `json:"title"`
	Body     string          `json:"body"`
	Payload  json.RawMessage `json:"payload"`
	At       time.Time       `json:"at"`
}

func (a *Api) notifications(c *gin.Context) {
	uid, ok := userParam(c)
	if !ok {
		return
	}
	limit := maxNotifications
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n < limit {
			limit = n
		}
	}

	items, err := a.store.SentInApp(c.Request.Context(), uid, limit)
	if err != nil {
		log.Errorf("Unable to load notifications of user %d: %v", uid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load notifications"})
		return
	}
	now := time.Now()
	views := make([]notificationView, 0, len(items))
	for _, it := range items {
		title, body := Render(it, now)
		views = append(views, notificationView{
			Id:       it.Id,
			Template: it.Template,
			Title:    title,
			Body:     body,
			Payload:  json.RawMessage(it.Payload),
			At:       it.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, views)
}

type deviceRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

func (a *Api) registerDevice(c *gin.Context) {
	uid, ok := userParam(c)
	if !ok {
		return
	}
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t := &model.DeviceToken{Token: req.Token, UserId: uid, Platform: req.Platform, LastSeen: time.Now()}
	if err := a.store.RegisterToken(c.Request.Context(), t); err != nil {
		log.Errorf("Unable to register device of user %d: %v", uid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *Api) preferences(c *gin.Context) {
	uid, ok := userParam(c)
	if !ok {
		return
	}
	pref, err := a.store.Preference(c.Request.Context(), uid)
	if err != nil {
		log.Errorf("Unable to load preferences of user %d: %v", uid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load preferences"})
		return
	}
	c.JSON(http.StatusOK, pref)
}

func (a *Api) savePreferences(c *gin.Context) {
	uid, ok := userParam(c)
	if !ok {
		return
	}
	pref := model.DefaultPreference(uid)
	if err := c.ShouldBindJSON(pref); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pref.UserId = uid
	if msg := validatePreference(pref); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}
	if err := a.store.SavePreference(c.Request.Context(), pref); err != nil {
		log.Errorf("Unable to save preferences of user %d: %v", uid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save preferences"})
		return
	}
	c.JSON(http.StatusOK, pref)
}

func validatePreference(p *model.UserPreference) string {
	for _, ch := range p.Channels {
		if ch != model.ChannelPush && ch != model.ChannelInApp {
			return "unknown channel " + ch
		}
	}
	if p.BundleWindowSecs < 0 || p.CooldownMinutes < 0 {
		return "negative durations are not allowed"
	}
	if p.QuietEnabled {
		if _, _, err := util.ParseClock(p.QuietStart); err != nil {
			return err.Error()
		}
		if _, _, err := util.ParseClock(p.QuietEnd); err != nil {
			return err.Error()
		}
	}
	if _, err := time.LoadLocation(p.TimeZone); err != nil {
		return "unknown time zone " + p.TimeZone
	}
	return ""
}
