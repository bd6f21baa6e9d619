// Package app assembles the HTTP surface: the gin engine, CORS, the
// route table, and the informational endpoints that sit next to the
// chat dispatch routes.
package app

import (
	"net/http"
	"strings"
	"time"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/catalog"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/llm"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxBodyBytes caps inbound JSON bodies at ~50 MB.
const maxBodyBytes = 50 << 20

// Version is reported by the root and /api/version endpoints.
const Version = "1.0.0"

// App owns the router and the collaborators the endpoints consume.
type App struct {
	Router *gin.Engine

	cfg        *config.AppConfig
	dispatcher *llm.Dispatcher
	catalog    *catalog.Catalog
	resolver   *auth.Resolver
	store      *auth.Store
	logger     *zap.Logger

	fallbackToken string
}

// Options wires an App.
type Options struct {
	Config        *config.AppConfig
	Dispatcher    *llm.Dispatcher
	Catalog       *catalog.Catalog
	Resolver      *auth.Resolver
	Store         *auth.Store
	Logger        *zap.Logger
	FallbackToken string
}

// New creates the App and registers all routes.
func New(opts Options) *App {
	gin.SetMode(gin.ReleaseMode)

	a := &App{
		Router:        gin.New(),
		cfg:           opts.Config,
		dispatcher:    opts.Dispatcher,
		catalog:       opts.Catalog,
		resolver:      opts.Resolver,
		store:         opts.Store,
		logger:        opts.Logger,
		fallbackToken: opts.FallbackToken,
	}

	a.Router.Use(gin.Recovery())
	a.Router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	a.Router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		c.Next()
	})

	a.routes()
	return a
}

func (a *App) routes() {
	a.Router.GET("/", a.handleRoot)

	a.Router.GET("/v1/models", a.handleListModels)
	a.Router.POST("/v1/chat/completions", a.dispatcher.HandleChatCompletions)
	a.Router.POST("/v1/completions", a.dispatcher.HandleCompletions)
	a.Router.POST("/v1/messages", a.dispatcher.HandleMessages)

	a.Router.GET("/api/tags", a.handleOllamaTags)
	a.Router.GET("/api/version", a.handleOllamaVersion)
	a.Router.GET("/api/health", a.handleOllamaHealth)
	a.Router.POST("/api/pull", a.handleOllamaPull)
	a.Router.POST("/api/chat", a.dispatcher.HandleOllamaChat)
	a.Router.POST("/api/generate", a.dispatcher.HandleOllamaGenerate)
}

// handleRoot reports liveness and the endpoint map.
func (a *App) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": Version,
		"endpoints": gin.H{
			"openai": []string{
				"GET /v1/models",
				"POST /v1/chat/completions",
				"POST /v1/completions",
			},
			"anthropic": []string{"POST /v1/messages"},
			"ollama": []string{
				"GET /api/tags",
				"GET /api/version",
				"GET /api/health",
				"POST /api/pull",
				"POST /api/chat",
				"POST /api/generate",
			},
		},
	})
}

// requestToken resolves the credential for the listing endpoints.
func (a *App) requestToken(c *gin.Context) string {
	header := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if header == c.GetHeader("Authorization") {
		header = ""
	}
	return a.resolver.Resolve(c.Request.Context(), auth.ResolveOptions{
		HeaderToken: header,
		Fallback:    a.fallbackToken,
	})
}

// catalogEntry returns the active profile's entry, filling it with an
// unverified refresh when none exists yet.
func (a *App) catalogEntry(c *gin.Context, token string) *catalog.View {
	profileID, _ := a.store.GetActive()
	if profileID == "" {
		return nil
	}
	if entry := a.catalog.GetEntry(profileID); entry != nil {
		return entry
	}
	entry, err := a.catalog.Refresh(c.Request.Context(), catalog.RefreshOptions{
		ProfileID: profileID,
		Token:     token,
		Verify:    false,
		Source:    catalog.SourceManual,
	})
	if err != nil {
		a.logger.Warn("catalog refresh for listing failed", zap.Error(err))
		return nil
	}
	return entry
}

// handleListModels renders the catalog as an OpenAI model list.
func (a *App) handleListModels(c *gin.Context) {
	token := a.requestToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{
				"message": "no Copilot credentials available",
				"type":    "invalid_request_error",
				"code":    "invalid_api_key",
			},
		})
		return
	}

	data := make([]gin.H, 0)
	if entry := a.catalogEntry(c, token); entry != nil {
		byID := make(map[string]int, len(entry.RawModels))
		for i, m := range entry.RawModels {
			byID[m.ID] = i
		}
		for _, id := range entry.Models {
			m := gin.H{"id": id, "object": "model", "created": time.Now().Unix(), "owned_by": "github-copilot"}
			if i, ok := byID[id]; ok {
				m["created"] = entry.RawModels[i].Created
				m["owned_by"] = entry.RawModels[i].OwnedBy
			}
			data = append(data, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleOllamaTags renders the catalog in the shape `ollama list` expects.
func (a *App) handleOllamaTags(c *gin.Context) {
	models := make([]gin.H, 0)
	if token := a.requestToken(c); token != "" {
		if entry := a.catalogEntry(c, token); entry != nil {
			modified := time.UnixMilli(entry.Entry.UpdatedAt).UTC().Format(time.RFC3339Nano)
			ownerByID := make(map[string]string, len(entry.RawModels))
			for _, m := range entry.RawModels {
				ownerByID[m.ID] = m.OwnedBy
			}
			for _, id := range entry.Models {
				models = append(models, gin.H{
					"name":        id,
					"model":       id,
					"modified_at": modified,
					"size":        0,
					"digest":      "",
					"details": gin.H{
						"format":   "gguf",
						"family":   ownerByID[id],
						"families": []string{ownerByID[id]},
					},
				})
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (a *App) handleOllamaVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": Version})
}

func (a *App) handleOllamaHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleOllamaPull answers with the three-event NDJSON sequence so
// Ollama clients treat any pull as instantly complete.
func (a *App) handleOllamaPull(c *gin.Context) {
	w := c.Writer
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	for _, status := range []string{"pulling manifest", "downloading", "success"} {
		w.Write([]byte(`{"status":"` + status + `"}` + "\n"))
		w.Flush()
	}
}
