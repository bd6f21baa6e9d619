package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"copilot-gateway/internal/auth"
	"copilot-gateway/internal/catalog"
	"copilot-gateway/internal/config"
	"copilot-gateway/internal/transform"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// anonymousStub is the assistant reply served when no credential
// resolves on an anonymous-allowed route. No upstream call is made.
const anonymousStub = "No Copilot credentials are configured on this gateway. " +
	"Sign in with a GitHub Copilot account and restart the gateway, or send your " +
	"Copilot token in the Authorization header."

// Upstream is the slice of the upstream client the dispatcher uses.
type Upstream interface {
	PostChatCompletion(ctx context.Context, token string, payload interface{}, headers map[string]string) (*http.Response, error)
}

// TokenResolver selects and refreshes credentials.
type TokenResolver interface {
	Resolve(ctx context.Context, opts auth.ResolveOptions) string
	Refresh(ctx context.Context) (string, error)
}

// ActiveProfiles resolves the active profile id.
type ActiveProfiles interface {
	GetActive() (string, error)
}

// Dispatcher runs the per-request lifecycle: command interception,
// credential resolution, model selection, the upstream call with
// refresh-on-401, and response shaping.
type Dispatcher struct {
	cfg        *config.AppConfig
	client     Upstream
	resolver   TokenResolver
	profiles   ActiveProfiles
	selector   *catalog.Selector
	commands   *Commands
	transforms *transform.Runner
	mapping    *ModelMapping
	logger     *zap.Logger

	// fallbackToken is the credential the server was launched with.
	fallbackToken string
	// anonymousOK allows serving the authentication stub instead of a
	// 401 on the OpenAI and Ollama routes.
	anonymousOK bool
}

// Options wires a Dispatcher.
type Options struct {
	Config        *config.AppConfig
	Client        Upstream
	Resolver      TokenResolver
	Profiles      ActiveProfiles
	Selector      *catalog.Selector
	Commands      *Commands
	Transforms    *transform.Runner
	Mapping       *ModelMapping
	Logger        *zap.Logger
	FallbackToken string
	AnonymousOK   bool
}

// NewDispatcher builds the dispatcher from its collaborators.
func NewDispatcher(opts Options) *Dispatcher {
	return &Dispatcher{
		cfg:           opts.Config,
		client:        opts.Client,
		resolver:      opts.Resolver,
		profiles:      opts.Profiles,
		selector:      opts.Selector,
		commands:      opts.Commands,
		transforms:    opts.Transforms,
		mapping:       opts.Mapping,
		logger:        opts.Logger,
		fallbackToken: opts.FallbackToken,
		anonymousOK:   opts.AnonymousOK,
	}
}

// Mapping exposes the session mapping, used by handlers that need it.
func (d *Dispatcher) Mapping() *ModelMapping { return d.mapping }

// HandleChatCompletions serves POST /v1/chat/completions.
func (d *Dispatcher) HandleChatCompletions(c *gin.Context) {
	d.handle(c, SchemaOpenAI, NormalizeOpenAI)
}

// HandleCompletions serves the legacy POST /v1/completions by rewriting
// the prompt into a chat and sharing the downstream path.
func (d *Dispatcher) HandleCompletions(c *gin.Context) {
	d.handle(c, SchemaOpenAI, NormalizeLegacyCompletions)
}

// HandleMessages serves the Anthropic-compatible POST /v1/messages.
func (d *Dispatcher) HandleMessages(c *gin.Context) {
	d.handle(c, SchemaAnthropic, func(body []byte) (*Request, error) {
		return NormalizeAnthropic(body, d.mapping)
	})
}

// HandleOllamaChat serves POST /api/chat.
func (d *Dispatcher) HandleOllamaChat(c *gin.Context) {
	d.handle(c, SchemaOllama, func(body []byte) (*Request, error) {
		return NormalizeOllama(body, VariantChat)
	})
}

// HandleOllamaGenerate serves POST /api/generate.
func (d *Dispatcher) HandleOllamaGenerate(c *gin.Context) {
	d.handle(c, SchemaOllama, func(body []byte) (*Request, error) {
		return NormalizeOllama(body, VariantGenerate)
	})
}

func (d *Dispatcher) handle(c *gin.Context, schema string, normalize func([]byte) (*Request, error)) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		d.writeError(c, schema, http.StatusBadRequest, ErrTypeInvalidRequest, "reading request body: "+err.Error(), "")
		return
	}

	req, err := normalize(body)
	if err != nil {
		d.writeError(c, schema, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error(), "")
		return
	}

	d.logger.Info("chat request",
		zap.String("schema", schema),
		zap.String("model", req.RequestedModel),
		zap.Bool("stream", req.Stream))
	if d.cfg.Verbose >= 3 {
		d.logger.Debug("request body", zap.String("body", redactTokens(string(body))))
	}

	d.dispatch(c, req)
}

// dispatch is the ordered request lifecycle shared by every chat route.
func (d *Dispatcher) dispatch(c *gin.Context, req *Request) {
	ctx := c.Request.Context()
	profileID, _ := d.profiles.GetActive()

	// In-chat commands short-circuit before any credential checks so
	// help works without a token.
	if cmd, args, ok := d.commands.Detect(lastUserText(req)); ok {
		token := d.resolver.Resolve(ctx, auth.ResolveOptions{
			HeaderToken: bearerToken(c),
			Fallback:    d.fallbackToken,
		})
		d.renderLocal(c, req, d.commands.Execute(ctx, cmd, args, profileID, token))
		return
	}

	token := d.resolver.Resolve(ctx, auth.ResolveOptions{
		HeaderToken: bearerToken(c),
		Fallback:    d.fallbackToken,
	})
	if token == "" {
		if d.anonymousOK && req.Schema != SchemaAnthropic {
			d.renderLocal(c, req, anonymousStub)
			return
		}
		token = d.resolver.Resolve(ctx, auth.ResolveOptions{RefreshIfMissing: true})
		if token == "" {
			d.writeError(c, req.Schema, http.StatusUnauthorized, ErrTypeInvalidRequest,
				"no Copilot credentials available", "invalid_api_key")
			return
		}
	}

	sel := d.selector.Select(ctx, catalog.SelectInput{
		Requested:    req.ModelHint,
		DefaultModel: d.cfg.Model.Default,
		ProfileID:    profileID,
		Token:        token,
	})
	req.Payload["model"] = sel.Model
	if sel.Fallback {
		d.logger.Info("model fallback",
			zap.String("requested", req.ModelHint),
			zap.String("selected", sel.Model),
			zap.String("source", sel.Source),
			zap.Bool("refreshed", sel.Refreshed))
	}

	payload, extraHeaders := d.transforms.RunRequest(req.Schema, req.Payload)

	start := time.Now()
	resp, err := d.client.PostChatCompletion(ctx, token, payload, extraHeaders)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nothing to write.
			return
		}
		d.writeError(c, req.Schema, http.StatusBadGateway, ErrTypeUpstream, err.Error(), "")
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		newToken, refreshErr := d.resolver.Refresh(ctx)
		if refreshErr != nil || newToken == "" || newToken == token {
			d.writeError(c, req.Schema, http.StatusUnauthorized, ErrTypeUpstream,
				"upstream rejected the credential; re-authenticate with GitHub Copilot", "invalid_api_key")
			return
		}
		d.logger.Info("retrying after credential refresh", zap.String("token", auth.MaskToken(newToken)))
		resp, err = d.client.PostChatCompletion(ctx, newToken, payload, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.writeError(c, req.Schema, http.StatusBadGateway, ErrTypeUpstream, err.Error(), "")
			return
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.forwardUpstreamError(c, req.Schema, resp)
		return
	}

	if req.Stream {
		d.forwardStream(c, req, resp)
		return
	}
	d.forwardJSON(c, req, resp, start)
}

// forwardUpstreamError forwards a non-2xx upstream response: as-is when
// the body parses as JSON, wrapped in the schema envelope otherwise.
func (d *Dispatcher) forwardUpstreamError(c *gin.Context, schema string, resp *http.Response) {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if json.Valid(body) {
		c.Data(resp.StatusCode, "application/json", body)
		return
	}
	d.writeError(c, schema, resp.StatusCode, ErrTypeUpstream, strings.TrimSpace(string(body)), "")
}

// forwardStream pipes a streaming upstream response to the client:
// verbatim SSE for OpenAI, SSE-to-NDJSON translation for Ollama.
func (d *Dispatcher) forwardStream(c *gin.Context, req *Request, resp *http.Response) {
	w := c.Writer
	flush := func() { w.Flush() }

	if req.Schema == SchemaOllama {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		if err := TranslateOllamaStream(resp.Body, w, flush, req.Variant, req.RequestedModel); err != nil {
			d.logger.Debug("ollama stream ended", zap.Error(err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flush()
		}
		if err != nil {
			return
		}
	}
}

// forwardJSON shapes a non-streaming 2xx upstream response into the
// outbound schema.
func (d *Dispatcher) forwardJSON(c *gin.Context, req *Request, resp *http.Response, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.writeError(c, req.Schema, http.StatusBadGateway, ErrTypeUpstream, err.Error(), "")
		return
	}
	if !json.Valid(body) {
		d.writeError(c, req.Schema, http.StatusBadGateway, ErrTypeParse, "upstream response was not JSON", "")
		return
	}

	body = d.transforms.RunResponse(req.Schema, body)

	switch req.Schema {
	case SchemaAnthropic:
		c.JSON(http.StatusOK, shapeAnthropicResponse(body, req.RequestedModel))
	case SchemaOllama:
		c.JSON(http.StatusOK, shapeOllamaResponse(body, req.Variant, req.RequestedModel, time.Since(start)))
	default:
		model, _ := req.Payload["model"].(string)
		c.Data(http.StatusOK, "application/json", fillOpenAIDefaults(body, model))
	}
}

// renderLocal wraps locally produced text (command replies, the
// anonymous stub) in the outbound schema, honoring streaming.
func (d *Dispatcher) renderLocal(c *gin.Context, req *Request, text string) {
	model := req.RequestedModel
	if model == "" {
		model = d.cfg.Model.Default
	}

	switch req.Schema {
	case SchemaAnthropic:
		c.JSON(http.StatusOK, anthropicMessage(model, text, "end_turn", nil))
	case SchemaOllama:
		if req.Stream {
			w := c.Writer
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			for _, chunk := range []map[string]interface{}{
				ollamaChunk(req.Variant, model, text, false),
				ollamaDoneChunk(req.Variant, model, text, "stop", 0, 0, 0),
			} {
				line, _ := json.Marshal(chunk)
				w.Write(append(line, '\n'))
				w.Flush()
			}
			return
		}
		c.JSON(http.StatusOK, ollamaDoneChunk(req.Variant, model, text, "stop", 0, 0, 0))
	default:
		if req.Stream {
			w := c.Writer
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			for _, chunk := range openAIStreamChunks(model, text) {
				io.WriteString(w, "data: "+chunk+"\n\n")
				w.Flush()
			}
			io.WriteString(w, "data: [DONE]\n\n")
			w.Flush()
			return
		}
		c.JSON(http.StatusOK, openAIChatCompletion(model, text))
	}
}

func (d *Dispatcher) writeError(c *gin.Context, schema string, status int, errType, message, code string) {
	if schema == SchemaOllama {
		c.JSON(status, ollamaError(message))
		return
	}
	c.JSON(status, openAIError(errType, message, code))
}

// bearerToken extracts the bearer credential from the inbound
// Authorization header.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// redactTokens masks anything that classifies as a credential inside a
// logged body.
func redactTokens(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '"' || r == ' ' || r == '\n' || r == '\t'
	})
	for _, f := range fields {
		if auth.IsCopilotToken(f) {
			s = strings.ReplaceAll(s, f, auth.MaskToken(f))
		}
	}
	return s
}
