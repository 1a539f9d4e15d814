package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/wshang12/BrainTraining/internal/achievement"
	"github.com/wshang12/BrainTraining/internal/ai"
	"github.com/wshang12/BrainTraining/internal/app"
	"github.com/wshang12/BrainTraining/internal/coach"
	"github.com/wshang12/BrainTraining/internal/domain"
	"github.com/wshang12/BrainTraining/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Services *app.Services
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"service_unavailable"`
	Message string         `json:"message" example:"service unavailable, try later"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"request_id\":\"5b0c...\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the BrainTraining API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Services == nil {
		return nil, errors.New("server: services are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Services.Log.WithField("component", "auth")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	svc := cfg.Services
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(svc.Log.WithField("component", "http")))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Method(http.MethodGet, "/metrics", svc.Metrics.Handler())

	hcfg := huma.DefaultConfig("BrainTraining API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerChat(group, svc)
	registerDifficulty(group, svc)
	registerSessions(group, svc)
	registerAchievements(group, svc)
	registerProviders(group, svc)
	registerEvents(group, svc)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Debug("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, coach.ErrUnavailable) {
		var details map[string]any
		var ce *ai.CompletionError
		if errors.As(err, &ce) && ce.RequestID != "" {
			details = map[string]any{"request_id": ce.RequestID}
		}
		return newAPIError(http.StatusServiceUnavailable, "service_unavailable", coach.ErrUnavailable.Error(), details)
	}
	if errors.Is(err, ai.ErrInvalidRequest) || errors.Is(err, app.ErrInvalidSession) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "service_unavailable", coach.ErrUnavailable.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: userHeader,
	}
	security := []map[string][]string{{"bearerAuth": {}}, {"userHeader": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/token"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>BrainTraining API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerChat(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/chat",
		Summary:     "Ask the AI coach",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ai.ChatResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := svc.Chat(ctx, userID, input.Body.History, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ai.ChatResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "coach-advice",
		Method:      http.MethodPost,
		Path:        "/coach/advice",
		Summary:     "Training advice from recent sessions",
		Description: "Falls back to rule-based advice when no provider answers.",
	}, func(ctx context.Context, input *struct {
		Body AdviceRequest `json:"body" required:"false"`
	}) (*struct {
		Body coach.Advice `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body coach.Advice `json:"body"`
		}{Body: svc.Advice(ctx, userID, input.Body.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "coach-analysis",
		Method:      http.MethodPost,
		Path:        "/coach/analysis",
		Summary:     "Analyse one session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.SessionOutcome `json:"body"`
	}) (*struct {
		Body coach.Advice `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		advice, err := svc.Analyze(ctx, userID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coach.Advice `json:"body"`
		}{Body: advice}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "coach-motivation",
		Method:      http.MethodPost,
		Path:        "/coach/motivation",
		Summary:     "One line of motivation",
		Description: "time_of_day defaults to the server clock. Falls back to canned lines when no provider answers.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body coach.MotivationContext `json:"body"`
	}) (*struct {
		Body coach.Advice `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		advice, err := svc.Motivation(ctx, userID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body coach.Advice `json:"body"`
		}{Body: advice}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "coach-battle",
		Method:      http.MethodPost,
		Path:        "/coach/battle",
		Summary:     "Short tactical tip during a battle",
	}, func(ctx context.Context, input *struct {
		Body BattleCoachingRequest `json:"body"`
	}) (*struct {
		Body coach.Advice `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body coach.Advice `json:"body"`
		}{Body: svc.BattleCoaching(ctx, userID, input.Body.State)}, nil
	})
}

func registerDifficulty(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "get-difficulty",
		Method:      http.MethodGet,
		Path:        "/difficulty/{game_id}",
		Summary:     "Current difficulty for a game",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GameID   string `path:"game_id"`
		Fallback string `query:"fallback" doc:"Returned when nothing usable is stored; defaults to the configured default"`
	}) (*struct {
		Body DifficultyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ctrl := svc.Difficulty(userID)
		fallback := ctrl.Params().Default
		if input.Fallback != "" {
			v, err := strconv.ParseFloat(input.Fallback, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid fallback", map[string]any{"fallback": input.Fallback})
			}
			fallback = v
		}
		return &struct {
			Body DifficultyResponse `json:"body"`
		}{Body: DifficultyResponse{GameID: input.GameID, Difficulty: ctrl.Get(ctx, input.GameID, fallback)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-difficulty",
		Method:      http.MethodPost,
		Path:        "/difficulty/{game_id}/adjust",
		Summary:     "Apply one session's accuracy and reaction time",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GameID string                  `path:"game_id"`
		Body   AdjustDifficultyRequest `json:"body"`
	}) (*struct {
		Body DifficultyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		next, err := svc.Difficulty(userID).Adjust(ctx, input.GameID, input.Body.Accuracy, input.Body.MeanReactionTimeMs)
		if err != nil {
			// The value is still valid for the next session.
			svc.Log.WithError(err).WithField("user_id", userID).Warn("difficulty not persisted")
		}
		return &struct {
			Body DifficultyResponse `json:"body"`
		}{Body: DifficultyResponse{GameID: input.GameID, Difficulty: next}}, nil
	})
}

func registerSessions(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-session",
		Method:        http.MethodPost,
		Path:          "/sessions",
		Summary:       "Record a finished session",
		Description:   "Adjusts the game's difficulty and evaluates achievements.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.SessionOutcome `json:"body"`
	}) (*struct {
		Body app.SessionResult `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := svc.RecordSession(ctx, userID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body app.SessionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAchievements(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "check-achievements",
		Method:      http.MethodPost,
		Path:        "/achievements/events",
		Summary:     "Feed a gameplay event to the achievement tracker",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body achievement.Event `json:"body"`
	}) (*struct {
		Body CheckAchievementsResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		unlocked, err := svc.Achievements(userID).Check(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		if unlocked == nil {
			unlocked = []achievement.Achievement{}
		}
		return &struct {
			Body CheckAchievementsResponse `json:"body"`
		}{Body: CheckAchievementsResponse{Unlocked: unlocked}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-achievements",
		Method:      http.MethodGet,
		Path:        "/achievements",
		Summary:     "Catalog with the caller's progress",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AchievementsResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body AchievementsResponse `json:"body"`
		}{Body: achievementsResponse(svc.Achievements(userID).List(ctx))}, nil
	})
}

func registerProviders(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "Failover chain and breaker state",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ai.ProviderStatus `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []ai.ProviderStatus `json:"body"`
		}{Body: svc.Providers()}, nil
	})
}

func registerEvents(api huma.API, svc *app.Services) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "The caller's recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := svc.Repo.LatestEventsFrom(ctx, limit+1, cursorID, userID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*struct {
		Body DevTokenResponse `json:"body"`
	}, error) {
		ttl := 24 * time.Hour
		if input.Body.TTL != "" {
			d, err := time.ParseDuration(input.Body.TTL)
			if err != nil || d <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid ttl", map[string]any{"ttl": input.Body.TTL})
			}
			ttl = d
		}
		token, err := SignToken(authCfg.JWTSecret, strings.TrimSpace(input.Body.UserID), ttl, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevTokenResponse `json:"body"`
		}{Body: DevTokenResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
