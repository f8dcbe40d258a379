package accounts

import (
	"bytes"
	"context"
	"net/http"

	"github.com/goliatone/go-accounts/middleware/sessionware"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// SessionContextKey is the Locals key of the validated *Session
const SessionContextKey = "session"

// RouteRegistrar is the subset of router.Router[T] the controller mounts on
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

type HTTPControllerRoutes struct {
	Signup           string
	Activate         string
	Login            string
	Logout           string
	LogoutAll        string
	PasswordReset    string
	ResendActivation string
	Me               string
	Accounts         string
	Metrics          string
}

// HTTPController exposes the Service as a JSON API
type HTTPController struct {
	Debug    bool
	Logger   Logger
	Service  *Service
	Routes   *HTTPControllerRoutes
	Gatherer prometheus.Gatherer
}

type HTTPControllerOption func(*HTTPController) *HTTPController

// WithHTTPDebug dumps request payloads to the log
func WithHTTPDebug(debug bool) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		c.Debug = debug
		return c
	}
}

func WithHTTPLogger(logger Logger) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		c.Logger = normalizeLogger(logger)
		return c
	}
}

// WithMetricsGatherer enables the metrics route
func WithMetricsGatherer(g prometheus.Gatherer) HTTPControllerOption {
	return func(c *HTTPController) *HTTPController {
		c.Gatherer = g
		return c
	}
}

func NewHTTPController(svc *Service, opts ...HTTPControllerOption) *HTTPController {
	if svc == nil {
		panic("Missing Service in accounts HTTP controller...")
	}

	c := &HTTPController{
		Logger:  defLogger(),
		Service: svc,
		Routes: &HTTPControllerRoutes{
			Signup:           "/signup",
			Activate:         "/activate",
			Login:            "/login",
			Logout:           "/logout",
			LogoutAll:        "/logout/all",
			PasswordReset:    "/password-reset",
			ResendActivation: "/activation/resend",
			Me:               "/me",
			Accounts:         "/accounts",
			Metrics:          "/metrics",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	return c
}

// RegisterAccountRoutes builds a controller for svc and mounts its routes
func RegisterAccountRoutes[T any](app router.Router[T], svc *Service, opts ...HTTPControllerOption) *HTTPController {
	controller := NewHTTPController(svc, opts...)
	controller.Register(app)
	return controller
}

// Register mounts the lifecycle routes on app
func (h *HTTPController) Register(app RouteRegistrar) {
	protected := h.Protected()

	app.Post(h.Routes.Signup, h.Signup).SetName("accounts.signup")
	app.Get(h.Routes.Activate, h.Activate).SetName("accounts.activate")
	app.Post(h.Routes.Login, h.Login).SetName("accounts.login")
	app.Post(h.Routes.Logout, h.Logout).SetName("accounts.logout")
	app.Post(h.Routes.LogoutAll, h.LogoutAll, protected).SetName("accounts.logout_all")
	app.Post(h.Routes.PasswordReset, h.RequestReset).SetName("accounts.reset_request")
	app.Post(h.Routes.PasswordReset+"/:token", h.CompleteReset).SetName("accounts.reset_complete")
	app.Post(h.Routes.ResendActivation, h.ResendActivation).SetName("accounts.activation_resend")
	app.Get(h.Routes.Me, h.Me, protected).SetName("accounts.me")
	app.Delete(h.Routes.Accounts+"/:pseudo", h.DeleteAccount, protected).SetName("accounts.delete")

	if h.Gatherer != nil {
		app.Get(h.Routes.Metrics, h.Metrics).SetName("accounts.metrics")
	}
}

// Protected returns the session guard used by the protected routes
func (h *HTTPController) Protected() router.MiddlewareFunc {
	return sessionware.New(sessionware.Config{
		ContextKey:  SessionContextKey,
		TokenLookup: "cookie:" + h.Service.Sessions().CookieName() + ",header:" + router.HeaderAuthorization,
		Validator: func(ctx context.Context, raw string) (any, error) {
			return h.Service.ValidateSession(ctx, raw)
		},
		ErrorHandler: h.renderError,
	})
}

func (h *HTTPController) Signup(ctx router.Context) error {
	payload := SignupMessage{}
	if err := ctx.Bind(&payload); err != nil {
		return h.renderError(ctx, NewValidationError(err))
	}

	h.debug("signup", payload)

	res, err := h.Service.Signup(ctx.Context(), payload)
	if err != nil {
		return h.renderError(ctx, err)
	}

	ctx.Cookie(toRouterCookie(h.Service.Sessions().Cookie(res.Session, res.ExpiresAt)))

	return ctx.JSON(router.StatusCreated, map[string]any{
		"account": res.Account,
	})
}

func (h *HTTPController) Activate(ctx router.Context) error {
	pseudo, err := h.Service.Activate(ctx.Context(), ctx.Query("token"))
	if err != nil {
		return h.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"pseudo":    pseudo,
		"is_active": true,
	})
}

func (h *HTTPController) Login(ctx router.Context) error {
	payload := LoginMessage{}
	if err := ctx.Bind(&payload); err != nil {
		return h.renderError(ctx, NewValidationError(err))
	}

	res, err := h.Service.Login(ctx.Context(), payload)
	if err != nil {
		return h.renderError(ctx, err)
	}

	ctx.Cookie(toRouterCookie(h.Service.Sessions().Cookie(res.Session, res.ExpiresAt)))

	return ctx.JSON(router.StatusOK, map[string]any{
		"account":       res.Account,
		"expires_at":    res.ExpiresAt,
		"bonus_awarded": res.BonusAwarded,
	})
}

func (h *HTTPController) Logout(ctx router.Context) error {
	ctx.Cookie(toRouterCookie(h.Service.Logout()))
	return ctx.JSON(router.StatusOK, map[string]any{"success": true})
}

func (h *HTTPController) LogoutAll(ctx router.Context) error {
	session, err := SessionFromContext(ctx)
	if err != nil {
		return h.renderError(ctx, err)
	}

	if err := h.Service.LogoutEverywhere(ctx.Context(), session.Pseudo); err != nil {
		return h.renderError(ctx, err)
	}

	ctx.Cookie(toRouterCookie(h.Service.Sessions().ClearCookie()))
	return ctx.JSON(router.StatusOK, map[string]any{"success": true})
}

type emailPayload struct {
	Email string `json:"email" form:"email"`
}

func (h *HTTPController) RequestReset(ctx router.Context) error {
	payload := emailPayload{}
	if err := ctx.Bind(&payload); err != nil {
		return h.renderError(ctx, NewValidationError(err))
	}

	if err := h.Service.RequestReset(ctx.Context(), payload.Email); err != nil {
		return h.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusAccepted, map[string]any{"success": true})
}

func (h *HTTPController) CompleteReset(ctx router.Context) error {
	payload := CompletePasswordResetMessage{}
	if err := ctx.Bind(&payload); err != nil {
		return h.renderError(ctx, NewValidationError(err))
	}

	if err := h.Service.CompleteReset(ctx.Context(), ctx.Param("token"), payload.Password); err != nil {
		return h.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{"success": true})
}

func (h *HTTPController) ResendActivation(ctx router.Context) error {
	payload := emailPayload{}
	if err := ctx.Bind(&payload); err != nil {
		return h.renderError(ctx, NewValidationError(err))
	}

	if err := h.Service.ResendActivation(ctx.Context(), payload.Email); err != nil {
		return h.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusAccepted, map[string]any{"success": true})
}

func (h *HTTPController) Me(ctx router.Context) error {
	session, err := SessionFromContext(ctx)
	if err != nil {
		return h.renderError(ctx, err)
	}

	account, err := h.Service.Account(ctx.Context(), session.Pseudo)
	if err != nil {
		return h.renderError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"account":            account,
		"session_expires_at": session.ExpiresAt,
	})
}

func (h *HTTPController) DeleteAccount(ctx router.Context) error {
	session, err := SessionFromContext(ctx)
	if err != nil {
		return h.renderError(ctx, err)
	}

	target := ctx.Param("pseudo")
	if err := h.Service.DeleteAccount(ctx.Context(), session.Pseudo, target); err != nil {
		return h.renderError(ctx, err)
	}

	if NormalizeIdentifier(target) == NormalizeIdentifier(session.Pseudo) {
		ctx.Cookie(toRouterCookie(h.Service.Sessions().ClearCookie()))
	}

	return ctx.NoContent(router.StatusNoContent)
}

// Metrics writes the gatherer in the text exposition format
func (h *HTTPController) Metrics(ctx router.Context) error {
	families, err := h.Gatherer.Gather()
	if err != nil {
		return h.renderError(ctx, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to gather metrics"))
	}

	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	buf := &bytes.Buffer{}
	enc := expfmt.NewEncoder(buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return h.renderError(ctx, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode metrics"))
		}
	}

	ctx.SetHeader("Content-Type", string(format))
	return ctx.Status(router.StatusOK).Send(buf.Bytes())
}

// SessionFromContext returns the session stored by the guard
func SessionFromContext(ctx router.Context) (*Session, error) {
	session, ok := ctx.Locals(SessionContextKey).(*Session)
	if !ok || session == nil {
		return nil, ErrSessionAbsent
	}
	return session, nil
}

func (h *HTTPController) debug(label string, payload any) {
	if !h.Debug {
		return
	}
	h.Logger.Debug("request payload", "route", label, "payload", print.MaybePrettyJSON(redact(payload)))
}

// redact drops secrets before a payload is logged
func redact(payload any) any {
	switch p := payload.(type) {
	case SignupMessage:
		p.Password = "***"
		p.OnResponse = nil
		return p
	case LoginMessage:
		p.Password = "***"
		p.OnResponse = nil
		return p
	default:
		return payload
	}
}

// renderError writes err as
// {"error": {"category", "code", "text_code", "message", "metadata"}}
func (h *HTTPController) renderError(ctx router.Context, err error) error {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
			WithCode(goerrors.CodeInternal)
	}

	status := richErr.Code
	if status == 0 {
		status = statusFromCategory(richErr.Category)
	}

	body := map[string]any{
		"category":  richErr.Category,
		"code":      status,
		"text_code": richErr.TextCode,
		"message":   richErr.Message,
	}

	if status >= router.StatusInternalServerError {
		h.Logger.Error("request failed",
			"path", ctx.Path(),
			"error", err,
			"details", print.MaybePrettyJSON(richErr.Metadata),
		)
	} else {
		h.Logger.Debug("request rejected", "path", ctx.Path(), "text_code", richErr.TextCode)
		if len(richErr.Metadata) > 0 {
			body["metadata"] = richErr.Metadata
		}
	}

	return ctx.JSON(status, map[string]any{"error": body})
}

func statusFromCategory(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryValidation, goerrors.CategoryBadInput:
		return router.StatusBadRequest
	case goerrors.CategoryAuth:
		return router.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return router.StatusForbidden
	case goerrors.CategoryNotFound:
		return router.StatusNotFound
	case goerrors.CategoryConflict:
		return router.StatusConflict
	case goerrors.CategoryOperation:
		return router.StatusServiceUnavailable
	default:
		return router.StatusInternalServerError
	}
}

func toRouterCookie(ck *http.Cookie) *router.Cookie {
	out := &router.Cookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Path:     ck.Path,
		MaxAge:   ck.MaxAge,
		Expires:  ck.Expires,
		Secure:   ck.Secure,
		HTTPOnly: ck.HttpOnly,
	}

	switch ck.SameSite {
	case http.SameSiteStrictMode:
		out.SameSite = router.CookieSameSiteStrictMode
	case http.SameSiteNoneMode:
		out.SameSite = router.CookieSameSiteNoneMode
	default:
		out.SameSite = router.CookieSameSiteLaxMode
	}

	return out
}
