package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	hoaauth "github.com/strataboard/hoaauth"
	"github.com/strataboard/hoaauth/permission"
)

func echoApp(env *guardEnv, mw echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.GET("/documents", func(c echo.Context) error {
		res, ok := c.Get(ContextKey).(*hoaauth.AuthResult)
		if !ok || res.UserID == "" {
			return echo.NewHTTPError(http.StatusInternalServerError, "auth result missing")
		}
		return c.String(http.StatusOK, res.UserID)
	}, mw)
	return e
}

func TestEchoGuardAcceptsValidToken(t *testing.T) {
	env := newGuardEnv(t, residentClaims())
	app := echoApp(env, EchoGuard(env.engine))

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "u1", rec.Body.String())
}

func TestEchoGuardRejectsBadTokens(t *testing.T) {
	env := newGuardEnv(t, residentClaims())
	app := echoApp(env, EchoGuard(env.engine))

	for _, header := range []string{"", "Bearer ", "Bearer garbage", env.token} {
		req := httptest.NewRequest(http.MethodGet, "/documents", nil)
		if header != "" {
			req.Header.Set(echo.HeaderAuthorization, header)
		}
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)

		require.Equalf(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestEchoRequirePolicy(t *testing.T) {
	env := newGuardEnv(t, residentClaims())

	allowed := echoApp(env, EchoRequirePolicy(env.engine, permission.RequireRole(permission.RoleResident), nil))
	denied := echoApp(env, EchoRequirePolicy(env.engine, permission.RequireRole(permission.RoleAdministrator), nil))

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)

	rec := httptest.NewRecorder()
	allowed.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	denied.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEchoRequirePolicyResolvesResource(t *testing.T) {
	env := newGuardEnv(t, residentClaims())

	resolve := func(c echo.Context) permission.Resource {
		return permission.Resource{OwnerID: c.QueryParam("owner")}
	}
	app := echoApp(env, EchoRequirePolicy(env.engine, permission.RequireOwner(), resolve))

	req := httptest.NewRequest(http.MethodGet, "/documents?owner=u1", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/documents?owner=u2", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+env.token)
	rec = httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
