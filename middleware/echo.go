package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	hoaauth "github.com/strataboard/hoaauth"
	"github.com/strataboard/hoaauth/permission"
)

// ContextKey is the echo context key the adapters store the validated
// [hoaauth.AuthResult] under.
const ContextKey = "hoaauth"

// EchoGuard is the echo adapter of [Guard].
func EchoGuard(engine *hoaauth.Engine) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res, err := validateEcho(engine, c)
			if err != nil {
				return err
			}
			c.Set(ContextKey, res)
			return next(c)
		}
	}
}

// EchoRequirePolicy is the echo adapter of [RequirePolicy].
func EchoRequirePolicy(engine *hoaauth.Engine, policy permission.Policy, resolve func(c echo.Context) permission.Resource) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res, err := validateEcho(engine, c)
			if err != nil {
				return err
			}

			var resource permission.Resource
			if resolve != nil {
				resource = resolve(c)
			}

			subject := permission.Subject{
				Sub:         res.UserID,
				Roles:       res.Roles,
				Permissions: res.Permissions,
			}
			if !permission.Evaluate(policy, subject, resource) {
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}

			c.Set(ContextKey, res)
			return next(c)
		}
	}
}

func validateEcho(engine *hoaauth.Engine, c echo.Context) (*hoaauth.AuthResult, error) {
	if engine == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}

	res, err := engine.Validate(c.Request().Context(), token)
	if err != nil {
		if errors.Is(err, hoaauth.ErrPermissionDenied) {
			return nil, echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return &res, nil
}
