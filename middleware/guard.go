package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	hoaauth "github.com/strataboard/hoaauth"
	"github.com/strataboard/hoaauth/permission"
)

type authResultContextKey struct{}

// AuthResultFromContext returns the validated claims a guard injected for
// this request.
func AuthResultFromContext(ctx context.Context) (*hoaauth.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*hoaauth.AuthResult)
	return res, ok
}

// ResourceResolver derives the policy resource from the request, e.g. by
// loading the owner id from a path parameter. A nil resolver evaluates the
// policy against the zero resource.
type ResourceResolver func(r *http.Request) permission.Resource

// Guard validates the bearer token and injects the result into the request
// context. Token problems answer 401.
func Guard(engine *hoaauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := validateRequest(engine, w, r)
			if !ok {
				return
			}
			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePolicy validates the bearer token and evaluates the policy against
// the resolved resource. Token problems answer 401; policy denial answers 403.
func RequirePolicy(engine *hoaauth.Engine, policy permission.Policy, resolve ResourceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := validateRequest(engine, w, r)
			if !ok {
				return
			}

			var resource permission.Resource
			if resolve != nil {
				resource = resolve(r)
			}

			subject := permission.Subject{
				Sub:         res.UserID,
				Roles:       res.Roles,
				Permissions: res.Permissions,
			}
			if !permission.Evaluate(policy, subject, resource) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateRequest(engine *hoaauth.Engine, w http.ResponseWriter, r *http.Request) (*hoaauth.AuthResult, bool) {
	if engine == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	res, err := engine.Validate(r.Context(), token)
	if err != nil {
		if errors.Is(err, hoaauth.ErrPermissionDenied) {
			http.Error(w, "forbidden", http.StatusForbidden)
		} else {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
		return nil, false
	}
	return &res, true
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
