package web

import (
	"net/http"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"
)

const (
	sessionName = "mcdnn"
	authKey     = "authenticated"
	realm       = "mcdnn monitor"
)

type AuthMiddleware struct {
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
	log   *zap.SugaredLogger
}

// Setup new middleware for authenticating requests. The session keys are generated at random
// so users need to log in again after a restart.
func NewAuthMiddleware(opts httpauth.AuthOptions, log *zap.SugaredLogger) *AuthMiddleware {
	store := sessions.NewCookieStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true}
	if opts.Realm == "" {
		opts.Realm = realm
	}
	return &AuthMiddleware{store: store, opts: opts, log: log}
}

// BasicAuth checks requests against a single user name and password.
func BasicAuth(user, password string, log *zap.SugaredLogger) *AuthMiddleware {
	return NewAuthMiddleware(httpauth.AuthOptions{User: user, Password: password}, log)
}

// If the session is not authenticated then use basic auth to login and save the session.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if session, err := mw.store.Get(r, sessionName); err == nil {
			if ok, _ := session.Values[authKey].(bool); ok {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpauth.BasicAuth(mw.opts)(mw.setSession(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) setSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, _ := mw.store.Get(r, sessionName)
		session.Values[authKey] = true
		if err := session.Save(r, w); err != nil {
			mw.log.Warnw("error saving session", "error", err)
		}
		h.ServeHTTP(w, r)
	})
}
