//go:build pam

package web

import (
	"errors"
	"net/http"

	"github.com/goji/httpauth"
	"github.com/msteinert/pam"
	"go.uber.org/zap"
)

// PAMAuth checks the basic auth user name and password against the system PAM config.
func PAMAuth(log *zap.SugaredLogger) (*AuthMiddleware, error) {
	return NewAuthMiddleware(httpauth.AuthOptions{AuthFunc: authPam(log)}, log), nil
}

func authPam(log *zap.SugaredLogger) func(user, pass string, r *http.Request) bool {
	return func(user, pass string, r *http.Request) bool {
		t, err := pam.StartFunc("", "", func(s pam.Style, msg string) (string, error) {
			switch s {
			case pam.PromptEchoOn:
				return user, nil
			case pam.PromptEchoOff:
				return pass, nil
			default:
				return "", errors.New("unexpected style")
			}
		})
		if err != nil {
			log.Errorw("pam auth error", "error", err)
			return false
		}
		ok := t.Authenticate(0) == nil
		log.Infow("auth", "user", user, "ok", ok, "remote", r.RemoteAddr)
		return ok
	}
}
