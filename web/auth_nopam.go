//go:build !pam

package web

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PAMAuth is only available when built with the pam tag.
func PAMAuth(log *zap.SugaredLogger) (*AuthMiddleware, error) {
	return nil, errors.New("built without pam support, rebuild with -tags pam")
}
