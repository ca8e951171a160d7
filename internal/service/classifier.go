package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/timmy/genflow/internal/config"
	"github.com/timmy/genflow/internal/domain"
	"github.com/timmy/genflow/internal/logger"
)

// Classification is the verdict of ErrorClassifier.
type Classification string

const (
	ClassTransient        Classification = "transient"
	ClassFatal            Classification = "fatal"
	ClassDisguisedSuccess Classification = "success_disguised_as_error"
)

// ClassifyFunc overrides classification. Returning false defers to the built-in rules.
type ClassifyFunc func(err error) (Classification, bool)

// ErrorClassifier sorts provider errors into transient, fatal and success
// reported as an error.
type ErrorClassifier struct {
	successTokens []string
	disguised     bool
	override      ClassifyFunc
}

// NewErrorClassifier creates a classifier from the jobs configuration.
func NewErrorClassifier(cfg *config.JobsConfig) *ErrorClassifier {
	tokens := make([]string, 0, len(cfg.SuccessTokens))
	for _, t := range cfg.SuccessTokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tokens = append(tokens, t)
		}
	}
	return &ErrorClassifier{successTokens: tokens, disguised: cfg.DisguisedSuccess}
}

// WithOverride installs fn ahead of the built-in rules.
func (c *ErrorClassifier) WithOverride(fn ClassifyFunc) *ErrorClassifier {
	c.override = fn
	return c
}

// Classify returns the class of err. The success vocabulary is checked first,
// so a 5xx whose message reports success is still routed to success.
func (c *ErrorClassifier) Classify(ctx context.Context, err error) Classification {
	if err == nil {
		return ClassFatal
	}
	if c.override != nil {
		if class, ok := c.override(err); ok {
			return class
		}
	}

	if c.disguised {
		if token, ok := c.matchSuccess(err); ok {
			logger.FromContext(ctx).WithFields(logger.Fields{
				"anomaly": "success_disguised_as_error",
				"token":   token,
			}).WithError(err).Warn("Provider error reports success, treating as succeeded")
			return ClassDisguisedSuccess
		}
	}

	if isTransient(err) {
		return ClassTransient
	}
	return ClassFatal
}

func (c *ErrorClassifier) matchSuccess(err error) (string, bool) {
	msg := err.Error()
	var pf *domain.ProviderFailure
	if errors.As(err, &pf) {
		msg = pf.Message
	}
	msg = strings.ToLower(msg)
	for _, token := range c.successTokens {
		if strings.Contains(msg, token) {
			return token, true
		}
	}
	return "", false
}

func isTransient(err error) bool {
	var pf *domain.ProviderFailure
	if errors.As(err, &pf) {
		return pf.StatusCode >= 500 || pf.StatusCode == http.StatusTooManyRequests
	}

	var tn *domain.TransientNetworkError
	if errors.As(err, &tn) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
