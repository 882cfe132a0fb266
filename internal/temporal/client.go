package temporal

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"

	"github.com/helixir/research-orchestrator/internal/config"
	"github.com/helixir/research-orchestrator/internal/domain"
)

// DefaultHealthCheckTimeout bounds a Temporal server health check.
const DefaultHealthCheckTimeout = 5 * time.Second

// ErrClientClosed is returned by a StageLauncher after Close.
var ErrClientClosed = errors.New("temporal client closed")

// Error is a failed Temporal call made on behalf of a task. Kind is a domain
// sentinel (or ErrClientClosed) so callers classify it with errors.Is.
type Error struct {
	Op     string
	TaskID uuid.UUID
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("temporal %s: %v", e.Op, e.Kind)
	if e.TaskID != uuid.Nil {
		msg += " [workflow " + WorkflowID(e.TaskID) + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return errors.Is(e.Kind, target) }

// wrapError classifies a Temporal SDK error.
func wrapError(op string, err error, taskID uuid.UUID) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, TaskID: taskID, Kind: kindOf(err), Err: err}
}

func kindOf(err error) error {
	var (
		notFound       *serviceerror.NotFound
		alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
		invalid        *serviceerror.InvalidArgument
		exhausted      *serviceerror.ResourceExhausted
		deadline       *serviceerror.DeadlineExceeded
		denied         *serviceerror.PermissionDenied
	)
	switch {
	case errors.As(err, &notFound):
		return domain.ErrNotFound
	case errors.As(err, &alreadyStarted):
		return domain.ErrAlreadyRunning
	case errors.As(err, &invalid):
		return domain.ErrInvalidInput
	case errors.As(err, &exhausted):
		return domain.ErrRateLimited
	case errors.As(err, &denied):
		return domain.ErrForbidden
	case errors.As(err, &deadline), errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	case errors.Is(err, context.Canceled):
		return domain.ErrCancelled
	default:
		return domain.ErrServiceUnavailable
	}
}

// IsWorkflowNotFound reports whether err says the task's workflow does not
// exist or has already been closed and purged.
func IsWorkflowNotFound(err error) bool {
	var te *Error
	return errors.As(err, &te) && errors.Is(te.Kind, domain.ErrNotFound)
}

func buildTLS(cfg config.TemporalTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		ServerName: cfg.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertPath != "" && cfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse CA certificate: no PEM blocks")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// NewClient dials the Temporal frontend described by cfg. A nil logger keeps
// the SDK default.
func NewClient(cfg config.TemporalConfig, logger log.Logger) (client.Client, error) {
	tlsConfig, err := buildTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("configure temporal TLS: %w", err)
	}

	c, err := client.Dial(client.Options{
		HostPort:          cfg.HostPort,
		Namespace:         cfg.Namespace,
		Logger:            logger,
		ConnectionOptions: client.ConnectionOptions{TLS: tlsConfig},
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}
