// Package jupyter is a REST client for the Jupyter server API: kernels,
// sessions and kernelspecs. Remote sessions attach to kernels through this
// client plus a websocket to the kernel channels endpoint.
package jupyter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/resilience"
)

// APIError carries the status and body of a failed Jupyter API call.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jupyter API %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client talks to one Jupyter server, with retries and a circuit breaker
// around every call.
type Client struct {
	resty   *resty.Client
	breaker *resilience.Breaker
	baseURL string
	token   string
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewClient builds a client for the server at baseURL. token may be empty
// for unauthenticated servers. metrics may be nil.
func NewClient(baseURL, token string, timeout time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	restyClient := resty.New()
	restyClient.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("User-Agent", "kernelbridge/1.0").
		SetTransport(retryClient.HTTPClient.Transport)
	if token != "" {
		restyClient.SetHeader("Authorization", "token "+token)
	}

	breaker := resilience.New("jupyter-api", resilience.Settings{
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		resty:   restyClient,
		breaker: breaker,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  logger.Named("jupyter"),
		metrics: metrics,
	}
}

// BaseURL returns the server base URL this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do runs one request through the breaker and records the outcome.
func (c *Client) do(ctx context.Context, endpoint string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		resp, err := send(c.resty.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, &APIError{
				StatusCode: resp.StatusCode(),
				Endpoint:   endpoint,
				Body:       strings.TrimSpace(string(resp.Body())),
			}
		}
		return resp, nil
	})

	status := 0
	if err == nil {
		status = result.(*resty.Response).StatusCode()
	} else if apiErr, ok := err.(*APIError); ok {
		status = apiErr.StatusCode
	}
	if c.metrics != nil {
		c.metrics.RecordJupyterRequest(endpoint, status)
	}
	if err != nil {
		c.logger.Warn("Jupyter API call failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", status),
			zap.Error(err))
		return nil, err
	}
	return result.(*resty.Response), nil
}

// ListKernels returns all kernels running on the server.
func (c *Client) ListKernels(ctx context.Context) ([]KernelModel, error) {
	var kernels []KernelModel
	_, err := c.do(ctx, "/api/kernels", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&kernels).Get("/api/kernels")
	})
	if err != nil {
		return nil, err
	}
	return kernels, nil
}

// GetKernel fetches one kernel by id. A 404 surfaces as an APIError.
func (c *Client) GetKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var kernel KernelModel
	_, err := c.do(ctx, "/api/kernels/{id}", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", kernelID).SetResult(&kernel).Get("/api/kernels/{id}")
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

// StartKernel asks the server to launch a new kernel from the named spec.
func (c *Client) StartKernel(ctx context.Context, specName string) (*KernelModel, error) {
	var kernel KernelModel
	_, err := c.do(ctx, "/api/kernels", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]string{"name": specName}).
			SetResult(&kernel).
			Post("/api/kernels")
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Started remote kernel",
		zap.String("spec", specName),
		zap.String("kernel_id", kernel.ID))
	return &kernel, nil
}

// DeleteKernel shuts a kernel down on the server.
func (c *Client) DeleteKernel(ctx context.Context, kernelID string) error {
	_, err := c.do(ctx, "/api/kernels/{id}", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", kernelID).Delete("/api/kernels/{id}")
	})
	return err
}

// InterruptKernel sends an interrupt to a remote kernel.
func (c *Client) InterruptKernel(ctx context.Context, kernelID string) error {
	_, err := c.do(ctx, "/api/kernels/{id}/interrupt", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", kernelID).Post("/api/kernels/{id}/interrupt")
	})
	return err
}

// RestartKernel restarts a remote kernel in place, keeping its id.
func (c *Client) RestartKernel(ctx context.Context, kernelID string) (*KernelModel, error) {
	var kernel KernelModel
	_, err := c.do(ctx, "/api/kernels/{id}/restart", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", kernelID).
			SetResult(&kernel).
			Post("/api/kernels/{id}/restart")
	})
	if err != nil {
		return nil, err
	}
	return &kernel, nil
}

// ListSessions returns the server's notebook sessions.
func (c *Client) ListSessions(ctx context.Context) ([]SessionModel, error) {
	var sessions []SessionModel
	_, err := c.do(ctx, "/api/sessions", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&sessions).Get("/api/sessions")
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession creates a notebook session bound to a kernel. Pass an
// existing kernel id to attach, or a spec name to have the server start one.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionModel, error) {
	var session SessionModel
	_, err := c.do(ctx, "/api/sessions", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(req).SetResult(&session).Post("/api/sessions")
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteSession removes a session; the server shuts its kernel down unless
// another session shares it.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, "/api/sessions/{id}", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", sessionID).Delete("/api/sessions/{id}")
	})
	return err
}

// ListKernelSpecs fetches the specs installed on the server.
func (c *Client) ListKernelSpecs(ctx context.Context) (*KernelSpecsModel, error) {
	var specs KernelSpecsModel
	_, err := c.do(ctx, "/api/kernelspecs", func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&specs).Get("/api/kernelspecs")
	})
	if err != nil {
		return nil, err
	}
	return &specs, nil
}

// WebSocketURL builds the channels endpoint for a kernel, carrying the
// session id and auth token as query parameters.
func (c *Client) WebSocketURL(kernelID, clientSessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/kernels/" + kernelID + "/channels"

	q := u.Query()
	q.Set("session_id", clientSessionID)
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
