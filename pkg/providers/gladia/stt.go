package gladia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/ranya-gladia/pkg/adapters/stt"
	"github.com/harunnryd/ranya-gladia/pkg/config"
	"github.com/harunnryd/ranya-gladia/pkg/errorsx"
	"github.com/harunnryd/ranya-gladia/pkg/logging"
	"github.com/harunnryd/ranya-gladia/pkg/resilience"
)

const providerName = "gladia"

// Config tunes the transport. Zero values select sensible defaults.
type Config struct {
	HTTPClient *http.Client
	WSDialer   *websocket.Dialer
	Logger     *slog.Logger
}

// Dialer opens Gladia live v2 sessions.
type Dialer struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	logger     *slog.Logger
}

func New(cfg Config) *Dialer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.WSDialer == nil {
		cfg.WSDialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	}
	return &Dialer{
		httpClient: cfg.HTTPClient,
		wsDialer:   cfg.WSDialer,
		logger:     logging.NewComponentLogger(cfg.Logger, "gladia_stt"),
	}
}

func (d *Dialer) Name() string { return providerName }

// Dial initializes a live session over HTTP and connects to its WebSocket.
// The whole handshake is bounded by cfg.ConnectTimeout.
func (d *Dialer) Dial(ctx context.Context, cfg config.SessionConfig) (stt.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	sess, err := d.initSession(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d.logger.Debug("gladia_ws_connecting",
		slog.String("session_id", sess.ID))

	ws, resp, err := d.wsDialer.DialContext(ctx, sess.URL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return nil, rateLimited(resp, time.Now())
		}
		d.logger.Error("gladia_ws_connect_failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return nil, errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia websocket: %w", err)
	}

	d.logger.Info("gladia_connected",
		slog.String("session_id", sess.ID),
		slog.String("model", cfg.Model),
		slog.Int("sample_rate", cfg.SampleRate))

	c := newConn(sess.ID, ws, d.logger)
	go c.readLoop()
	return c, nil
}

type initResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (d *Dialer) initSession(ctx context.Context, cfg config.SessionConfig) (initResponse, error) {
	endpoint, err := liveURL(cfg.BaseURL, cfg.Region)
	if err != nil {
		return initResponse{}, resilience.Permanent(err)
	}
	body, err := json.Marshal(buildInitRequest(cfg))
	if err != nil {
		return initResponse{}, resilience.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return initResponse{}, resilience.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-gladia-key", cfg.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return initResponse{}, errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia init: %w", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests:
		d.logger.Warn("gladia_rate_limited", slog.String("status", resp.Status))
		return initResponse{}, rateLimited(resp, time.Now())
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("gladia init: %s", resp.Status)
		return initResponse{}, resilience.Permanent(errorsx.Wrap(err, errorsx.ReasonSTTUnauthorized))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		err := fmt.Errorf("gladia init: %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		return initResponse{}, resilience.Permanent(errorsx.Wrap(err, errorsx.ReasonConfigInvalid))
	default:
		return initResponse{}, errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia init: %s", resp.Status)
	}

	var out initResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return initResponse{}, errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia init response: %w", err)
	}
	if out.URL == "" {
		return initResponse{}, errorsx.Wrapf(errorsx.ReasonSTTConnect, "gladia init response: missing url")
	}
	return out, nil
}

func liveURL(base, region string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + "/v2/live")
	if err != nil {
		return "", fmt.Errorf("gladia base url: %w", err)
	}
	if region != "" {
		q := u.Query()
		q.Set("region", region)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

var _ stt.Dialer = (*Dialer)(nil)

// rateLimited turns a 429 into a RateLimitError carrying Retry-After, given
// either in seconds or as an HTTP date.
func rateLimited(resp *http.Response, now time.Time) resilience.RateLimitError {
	err := resilience.RateLimitError{Provider: providerName, Message: resp.Status}
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return err
	}
	if secs, perr := strconv.Atoi(raw); perr == nil && secs > 0 {
		err.RetryAfter = time.Duration(secs) * time.Second
	} else if at, perr := http.ParseTime(raw); perr == nil && at.After(now) {
		err.RetryAfter = at.Sub(now)
	}
	return err
}
