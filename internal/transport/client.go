// Package transport 封装访问上游仓库的 HTTP 客户端：共享连接池、凭据、
// Bearer 挑战重试、按仓库代理以及网络错误/5xx 的指数退避重试。
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-repo/internal/metrics"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制超时与重试。
type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Request 描述一次上游请求。Body 以字节保存，便于重试时重放。
type Request struct {
	Repository string
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	Username   string
	Password   string
	// Proxy 非空时该请求经由此 HTTP 代理发出。
	Proxy *url.URL
}

// Response 是上游响应，调用方负责关闭 Body。
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Fetcher 是代理层依赖的远程传输接口。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Client 是 Fetcher 的 HTTP 实现，整站共享一份实例。
type Client struct {
	http   *http.Client
	opts   Options
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	// proxied 按代理地址缓存 *http.Client，同一代理复用连接池。
	proxied sync.Map
}

// New 返回使用共享连接池的 Client。
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewWithHTTPClient(&http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}, opts)
}

// NewWithHTTPClient 使用给定 http.Client 构造 Client，主要用于测试。
func NewWithHTTPClient(hc *http.Client, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	return &Client{http: hc, opts: opts, logger: logger, sleep: sleepContext}
}

// Fetch 发送请求。网络错误与 5xx 按退避策略重试，重试耗尽后返回最后一次结果；
// 401/429 且配置了凭据时，按 WWW-Authenticate 挑战换取 Bearer token 后重试一次。
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	backoff := c.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		started := time.Now()
		resp, err := c.do(ctx, req, "")
		if err == nil && isAuthFailure(resp.StatusCode) && hasCredentials(req) {
			resp, err = c.retryAuth(ctx, req, resp)
		}
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		metrics.RecordUpstreamFetch(req.Repository, status, time.Since(started))

		retryable := err != nil || resp.StatusCode >= http.StatusInternalServerError
		if !retryable || attempt >= c.opts.MaxRetries || ctx.Err() != nil {
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			return &Response{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
		}

		fields := logrus.Fields{
			"action":     "upstream_retry",
			"repository": req.Repository,
			"upstream":   req.URL,
			"attempt":    attempt + 1,
		}
		if err != nil {
			fields["error"] = err.Error()
		} else {
			fields["upstream_status"] = resp.StatusCode
			resp.Body.Close()
		}
		c.logger.WithFields(fields).Warn("upstream_retry")

		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}
}

func (c *Client) retryAuth(ctx context.Context, req Request, resp *http.Response) (*http.Response, error) {
	challenge, ok := parseBearerChallenge(resp.Header.Values("Www-Authenticate"))
	c.logger.WithFields(logrus.Fields{
		"action":          "auth_retry",
		"repository":      req.Repository,
		"upstream":        req.URL,
		"upstream_status": resp.StatusCode,
		"bearer":          ok,
	}).Info("auth_retry")
	resp.Body.Close()

	if !ok {
		return c.do(ctx, req, "")
	}
	token, err := c.fetchBearerToken(ctx, challenge, req)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req, "Bearer "+token)
}

func (c *Client) do(ctx context.Context, req Request, overrideAuth string) (*http.Response, error) {
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Authorization")
	if overrideAuth != "" {
		httpReq.Header.Set("Authorization", overrideAuth)
	} else if auth := buildCredentialHeader(req.Username, req.Password); auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}
	return c.client(req.Proxy).Do(httpReq)
}

func (c *Client) client(proxy *url.URL) *http.Client {
	if proxy == nil {
		return c.http
	}
	key := proxy.String()
	if cached, ok := c.proxied.Load(key); ok {
		return cached.(*http.Client)
	}
	transport := http.Transport{}
	if base, ok := c.http.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxy)
	client := *c.http
	client.Transport = &transport
	actual, loaded := c.proxied.LoadOrStore(key, &client)
	if loaded {
		transport.CloseIdleConnections()
	}
	return actual.(*http.Client)
}

type bearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

func parseBearerChallenge(values []string) (bearerChallenge, bool) {
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			continue
		}
		params := parseAuthParams(raw[len("Bearer "):])
		challenge := bearerChallenge{
			Realm:   params["realm"],
			Service: params["service"],
			Scope:   params["scope"],
		}
		if challenge.Realm == "" {
			continue
		}
		return challenge, true
	}
	return bearerChallenge{}, false
}

func parseAuthParams(input string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(input, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		params[key] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return params
}

func (c *Client) fetchBearerToken(ctx context.Context, challenge bearerChallenge, req Request) (string, error) {
	tokenURL, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid bearer realm: %w", err)
	}
	query := tokenURL.Query()
	if challenge.Service != "" {
		query.Set("service", challenge.Service)
	}
	if challenge.Scope != "" {
		query.Set("scope", challenge.Scope)
	}
	tokenURL.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(req.Username, req.Password)

	resp, err := c.client(req.Proxy).Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", errors.New("token response missing token value")
	}
	return token, nil
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func hasCredentials(req Request) bool {
	return req.Username != "" && req.Password != ""
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
