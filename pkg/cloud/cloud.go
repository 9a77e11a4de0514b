// Package cloud is a small client for a Xively v2 style feed API: one feed
// per device, one datastream per channel.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "https://api.xively.com/v2"
	DefaultTimeout = 10 * time.Second

	headerAPIKey   = "X-ApiKey"
	apiVersion     = "1.0.0"
	maxErrorBody   = 4 << 10
	contentTypeAPI = "application/json"
)

// HTTPError is a non-2xx answer from the API.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("cloud: %s", e.Status)
	}
	return fmt.Sprintf("cloud: %s: %s", e.Status, e.Body)
}

type Feed struct {
	ID      int64  `json:"id"`
	Title   string `json:"title,omitempty"`
	Status  string `json:"status,omitempty"`
	Updated string `json:"updated,omitempty"`
}

// Datastream is the handle for one channel. CurrentValue and At are set
// before an update.
type Datastream struct {
	ID           string
	CurrentValue string
	At           time.Time
	Tags         []string
}

type wireStream struct {
	ID           string   `json:"id"`
	CurrentValue string   `json:"current_value,omitempty"`
	At           string   `json:"at,omitempty"`
	Tags         []string `json:"tags,omitempty"`
}

func (w wireStream) datastream() Datastream {
	ds := Datastream{ID: w.ID, CurrentValue: w.CurrentValue, Tags: w.Tags}
	if at, err := time.Parse(time.RFC3339Nano, w.At); err == nil {
		ds.At = at
	}
	return ds
}

// SetValue stores v in the form the API expects.
func (d *Datastream) SetValue(v float64, at time.Time) {
	d.CurrentValue = strconv.FormatFloat(v, 'f', -1, 64)
	d.At = at.UTC()
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     logrus.FieldLogger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Feed(ctx context.Context, feedID string) (Feed, error) {
	var f Feed
	_, err := c.do(ctx, http.MethodGet, c.feedPath(feedID)+".json", nil, &f)
	return f, err
}

// LookupDatastream reports found=false, with a nil error, when the stream
// does not exist.
func (c *Client) LookupDatastream(ctx context.Context, feedID, id string) (Datastream, bool, error) {
	var w wireStream
	status, err := c.do(ctx, http.MethodGet, c.streamPath(feedID, id), nil, &w)
	if status == http.StatusNotFound {
		return Datastream{}, false, nil
	}
	if err != nil {
		return Datastream{}, false, err
	}
	ds := w.datastream()
	if ds.ID == "" {
		ds.ID = id
	}
	return ds, true, nil
}

type createRequest struct {
	Version     string       `json:"version"`
	Datastreams []wireStream `json:"datastreams"`
}

func (c *Client) CreateDatastream(ctx context.Context, feedID, id string, tags []string) (Datastream, error) {
	req := createRequest{Version: apiVersion, Datastreams: []wireStream{{ID: id, Tags: tags}}}
	if _, err := c.do(ctx, http.MethodPost, c.feedPath(feedID)+"/datastreams.json", req, nil); err != nil {
		return Datastream{}, err
	}
	c.log.WithField("channel", id).Info("created datastream")
	return Datastream{ID: id, Tags: tags}, nil
}

type updateRequest struct {
	ID           string `json:"id"`
	CurrentValue string `json:"current_value"`
	At           string `json:"at"`
}

func (c *Client) UpdateDatastream(ctx context.Context, feedID string, ds Datastream) error {
	req := updateRequest{ID: ds.ID, CurrentValue: ds.CurrentValue, At: ds.At.UTC().Format(time.RFC3339)}
	_, err := c.do(ctx, http.MethodPut, c.streamPath(feedID, ds.ID), req, nil)
	return err
}

func (c *Client) feedPath(feedID string) string {
	return c.baseURL + "/feeds/" + url.PathEscape(feedID)
}

func (c *Client) streamPath(feedID, id string) string {
	return c.feedPath(feedID) + "/datastreams/" + url.PathEscape(id) + ".json"
}

// do sends body as JSON and decodes a 2xx answer into out. The status code is
// returned alongside any error.
func (c *Client) do(ctx context.Context, method, u string, body, out interface{}) (int, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("cloud: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, fmt.Errorf("cloud: %w", err)
	}
	req.Header.Set(headerAPIKey, c.apiKey)
	req.Header.Set("Accept", contentTypeAPI)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeAPI)
	}

	c.log.WithFields(logrus.Fields{"method": method, "url": u}).Debug("cloud request")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cloud %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("cloud: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
