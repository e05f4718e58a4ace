// Package syncclient talks to the inventory API: the two-phase "bolt"
// preview/commit protocol, the legacy add-endpoints fallback, and the
// application/instance bootstrap calls the onboarding coordinator
// needs. No call in this package retries — a 401 or any other non-2xx
// response is translated into a typed error and returned immediately;
// higher layers decide whether a later capture is worth resending.
package syncclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/arnaav00/daemonset-capture/pkg/paramize"
)

// DefaultCallTimeout bounds every outbound request.
const DefaultCallTimeout = 30 * time.Second

// DefaultEndpointCacheTTL bounds how long a listed endpoint id is
// trusted before ListEndpoints re-fetches it.
const DefaultEndpointCacheTTL = 5 * time.Minute

const maxLoggedErrorBody = 4 << 10 // 4KB

// UnauthorizedError means the configured API key was rejected.
type UnauthorizedError struct{ Path string }

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("apisec: unauthorized calling %s", e.Path)
}

// TransientError wraps any non-2xx, non-401 response.
type TransientError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("apisec: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
}

// Application is the subset of the inventory API's application shape
// the onboarding coordinator needs.
type Application struct {
	ApplicationID   string     `json:"applicationId"`
	ApplicationName string     `json:"applicationName"`
	Instances       []Instance `json:"instances"`
}

// Instance is one deployed instance of an application.
type Instance struct {
	InstanceID   string `json:"instanceId"`
	InstanceName string `json:"instanceName"`
}

// EndpointKey identifies a cached endpoint by its parameterized shape.
type EndpointKey struct {
	Method string
	Path   string
}

// BoltRequest is one request in a bolt/preview envelope.
type BoltRequest struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	RequestBody    string            `json:"requestBody,omitempty"`
}

// EndpointSuggestion is one bolt/preview match.
type EndpointSuggestion struct {
	EndpointID  string            `json:"endpointId"`
	PathParams  map[string]string `json:"pathParams"`
	QueryParams map[string]string `json:"queryParams"`
}

// PreviewResult is the bolt/preview response.
type PreviewResult struct {
	EndpointSuggestions []EndpointSuggestion `json:"endpointSuggestions"`
	Unmatched           []interface{}        `json:"unmatched"`
	MatchedRequests     int                  `json:"matchedRequests"`
	UnmatchedRequests   int                  `json:"unmatchedRequests"`
}

// RequestBodyExample carries a cleaned body sample for bolt/commit.
type RequestBodyExample struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// CommitEndpoint is one entry in a bolt/commit call.
type CommitEndpoint struct {
	EndpointID          string               `json:"endpointId"`
	Include             bool                 `json:"include"`
	PathParams          map[string]string    `json:"pathParams"`
	QueryParams         map[string]string    `json:"queryParams"`
	Headers             map[string]string    `json:"headers"`
	RequestBodyExample  *RequestBodyExample  `json:"requestBodyExample,omitempty"`
}

// AddEndpointItem is one entry in the legacy add-endpoints fallback.
type AddEndpointItem struct {
	Method   string `json:"method"`
	Endpoint string `json:"endpoint"`
	Payload  string `json:"payload"`
}

type endpointCacheEntry struct {
	endpoints map[EndpointKey]string
	fetchedAt time.Time
}

// Client is a registry-keyed inventory API client.
type Client struct {
	httpClient *http.Client
	baseURL    func() string
	apiKey     func() string
	log        *zap.Logger

	cacheMu sync.Mutex
	cache   map[string]endpointCacheEntry // key: appID+"|"+instanceID
}

// New builds a Client. baseURL and apiKey are read on every call so a
// registry hot-reload takes effect without reconstructing the client.
func New(baseURL func() string, apiKey func() string, log *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultCallTimeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		log:        log,
		cache:      make(map[string]endpointCacheEntry),
	}
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.baseURL(), "/") + path
}

// do issues one request, sets the bearer header, and translates a
// non-2xx response into a typed error. It never retries.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.apiKey()))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &UnauthorizedError{Path: path}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logged := respBody
		if len(logged) > maxLoggedErrorBody {
			logged = logged[:maxLoggedErrorBody]
		}
		c.log.Warn("apisec call failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", logged))
		return nil, &TransientError{Path: path, StatusCode: resp.StatusCode, Body: string(logged)}
	}
	return respBody, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal request body")
		}
		body = bytes.NewReader(raw)
	}
	respBody, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(respBody, out), "unmarshal response body")
}

// ListApplications pages through GET /v1/applications?include=metadata.
func (c *Client) ListApplications(ctx context.Context) ([]Application, error) {
	var all []Application
	nextToken := ""
	for page := 0; page < 20; page++ {
		path := "/v1/applications?include=metadata"
		if nextToken != "" {
			path += "&nextToken=" + nextToken
		}
		var out struct {
			Applications []Application `json:"applications"`
			NextToken    string        `json:"nextToken"`
		}
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Applications...)
		if out.NextToken == "" {
			break
		}
		nextToken = out.NextToken
	}
	return all, nil
}

// CreateInstance creates one instance of appID and returns its id.
func (c *Client) CreateInstance(ctx context.Context, appID, hostURL, instanceName string) (string, error) {
	payload := struct {
		InstanceRequestItems []struct {
			HostURL      string `json:"hostUrl"`
			InstanceName string `json:"instanceName"`
		} `json:"instanceRequestItems"`
	}{}
	payload.InstanceRequestItems = append(payload.InstanceRequestItems, struct {
		HostURL      string `json:"hostUrl"`
		InstanceName string `json:"instanceName"`
	}{HostURL: hostURL, InstanceName: instanceName})

	var out struct {
		InstanceIDs []string `json:"instanceIds"`
		InstanceID  string   `json:"instanceId"`
	}
	path := fmt.Sprintf("/v1/applications/%s/instances/batch", appID)
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return "", err
	}
	if len(out.InstanceIDs) > 0 {
		return out.InstanceIDs[0], nil
	}
	return out.InstanceID, nil
}

// minimalOAS is the empty OpenAPI 3.0 document uploaded for a
// genuinely new service.
func minimalOAS(serviceName string) []byte {
	doc := map[string]interface{}{
		"openapi": "3.0.0",
		"info":    map[string]interface{}{"title": serviceName, "version": "1.0.0"},
		"paths":   map[string]interface{}{},
		"servers": []map[string]string{{"url": "/"}},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

// CreateApplication uploads a minimal OpenAPI document for a new
// service and returns the resulting application id.
func (c *Client) CreateApplication(ctx context.Context, serviceName string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("fileUpload", serviceName+".json")
	if err != nil {
		return "", errors.Wrap(err, "create oas form file")
	}
	if _, err := fw.Write(minimalOAS(serviceName)); err != nil {
		return "", errors.Wrap(err, "write oas form file")
	}
	if err := w.WriteField("applicationName", serviceName); err != nil {
		return "", errors.Wrap(err, "write applicationName field")
	}
	if err := w.WriteField("origin", "K8S_DAEMONSET"); err != nil {
		return "", errors.Wrap(err, "write origin field")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "close multipart writer")
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/applications/oas", &body, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	var out struct {
		ApplicationID string   `json:"applicationId"`
		HostURLs      []string `json:"hostUrls"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", errors.Wrap(err, "unmarshal oas upload response")
	}
	return out.ApplicationID, nil
}

// ListEndpoints returns the (method, parameterized-path) -> endpointId
// map for an application instance, refreshing it every
// DefaultEndpointCacheTTL.
func (c *Client) ListEndpoints(ctx context.Context, appID, instanceID string) (map[EndpointKey]string, error) {
	cacheKey := appID + "|" + instanceID

	c.cacheMu.Lock()
	if entry, ok := c.cache[cacheKey]; ok && time.Since(entry.fetchedAt) < DefaultEndpointCacheTTL {
		c.cacheMu.Unlock()
		return entry.endpoints, nil
	}
	c.cacheMu.Unlock()

	path := fmt.Sprintf("/v1/applications/%s/instances/%s/endpoints?include=metadata&slim=true", appID, instanceID)
	var out struct {
		EndpointGroups []struct {
			Endpoints []struct {
				Method string `json:"method"`
				Path   string `json:"path"`
				ID     string `json:"id"`
			} `json:"endpoints"`
		} `json:"endpointGroups"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	endpoints := make(map[EndpointKey]string)
	for _, group := range out.EndpointGroups {
		for _, ep := range group.Endpoints {
			key := EndpointKey{Method: strings.ToUpper(ep.Method), Path: paramize.Parameterize(ep.Path)}
			endpoints[key] = ep.ID
		}
	}

	c.cacheMu.Lock()
	c.cache[cacheKey] = endpointCacheEntry{endpoints: endpoints, fetchedAt: time.Now()}
	c.cacheMu.Unlock()
	return endpoints, nil
}

// Preview uploads a single-request bolt envelope as a multipart file.
func (c *Client) Preview(ctx context.Context, appID, instanceID string, requests []BoltRequest) (PreviewResult, error) {
	envelope := struct {
		Requests []BoltRequest `json:"requests"`
	}{Requests: requests}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return PreviewResult{}, errors.Wrap(err, "marshal bolt envelope")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "bolt.json")
	if err != nil {
		return PreviewResult{}, errors.Wrap(err, "create bolt form file")
	}
	if _, err := fw.Write(raw); err != nil {
		return PreviewResult{}, errors.Wrap(err, "write bolt form file")
	}
	if err := w.Close(); err != nil {
		return PreviewResult{}, errors.Wrap(err, "close multipart writer")
	}

	path := fmt.Sprintf("/v1/applications/%s/instances/%s/bolt/preview", appID, instanceID)
	respBody, err := c.do(ctx, http.MethodPost, path, &body, w.FormDataContentType())
	if err != nil {
		return PreviewResult{}, err
	}
	var out PreviewResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return PreviewResult{}, errors.Wrap(err, "unmarshal bolt preview response")
	}
	return out, nil
}

// Commit applies a set of previewed endpoint matches.
func (c *Client) Commit(ctx context.Context, appID, instanceID string, endpoints []CommitEndpoint) error {
	payload := struct {
		ApplyRequestBodies bool             `json:"applyRequestBodies"`
		Endpoints          []CommitEndpoint `json:"endpoints"`
	}{ApplyRequestBodies: true, Endpoints: endpoints}
	path := fmt.Sprintf("/v1/applications/%s/instances/%s/bolt/commit", appID, instanceID)
	return c.doJSON(ctx, http.MethodPost, path, payload, nil)
}

// AddEndpoints registers genuinely new endpoints that bolt/preview had
// no suggestion for.
func (c *Client) AddEndpoints(ctx context.Context, appID, instanceID string, items []AddEndpointItem) error {
	path := fmt.Sprintf("/v1/applications/%s/instances/%s/add-endpoints", appID, instanceID)
	return c.doJSON(ctx, http.MethodPost, path, items, nil)
}

// UpdateEndpointExample refreshes the stored request body sample for
// an endpoint that was already committed, without re-running preview.
func (c *Client) UpdateEndpointExample(ctx context.Context, appID, instanceID, endpointID, contentType, body string) error {
	payload := struct {
		EventType string `json:"eventType"`
		EventData struct {
			RequestBody *RequestBodyExample `json:"requestBody,omitempty"`
		} `json:"eventData"`
	}{EventType: "UPDATE"}
	payload.EventData.RequestBody = &RequestBodyExample{ContentType: contentType, Content: body}

	path := fmt.Sprintf("/v1/applications/%s/instances/%s/endpoints/%s", appID, instanceID, endpointID)
	return c.doJSON(ctx, http.MethodPut, path, payload, nil)
}
