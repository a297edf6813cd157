// Package client is the REST side of the printer link: a synchronous,
// stateless helper over the host's HTTP control surface. It fetches the
// one-shot tokens that authenticate the websocket channel and exposes the
// file and printer operations used during setup and file transfer.
//
// Nothing here retries. Retry policy belongs to the caller.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"grimm.is/platen/internal/brand"
	"grimm.is/platen/internal/logging"
	"grimm.is/platen/internal/metrics"
)

// DefaultTimeout bounds every request unless WithTimeout says otherwise.
const DefaultTimeout = 3 * time.Second

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 4096

// API paths on the host.
const (
	pathOneshotToken    = "/access/oneshot_token"
	pathPrinterInfo     = "/printer/info"
	pathServerInfo      = "/server/info"
	pathFilesList       = "/server/files/list"
	pathFilesDirectory  = "/server/files/directory"
	pathFilesUpload     = "/server/files/upload"
	pathFirmwareRestart = "/printer/firmware_restart"
)

// PrinterInfo mirrors the /printer/info result.
type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	Hostname        string `json:"hostname"`
	SoftwareVersion string `json:"software_version"`
	CPUInfo         string `json:"cpu_info"`
	ConfigFile      string `json:"config_file,omitempty"`
	LogFile         string `json:"log_file,omitempty"`
}

// ServerInfo mirrors the /server/info result.
type ServerInfo struct {
	KlippyConnected       bool     `json:"klippy_connected"`
	KlippyState           string   `json:"klippy_state"`
	Components            []string `json:"components"`
	FailedComponents      []string `json:"failed_components"`
	RegisteredDirectories []string `json:"registered_directories"`
	Warnings              []string `json:"warnings"`
	WebsocketCount        int      `json:"websocket_count"`
	MoonrakerVersion      string   `json:"moonraker_version"`
	APIVersion            []int    `json:"api_version"`
	APIVersionString      string   `json:"api_version_string"`
}

// FileInfo is one entry of a file listing.
type FileInfo struct {
	Path        string  `json:"path"`
	Modified    float64 `json:"modified"`
	Size        int64   `json:"size"`
	Permissions string  `json:"permissions"`
}

// DirEntry is a subdirectory in a directory listing.
type DirEntry struct {
	DirName     string  `json:"dirname"`
	Modified    float64 `json:"modified"`
	Size        int64   `json:"size"`
	Permissions string  `json:"permissions"`
}

// FileEntry is a file in a directory listing.
type FileEntry struct {
	FileName    string  `json:"filename"`
	Modified    float64 `json:"modified"`
	Size        int64   `json:"size"`
	Permissions string  `json:"permissions"`
}

// DiskUsage reports the filesystem backing a root.
type DiskUsage struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
	Free  int64 `json:"free"`
}

// DirectoryListing mirrors the /server/files/directory result.
type DirectoryListing struct {
	Dirs      []DirEntry  `json:"dirs"`
	Files     []FileEntry `json:"files"`
	DiskUsage *DiskUsage  `json:"disk_usage,omitempty"`
	RootInfo  *struct {
		Name        string `json:"name"`
		Permissions string `json:"permissions"`
	} `json:"root_info,omitempty"`
}

// Item describes a file or directory created on the host.
type Item struct {
	Path        string  `json:"path"`
	Root        string  `json:"root"`
	Modified    float64 `json:"modified,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Permissions string  `json:"permissions,omitempty"`
}

// UploadResult is the response from a successful upload.
type UploadResult struct {
	Item          Item   `json:"item"`
	Action        string `json:"action"`
	PrintStarted  bool   `json:"print_started"`
	PrintQueued   bool   `json:"print_queued"`
	Checksum      string `json:"-"` // sha256 sent with the upload
	BytesUploaded int64  `json:"-"`
}

// ActionResult is returned by side-effecting file operations.
type ActionResult struct {
	Item   Item   `json:"item"`
	Action string `json:"action"`
}

// HTTPClient is the REST client for the printer host.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	logger     *logging.Logger
	metrics    *metrics.Registry
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithAPIKey sets the static API key sent as X-Api-Key.
func WithAPIKey(key string) ClientOption {
	return func(c *HTTPClient) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying http.Client (tests).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// WithMetrics records every call in r.
func WithMetrics(r *metrics.Registry) ClientOption {
	return func(c *HTTPClient) {
		c.metrics = r
	}
}

// BaseURL builds the REST base URL for host:port.
func BaseURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// NewHTTPClient creates a client for the given base URL (e.g. http://printer:7125).
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.WithComponent("rest")
	}
	if c.httpClient == nil {
		// Each call opens and closes its own connection.
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		}
	}
	return c
}

// APIKey returns the configured static key ("" if none).
func (c *HTTPClient) APIKey() string {
	return c.apiKey
}

// envelope is the {"result": ...} wrapper used by every endpoint.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", brand.UserAgent(brand.Version))
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

// do sends req and returns the raw body of a 2xx response.
func (c *HTTPClient) do(req *http.Request, op, endpoint string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveREST(endpoint, "error")
		return nil, classify(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveREST(endpoint, "error")
		return nil, classify(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.ObserveREST(endpoint, "status")
		return nil, &RequestError{
			Kind:   KindStatus,
			Op:     op,
			Status: resp.StatusCode,
			Detail: errorMessage(respBody),
		}
	}

	c.metrics.ObserveREST(endpoint, "ok")
	return respBody, nil
}

// doRequest performs a JSON request and decodes the "result" member into result.
func (c *HTTPClient) doRequest(method, path string, query url.Values, body any, result any) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &RequestError{Kind: KindDecode, Op: op, Detail: "failed to marshal request body", Err: err}
		}
		reqBody = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, reqBody)
	if err != nil {
		return &RequestError{Kind: KindNetwork, Op: op, Detail: "failed to create request", Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("rest request", "op", op)
	respBody, err := c.do(req, op, path)
	if err != nil {
		return err
	}
	return decodeResult(op, respBody, result)
}

func decodeResult(op string, body []byte, result any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &RequestError{Kind: KindDecode, Op: op, Detail: "failed to decode response", Err: err}
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return &RequestError{Kind: KindDecode, Op: op, Detail: "response has no result"}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return &RequestError{Kind: KindDecode, Op: op, Detail: "unexpected result shape", Err: err}
	}
	return nil
}

// classify maps transport errors onto RequestError kinds.
func classify(op string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &RequestError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &RequestError{Kind: KindNetwork, Op: op, Err: err}
}

// errorMessage pulls error.message out of a failure body, falling back to the raw text.
func errorMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}

// GetOneshotToken fetches a single-use token for the websocket channel.
func (c *HTTPClient) GetOneshotToken() (string, error) {
	var token string
	if err := c.doRequest(http.MethodGet, pathOneshotToken, nil, nil, &token); err != nil {
		return "", err
	}
	if token == "" {
		return "", &RequestError{Kind: KindDecode, Op: "GET " + pathOneshotToken, Detail: "empty token"}
	}
	return token, nil
}

// GetPrinterInfo retrieves the printer (Klippy) status.
func (c *HTTPClient) GetPrinterInfo() (*PrinterInfo, error) {
	var info PrinterInfo
	if err := c.doRequest(http.MethodGet, pathPrinterInfo, nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetServerInfo retrieves the host service status.
func (c *HTTPClient) GetServerInfo() (*ServerInfo, error) {
	var info ServerInfo
	if err := c.doRequest(http.MethodGet, pathServerInfo, nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListDirectory lists one directory. path includes the root, e.g. "gcodes/parts".
func (c *HTTPClient) ListDirectory(path string, extended bool) (*DirectoryListing, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("extended", strconv.FormatBool(extended))

	var listing DirectoryListing
	if err := c.doRequest(http.MethodGet, pathFilesDirectory, q, nil, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// ListFiles lists every file below root ("gcodes", "config", ...).
func (c *HTTPClient) ListFiles(root string) ([]FileInfo, error) {
	q := url.Values{}
	q.Set("root", root)

	var files []FileInfo
	if err := c.doRequest(http.MethodGet, pathFilesList, q, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// CreateDirectory creates root/path on the host.
func (c *HTTPClient) CreateDirectory(path, root string) (*ActionResult, error) {
	full := strings.Trim(root, "/") + "/" + strings.TrimLeft(path, "/")

	var result ActionResult
	if err := c.doRequest(http.MethodPost, pathFilesDirectory, nil, map[string]string{"path": full}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FirmwareRestart asks the host to restart the printer firmware. It returns
// the host's result string ("ok").
func (c *HTTPClient) FirmwareRestart() (string, error) {
	var result string
	if err := c.doRequest(http.MethodPost, pathFirmwareRestart, nil, nil, &result); err != nil {
		return "", err
	}
	return result, nil
}

// FileChecksum returns the hex sha256 of a local file.
func FileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// UploadFile streams localPath to root/subpath on the host, together with its
// sha256 so the host can verify the transfer. subpath is the destination
// directory relative to root ("" for the root itself).
func (c *HTTPClient) UploadFile(localPath, root, subpath string) (*UploadResult, error) {
	checksum, size, err := FileChecksum(localPath)
	if err != nil {
		return nil, &UploadError{Path: localPath, Err: fmt.Errorf("failed to calculate checksum: %w", err)}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, &UploadError{Path: localPath, Err: fmt.Errorf("failed to open file: %w", err)}
	}
	defer file.Close()

	// Uploads can outlast the per-request timeout, so it bounds idle time
	// instead: no body progress, or no response once the body is sent.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(c.timeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Fields go first so the host knows the destination before the payload arrives.
	go func() {
		err := func() error {
			for _, field := range [][2]string{{"root", root}, {"path", subpath}, {"checksum", checksum}} {
				if err := writer.WriteField(field[0], field[1]); err != nil {
					return fmt.Errorf("failed to write %s field: %w", field[0], err)
				}
			}
			part, err := writer.CreateFormFile("file", filepath.Base(localPath))
			if err != nil {
				return fmt.Errorf("failed to create form file: %w", err)
			}
			if _, err := io.Copy(part, &idleReader{r: file, timer: watchdog, idle: c.timeout}); err != nil {
				return fmt.Errorf("failed to copy file: %w", err)
			}
			return writer.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, pathFilesUpload, nil, pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, &UploadError{Path: localPath, Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Info("uploading file",
		"file", filepath.Base(localPath), "bytes", size, "root", root, "path", subpath, "checksum", checksum[:16])

	op := http.MethodPost + " " + pathFilesUpload
	respBody, err := c.do(req, op, pathFilesUpload)
	if err != nil {
		pr.CloseWithError(err)
		if stalled.Load() {
			err = &RequestError{Kind: KindTimeout, Op: op, Detail: fmt.Sprintf("no progress for %s", c.timeout), Err: err}
		}
		return nil, &UploadError{Path: localPath, Err: err}
	}

	var result UploadResult
	if err := decodeUpload(respBody, &result); err != nil {
		return nil, &UploadError{Path: localPath, Err: &RequestError{Kind: KindDecode, Op: op, Err: err}}
	}
	result.Checksum = checksum
	result.BytesUploaded = size
	return &result, nil
}

// idleReader pushes timer back by idle on every read.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.timer.Reset(r.idle)
	return n, err
}

// decodeUpload accepts both the bare upload response and the {"result": ...} form.
func decodeUpload(body []byte, out *UploadResult) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Result) > 0 && string(env.Result) != "null" {
		return json.Unmarshal(env.Result, out)
	}
	return json.Unmarshal(body, out)
}
