package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// AssetTypeArchive is the asset type declared when reserving an upload.
const AssetTypeArchive = "ARCHIVE"

// TokenSource supplies a valid bearer token for each API request.
// Implementations re-sign near expiry so long runs never send a stale token.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken is a TokenSource with a fixed token value.
type StaticToken string

// Token ...
func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

// AssetPack is a named, versioned remote container for a binary payload.
type AssetPack struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	AppID      string `json:"app_id"`
}

// AssetVersion is one version record under an asset pack.
type AssetVersion struct {
	ID            string `json:"id"`
	VersionNumber string `json:"version_number"`
	State         string `json:"state"`
}

// OperationHeader is one header of an upload operation, applied in the order
// the server returned it.
type OperationHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// UploadOperation is one server-planned transfer unit.
type UploadOperation struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers []OperationHeader `json:"headers"`
	Offset  int64             `json:"offset"`
	Length  int64             `json:"length"`
}

// UploadFile is the server's answer to an upload reservation.
type UploadFile struct {
	ID         string            `json:"id"`
	FileName   string            `json:"file_name"`
	Operations []UploadOperation `json:"upload_operations"`
}

// CreateAssetPackRequest ...
type CreateAssetPackRequest struct {
	Identifier string `json:"identifier"`
}

// ReserveUploadRequest ...
type ReserveUploadRequest struct {
	AssetType       string `json:"asset_type"`
	FileName        string `json:"file_name"`
	FileSizeInBytes int64  `json:"file_size_in_bytes"`
}

// CommitUploadRequest ...
type CommitUploadRequest struct {
	Uploaded    bool   `json:"uploaded"`
	MD5Checksum string `json:"md5_checksum"`
}

type listAssetPacksResponse struct {
	AssetPacks []AssetPack `json:"asset_packs"`
}

type downloadURLResponse struct {
	URL string `json:"url"`
}

type apiErrorEnvelope struct {
	Errors []apiErrorItem `json:"errors"`
}

type apiErrorItem struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// APIError is a non-2xx response from the main API with the server's parsed
// error message.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// TransportError is a network-level failure before any status was received.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport: %s", e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// CommitError means the upload finalization failed; the uploaded file was not
// marked complete.
type CommitError struct {
	Err error
}

func (e CommitError) Error() string {
	return fmt.Sprintf("commit upload: %s", e.Err)
}

func (e CommitError) Unwrap() error {
	return e.Err
}

// APIClient talks to the asset pack API. Every request carries a bearer token
// from the TokenSource.
type APIClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     TokenSource
	logger     log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, baseURL string, tokens TokenSource, logger log.Logger) *APIClient {
	return &APIClient{
		httpClient: client,
		baseURL:    baseURL,
		tokens:     tokens,
		logger:     logger,
	}
}

// NewHTTPClient creates the retryable HTTP client used for API requests.
// Mutating requests are never retried: retrying a create could leave
// duplicate remote resources, and the safe retry unit is the whole publish
// run. Read-only GETs keep the default transient-failure policy.
func NewHTTPClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
			return false, err
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return client
}

// ListAssetPacks returns the app's existing asset packs.
func (c *APIClient) ListAssetPacks(ctx context.Context, appID string) ([]AssetPack, error) {
	var response listAssetPacksResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/apps/%s/asset-packs", appID), nil, &response)
	if err != nil {
		return nil, err
	}
	return response.AssetPacks, nil
}

// CreateAssetPack creates a new asset pack under the app.
func (c *APIClient) CreateAssetPack(ctx context.Context, appID string, request CreateAssetPackRequest) (AssetPack, error) {
	var pack AssetPack
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/apps/%s/asset-packs", appID), request, &pack)
	if err != nil {
		return AssetPack{}, err
	}
	return pack, nil
}

// ResolveAssetPack finds the asset pack with the given identifier, creating
// it only if no existing pack matches. Looking up an existing identifier
// never creates a duplicate.
func (c *APIClient) ResolveAssetPack(ctx context.Context, appID, identifier string) (AssetPack, error) {
	packs, err := c.ListAssetPacks(ctx, appID)
	if err != nil {
		return AssetPack{}, fmt.Errorf("list asset packs: %w", err)
	}
	for _, pack := range packs {
		if pack.Identifier == identifier {
			c.logger.Debugf("Found existing asset pack %s for identifier %s", pack.ID, identifier)
			return pack, nil
		}
	}

	c.logger.Debugf("No asset pack found for identifier %s, creating one", identifier)
	pack, err := c.CreateAssetPack(ctx, appID, CreateAssetPackRequest{Identifier: identifier})
	if err != nil {
		return AssetPack{}, fmt.Errorf("create asset pack: %w", err)
	}
	return pack, nil
}

// CreateVersion creates a fresh version under the asset pack. Each publish
// run creates its own version, there is no idempotency here.
func (c *APIClient) CreateVersion(ctx context.Context, assetPackID string) (AssetVersion, error) {
	var version AssetVersion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/asset-packs/%s/versions", assetPackID), struct{}{}, &version)
	if err != nil {
		return AssetVersion{}, err
	}
	if version.VersionNumber == "" {
		// Display fallback only, the service normally assigns the number
		version.VersionNumber = "1"
	}
	return version, nil
}

// ReserveUpload declares the file's metadata and returns the server's
// chunk-upload plan.
func (c *APIClient) ReserveUpload(ctx context.Context, versionID string, request ReserveUploadRequest) (UploadFile, error) {
	var file UploadFile
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/versions/%s/files", versionID), request, &file)
	if err != nil {
		return UploadFile{}, err
	}
	return file, nil
}

// CommitUpload marks the uploaded file complete and hands the service the
// integrity checksum.
func (c *APIClient) CommitUpload(ctx context.Context, uploadFileID string, request CommitUploadRequest) error {
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/v1/files/%s", uploadFileID), request, nil)
	if err != nil {
		return CommitError{Err: err}
	}
	return nil
}

// VersionStatus reads the version's current processing state. This is a
// single snapshot; callers needing a terminal state poll it themselves.
func (c *APIClient) VersionStatus(ctx context.Context, versionID string) (AssetVersion, error) {
	var version AssetVersion
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/versions/%s", versionID), nil, &version)
	if err != nil {
		return AssetVersion{}, err
	}
	return version, nil
}

// VersionDownloadURL resolves the download URL of a published version.
func (c *APIClient) VersionDownloadURL(ctx context.Context, versionID string) (string, error) {
	var response downloadURLResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/versions/%s/download", versionID), nil, &response)
	if err != nil {
		return "", err
	}
	return response.URL, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, requestBody interface{}, out interface{}) error {
	var rawBody []byte
	if requestBody != nil {
		var err error
		rawBody, err = json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	if requestBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransportError{Err: err}
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// unwrapError parses the service's error envelope and surfaces the first
// available message, falling back to the raw body.
func unwrapError(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return APIError{Status: resp.StatusCode, Message: err.Error()}
	}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil {
		for _, item := range envelope.Errors {
			if item.Detail != "" {
				return APIError{Status: resp.StatusCode, Message: item.Detail}
			}
			if item.Title != "" {
				return APIError{Status: resp.StatusCode, Message: item.Title}
			}
		}
	}
	return APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
