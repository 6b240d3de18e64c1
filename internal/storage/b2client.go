package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudpic/cloudpic/internal/metrics"
)

// defaultB2AuthURL is the base URL for b2_authorize_account. Everything
// else goes through the apiUrl returned by authorization.
const defaultB2AuthURL = "https://api.backblazeb2.com"

const b2APIPath = "/b2api/v2/"

// b2APIError is the decoded error body of a failed B2 call.
type b2APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *b2APIError) Error() string {
	return fmt.Sprintf("b2: %s (status %d, code %s)", e.Message, e.StatusCode, e.Code)
}

// isAuthTokenError classifies a token-expiry condition. The structured
// error code decides when present; some responses omit the code and carry
// only the canonical message, so both paths inspect it.
func isAuthTokenError(err error) bool {
	var apiErr *b2APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "expired_auth_token" || apiErr.Code == "bad_auth_token" ||
			strings.Contains(apiErr.Message, "Invalid authorizationToken")
	}
	return err != nil && strings.Contains(err.Error(), "Invalid authorizationToken")
}

// B2Allowed is the capability descriptor of an authorization response.
type B2Allowed struct {
	Capabilities []string `json:"capabilities"`
	BucketID     string   `json:"bucketId,omitempty"`
	BucketName   string   `json:"bucketName,omitempty"`
	NamePrefix   string   `json:"namePrefix,omitempty"`
}

// B2AuthInfo is the cached authorization snapshot. Field names mirror the
// b2_authorize_account response exactly: the snapshot is persisted and
// rehydrated as-is.
type B2AuthInfo struct {
	DownloadURL             string    `json:"downloadUrl"`
	APIURL                  string    `json:"apiUrl"`
	AuthorizationToken      string    `json:"authorizationToken"`
	AccountID               string    `json:"accountId"`
	Allowed                 B2Allowed `json:"allowed"`
	AbsoluteMinimumPartSize int64     `json:"absoluteMinimumPartSize"`
	RecommendedPartSize     int64     `json:"recommendedPartSize"`
}

type b2ListFileNamesRequest struct {
	BucketID      string `json:"bucketId"`
	StartFileName string `json:"startFileName,omitempty"`
	MaxFileCount  int    `json:"maxFileCount"`
	Prefix        string `json:"prefix,omitempty"`
	Delimiter     string `json:"delimiter,omitempty"`
}

type b2FileEntry struct {
	FileID          string `json:"fileId"`
	FileName        string `json:"fileName"`
	ContentLength   int64  `json:"contentLength"`
	ContentType     string `json:"contentType"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
	Action          string `json:"action"`
}

type b2ListFileNamesResponse struct {
	Files        []b2FileEntry `json:"files"`
	NextFileName string        `json:"nextFileName"`
}

type b2DownloadAuthRequest struct {
	BucketID               string `json:"bucketId"`
	FileNamePrefix         string `json:"fileNamePrefix"`
	ValidDurationInSeconds int    `json:"validDurationInSeconds"`
}

type b2DownloadAuthResponse struct {
	AuthorizationToken string `json:"authorizationToken"`
}

type b2DeleteFileVersionRequest struct {
	FileName string `json:"fileName"`
	FileID   string `json:"fileId"`
}

type b2CopyFileRequest struct {
	SourceFileID string `json:"sourceFileId"`
	FileName     string `json:"fileName"`
}

// b2Client speaks the native B2 HTTP API.
type b2Client struct {
	httpc   *http.Client
	authURL string
}

func newB2Client(authURL string) *b2Client {
	if authURL == "" {
		authURL = defaultB2AuthURL
	}
	return &b2Client{
		httpc:   http.DefaultClient,
		authURL: strings.TrimSuffix(authURL, "/"),
	}
}

// authorizeAccount exchanges the application key pair for an authorization
// snapshot via Basic auth.
func (c *b2Client) authorizeAccount(ctx context.Context, keyID, appKey string) (*B2AuthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.authURL+b2APIPath+"b2_authorize_account", nil)
	if err != nil {
		return nil, fmt.Errorf("build authorize request: %w", err)
	}
	req.SetBasicAuth(keyID, appKey)

	var info B2AuthInfo
	if err := c.do(req, "authorize_account", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *b2Client) listFileNames(ctx context.Context, apiURL, token string, in b2ListFileNamesRequest) (*b2ListFileNamesResponse, error) {
	var out b2ListFileNamesResponse
	if err := c.call(ctx, apiURL, token, "b2_list_file_names", "list_file_names", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *b2Client) getDownloadAuthorization(ctx context.Context, apiURL, token string, in b2DownloadAuthRequest) (*b2DownloadAuthResponse, error) {
	var out b2DownloadAuthResponse
	if err := c.call(ctx, apiURL, token, "b2_get_download_authorization", "get_download_authorization", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *b2Client) deleteFileVersion(ctx context.Context, apiURL, token string, in b2DeleteFileVersionRequest) error {
	return c.call(ctx, apiURL, token, "b2_delete_file_version", "delete_file_version", in, &struct{}{})
}

func (c *b2Client) copyFile(ctx context.Context, apiURL, token string, in b2CopyFileRequest) error {
	return c.call(ctx, apiURL, token, "b2_copy_file", "copy_file", in, &struct{}{})
}

// call POSTs a JSON request to {apiURL}/b2api/v2/{endpoint}.
func (c *b2Client) call(ctx context.Context, apiURL, token, endpoint, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(apiURL, "/")+b2APIPath+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, op, out)
}

func (c *b2Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.RecordProviderOperation(TypeB2, op, time.Since(start), false)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordProviderOperation(TypeB2, op, time.Since(start), false)
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.RecordProviderOperation(TypeB2, op, time.Since(start), false)
		apiErr := &b2APIError{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.StatusCode == 0 {
			apiErr.StatusCode = resp.StatusCode
		}
		return apiErr
	}

	metrics.RecordProviderOperation(TypeB2, op, time.Since(start), true)

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
