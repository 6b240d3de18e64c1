package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudpic/cloudpic/internal/logging"
	"github.com/cloudpic/cloudpic/internal/metrics"
	"github.com/cloudpic/cloudpic/internal/retry"
)

// b2Service implements Service against the Backblaze B2 native API.
//
// Lifecycle: Unauthenticated until Connect succeeds or SetAuthInfo
// rehydrates a persisted snapshot. The snapshot is guarded by mu because
// folder deletion fans out across goroutines, any of which may trigger a
// re-authorization; each attempt works on its own copy.
type b2Service struct {
	client *b2Client
	keyID  string
	appKey string

	mu   sync.Mutex
	auth *B2AuthInfo
}

func newB2Service(creds Credentials) *b2Service {
	return &b2Service{
		client: newB2Client(creds.Endpoint),
		keyID:  creds.AccessKey,
		appKey: creds.SecretKey,
	}
}

// snapshot returns a copy of the cached auth snapshot, or nil before
// Connect/SetAuthInfo.
func (s *b2Service) snapshot() *B2AuthInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		return nil
	}
	cp := *s.auth
	return &cp
}

// Connect authorizes against B2 and caches the full snapshot.
func (s *b2Service) Connect(ctx context.Context) (ConnectInfo, error) {
	info, err := s.client.authorizeAccount(ctx, s.keyID, s.appKey)
	if err != nil {
		return ConnectInfo{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if info.DownloadURL == "" || info.APIURL == "" || info.AuthorizationToken == "" {
		return ConnectInfo{}, fmt.Errorf("%w: authorization response missing required fields", ErrAuthentication)
	}

	s.mu.Lock()
	s.auth = info
	s.mu.Unlock()
	logging.Debug("b2 connected", zap.String("account", info.AccountID))

	return ConnectInfo{
		DownloadURL:        info.DownloadURL,
		APIURL:             info.APIURL,
		AuthorizationToken: info.AuthorizationToken,
	}, nil
}

func (s *b2Service) AuthInfo() (json.RawMessage, error) {
	auth := s.snapshot()
	if auth == nil {
		return nil, fmt.Errorf("%w: call Connect first", ErrNotAuthenticated)
	}
	raw, err := json.Marshal(auth)
	if err != nil {
		return nil, fmt.Errorf("marshal auth info: %w", err)
	}
	return raw, nil
}

func (s *b2Service) SetAuthInfo(raw json.RawMessage) error {
	var info B2AuthInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("parse auth info: %w", err)
	}
	s.mu.Lock()
	s.auth = &info
	s.mu.Unlock()
	return nil
}

// reauthorize refreshes only the token-bearing fields of the cached
// snapshot by re-invoking the base authorize endpoint. The capability
// descriptor is kept: application keys do not change scope mid-life.
// Holding mu across the remote call single-flights concurrent refreshes;
// a caller whose stale token was already replaced returns immediately.
func (s *b2Service) reauthorize(ctx context.Context, staleToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth.AuthorizationToken != staleToken {
		return nil
	}

	fresh, err := s.client.authorizeAccount(ctx, s.keyID, s.appKey)
	if err != nil {
		return fmt.Errorf("%w: re-authorization: %v", ErrAuthentication, err)
	}
	s.auth.AuthorizationToken = fresh.AuthorizationToken
	s.auth.APIURL = fresh.APIURL
	s.auth.DownloadURL = fresh.DownloadURL
	metrics.RecordProviderReauth(TypeB2)
	logging.Debug("b2 re-authorized after token expiry")
	return nil
}

// withReauth runs fn with the retry-once-on-expiry policy: on a token
// failure it re-authorizes exactly once and retries fn once; a second
// token failure surfaces as ErrAuthentication. fn receives the snapshot
// copy its attempt must use.
func withReauth[T any](ctx context.Context, s *b2Service, fn func(auth *B2AuthInfo) (T, error)) (T, error) {
	reauthorized := false
	res, err := retry.DoWithResult(ctx, retry.Once(), func() (T, error) {
		auth := s.snapshot()
		v, err := fn(auth)
		if err != nil && isAuthTokenError(err) && !reauthorized {
			reauthorized = true
			if rerr := s.reauthorize(ctx, auth.AuthorizationToken); rerr != nil {
				return v, rerr
			}
			return v, retry.Retryable(err)
		}
		return v, err
	})
	if err != nil && isAuthTokenError(err) {
		return res, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return res, err
}

// ListFiles pages through b2_list_file_names with delimiter '/' so B2
// collapses nested paths into folder markers. One download authorization
// is acquired per call, not per file, to bound request volume.
func (s *b2Service) ListFiles(ctx context.Context, prefix string, maxFiles int) ([]File, error) {
	auth := s.snapshot()
	if auth == nil {
		return nil, fmt.Errorf("%w: call Connect first", ErrNotAuthenticated)
	}
	if maxFiles <= 0 {
		return []File{}, nil
	}
	if auth.Allowed.BucketID == "" {
		return nil, fmt.Errorf("%w: bucket id missing from auth info", ErrConfiguration)
	}

	return withReauth(ctx, s, func(auth *B2AuthInfo) ([]File, error) {
		return s.listOnce(ctx, auth, prefix, maxFiles)
	})
}

func (s *b2Service) listOnce(ctx context.Context, auth *B2AuthInfo, prefix string, maxFiles int) ([]File, error) {
	bucketID := auth.Allowed.BucketID

	// Signed-URL token for every object in this listing, scoped to the
	// prefix and valid for an hour.
	dlAuth, err := s.client.getDownloadAuthorization(ctx, auth.APIURL, auth.AuthorizationToken,
		b2DownloadAuthRequest{
			BucketID:               bucketID,
			FileNamePrefix:         prefix,
			ValidDurationInSeconds: int(DefaultURLTTL.Seconds()),
		})
	if err != nil {
		return nil, err
	}

	var files []File
	startFileName := ""

	for len(files) < maxFiles {
		resp, err := s.client.listFileNames(ctx, auth.APIURL, auth.AuthorizationToken,
			b2ListFileNamesRequest{
				BucketID:      bucketID,
				StartFileName: startFileName,
				MaxFileCount:  min(1000, maxFiles-len(files)),
				Prefix:        prefix,
				Delimiter:     "/",
			})
		if err != nil {
			return nil, err
		}

		for _, entry := range resp.Files {
			files = append(files, entryToFile(auth, entry, dlAuth.AuthorizationToken))
		}

		if resp.NextFileName == "" || len(files) >= maxFiles {
			break
		}
		startFileName = resp.NextFileName
	}

	if len(files) > maxFiles {
		files = files[:maxFiles]
	}
	return files, nil
}

// entryToFile maps one raw listing entry. MIME type is always re-derived
// from the extension table, never trusted from the remote content type.
func entryToFile(auth *B2AuthInfo, entry b2FileEntry, dlToken string) File {
	if entry.Action == "folder" {
		// Folder marker synthesized by the delimiter: zero size, no URL.
		return File{
			Name:         entry.FileName,
			Size:         0,
			LastModified: time.Now(),
			MimeType:     mimeDirectory,
			IsDirectory:  true,
		}
	}

	f := File{
		Name:         entry.FileName,
		Size:         entry.ContentLength,
		LastModified: time.UnixMilli(entry.UploadTimestamp),
		MimeType:     MimeType(entry.FileName),
		ETag:         entry.FileID,
		IsDirectory:  len(entry.FileName) > 0 && entry.FileName[len(entry.FileName)-1] == '/',
	}
	if !f.IsDirectory {
		u := signedURL(auth, entry.FileName, dlToken)
		f.URL = &u
	}
	return f
}

func signedURL(auth *B2AuthInfo, name, token string) string {
	return auth.DownloadURL + "/file/" + auth.Allowed.BucketName + "/" +
		url.PathEscape(name) + "?Authorization=" + token
}

// FileURL requests a download authorization scoped to the single path.
func (s *b2Service) FileURL(ctx context.Context, path string, expiresIn time.Duration) (string, error) {
	auth := s.snapshot()
	if auth == nil {
		return "", fmt.Errorf("%w: call Connect first", ErrNotAuthenticated)
	}
	if auth.Allowed.BucketID == "" {
		return "", fmt.Errorf("%w: bucket id missing from auth info", ErrConfiguration)
	}
	if expiresIn <= 0 {
		expiresIn = DefaultURLTTL
	}

	return withReauth(ctx, s, func(auth *B2AuthInfo) (string, error) {
		dlAuth, err := s.client.getDownloadAuthorization(ctx, auth.APIURL, auth.AuthorizationToken,
			b2DownloadAuthRequest{
				BucketID:               auth.Allowed.BucketID,
				FileNamePrefix:         path,
				ValidDurationInSeconds: int(expiresIn.Seconds()),
			})
		if err != nil {
			return "", err
		}
		return signedURL(auth, path, dlAuth.AuthorizationToken), nil
	})
}

// fileID resolves a path to its file id with an exact-match listing probe.
// The native API has no lookup-by-name, so a single-entry page starting at
// the path stands in for it.
func (s *b2Service) fileID(ctx context.Context, auth *B2AuthInfo, path string) (string, error) {
	resp, err := s.client.listFileNames(ctx, auth.APIURL, auth.AuthorizationToken,
		b2ListFileNamesRequest{
			BucketID:      auth.Allowed.BucketID,
			StartFileName: path,
			MaxFileCount:  1,
			Prefix:        path,
		})
	if err != nil {
		return "", err
	}
	if len(resp.Files) == 0 || resp.Files[0].FileName != path {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return resp.Files[0].FileID, nil
}

func (s *b2Service) DeleteFile(ctx context.Context, path string) error {
	if s.snapshot() == nil {
		return fmt.Errorf("%w: call Connect first", ErrNotAuthenticated)
	}

	_, err := withReauth(ctx, s, func(auth *B2AuthInfo) (struct{}, error) {
		id, err := s.fileID(ctx, auth, path)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.client.deleteFileVersion(ctx, auth.APIURL, auth.AuthorizationToken,
			b2DeleteFileVersionRequest{FileName: path, FileID: id})
	})
	return err
}

// Exists collapses every failure mode, including genuine network errors,
// into false.
func (s *b2Service) Exists(ctx context.Context, path string) (bool, error) {
	auth := s.snapshot()
	if auth == nil {
		return false, nil
	}
	if _, err := s.fileID(ctx, auth, path); err != nil {
		return false, nil
	}
	return true, nil
}

// CreateFolder would need a zero-byte upload, and the upload capability is
// deliberately absent from this provider.
func (s *b2Service) CreateFolder(ctx context.Context, path string) error {
	return fmt.Errorf("%w: folder creation requires upload support", ErrNotImplemented)
}

// DeleteFolder lists everything under the prefix and deletes the
// constituents in parallel. No rollback on partial failure: a reported
// error means some deletes may still have succeeded.
func (s *b2Service) DeleteFolder(ctx context.Context, path string) error {
	files, err := s.ListFiles(ctx, path, DefaultMaxFiles)
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, f := range files {
		if f.IsDirectory {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.DeleteFile(ctx, name); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
				mu.Unlock()
			}
		}(f.Name)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Move is copy-then-delete. Not atomic: if the delete fails the object
// exists at both paths and nothing compensates.
func (s *b2Service) Move(ctx context.Context, from, to string) error {
	if err := s.Copy(ctx, from, to); err != nil {
		return err
	}
	return s.DeleteFile(ctx, from)
}

func (s *b2Service) Copy(ctx context.Context, from, to string) error {
	if s.snapshot() == nil {
		return fmt.Errorf("%w: call Connect first", ErrNotAuthenticated)
	}

	_, err := withReauth(ctx, s, func(auth *B2AuthInfo) (struct{}, error) {
		id, err := s.fileID(ctx, auth, from)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, s.client.copyFile(ctx, auth.APIURL, auth.AuthorizationToken,
			b2CopyFileRequest{SourceFileID: id, FileName: to})
	})
	return err
}
