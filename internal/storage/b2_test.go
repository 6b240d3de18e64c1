package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// b2Fake is an in-process stand-in for the B2 API. Listing pages are keyed
// by startFileName so a retried listing restarts cleanly from the top.
type b2Fake struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	authCalls   int
	listCalls   int
	dlCalls     int
	failDL      int             // remaining dl-auth calls to fail with an expired token
	failList    int             // remaining list calls to fail with an expired token
	expired     map[string]bool // account tokens the fake treats as expired
	badCreds    bool
	omitAPIURL  bool
	pages       map[string]b2ListFileNamesResponse
	deleted     []b2DeleteFileVersionRequest
	copied      []b2CopyFileRequest
	lastDL      b2DownloadAuthRequest
	lastList    b2ListFileNamesRequest
	lastListTok string
}

func newB2Fake(t *testing.T) *b2Fake {
	f := &b2Fake{t: t, pages: map[string]b2ListFileNamesResponse{}, expired: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v2/b2_authorize_account", f.handleAuthorize)
	mux.HandleFunc("/b2api/v2/b2_list_file_names", f.handleList)
	mux.HandleFunc("/b2api/v2/b2_get_download_authorization", f.handleDownloadAuth)
	mux.HandleFunc("/b2api/v2/b2_delete_file_version", f.handleDelete)
	mux.HandleFunc("/b2api/v2/b2_copy_file", f.handleCopy)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *b2Fake) service(t *testing.T) Service {
	svc, err := New(TypeB2, Credentials{
		AccessKey: "key-id",
		SecretKey: "app-key",
		Bucket:    "pics",
		Endpoint:  f.srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func (f *b2Fake) token() string {
	return fmt.Sprintf("acct-token-%d", f.authCalls)
}

func writeExpiredToken(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"status": 401, "code": "expired_auth_token", "message": "Invalid authorizationToken",
	})
}

func (f *b2Fake) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "key-id" || pass != "app-key" || f.badCreds {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"status": 401, "code": "unauthorized", "message": "Invalid application key",
		})
		return
	}

	f.authCalls++
	resp := map[string]any{
		"downloadUrl":        f.srv.URL,
		"apiUrl":             f.srv.URL,
		"authorizationToken": f.token(),
		"accountId":          "acct-1",
		"allowed": map[string]any{
			"capabilities": []string{"listFiles", "readFiles", "deleteFiles"},
			"bucketId":     "bucket-1",
			"bucketName":   "pics",
		},
		"absoluteMinimumPartSize": 5000000,
		"recommendedPartSize":     100000000,
	}
	if f.omitAPIURL {
		delete(resp, "apiUrl")
	}
	json.NewEncoder(w).Encode(resp)
}

func (f *b2Fake) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	f.lastListTok = r.Header.Get("Authorization")

	var req b2ListFileNamesRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.lastList = req

	if f.failList > 0 {
		f.failList--
		writeExpiredToken(w)
		return
	}
	if f.expired[f.lastListTok] {
		writeExpiredToken(w)
		return
	}

	// Single-entry probes resolve a path to its file id.
	if req.MaxFileCount == 1 {
		for _, page := range f.pages {
			for _, e := range page.Files {
				if e.FileName == req.StartFileName {
					json.NewEncoder(w).Encode(b2ListFileNamesResponse{Files: []b2FileEntry{e}})
					return
				}
			}
		}
		json.NewEncoder(w).Encode(b2ListFileNamesResponse{})
		return
	}

	json.NewEncoder(w).Encode(f.pages[req.StartFileName])
}

func (f *b2Fake) handleDownloadAuth(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dlCalls++
	var req b2DownloadAuthRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.lastDL = req

	if f.failDL > 0 {
		f.failDL--
		writeExpiredToken(w)
		return
	}
	json.NewEncoder(w).Encode(b2DownloadAuthResponse{AuthorizationToken: "dl-token"})
}

func (f *b2Fake) handleDelete(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req b2DeleteFileVersionRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.deleted = append(f.deleted, req)
	json.NewEncoder(w).Encode(map[string]any{})
}

func (f *b2Fake) handleCopy(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req b2CopyFileRequest
	json.NewDecoder(r.Body).Decode(&req)
	f.copied = append(f.copied, req)
	json.NewEncoder(w).Encode(map[string]any{})
}

func connectB2(t *testing.T, f *b2Fake) Service {
	t.Helper()
	svc := f.service(t)
	if _, err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return svc
}

func TestB2Connect(t *testing.T) {
	f := newB2Fake(t)
	svc := f.service(t)

	info, err := svc.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.DownloadURL == "" || info.APIURL == "" || info.AuthorizationToken == "" {
		t.Fatalf("Connect returned empty fields: %+v", info)
	}

	raw, err := svc.AuthInfo()
	if err != nil {
		t.Fatalf("AuthInfo: %v", err)
	}
	var snap B2AuthInfo
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.AccountID != "acct-1" {
		t.Errorf("accountId = %q, want %q", snap.AccountID, "acct-1")
	}
	if snap.Allowed.BucketID != "bucket-1" {
		t.Errorf("allowed.bucketId = %q, want %q", snap.Allowed.BucketID, "bucket-1")
	}
}

func TestB2Connect_BadCredentials(t *testing.T) {
	f := newB2Fake(t)
	f.badCreds = true

	_, err := f.service(t).Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestB2Connect_MissingFields(t *testing.T) {
	f := newB2Fake(t)
	f.omitAPIURL = true

	_, err := f.service(t).Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
}

func TestB2AuthInfo_BeforeConnect(t *testing.T) {
	f := newB2Fake(t)
	if _, err := f.service(t).AuthInfo(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestB2ListFiles_BeforeConnect(t *testing.T) {
	f := newB2Fake(t)
	if _, err := f.service(t).ListFiles(context.Background(), "", 10); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}

func TestB2SetAuthInfo_Rehydration(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", ContentLength: 10, UploadTimestamp: 1700000000000, Action: "upload"}},
	}

	svc := f.service(t)
	snap, _ := json.Marshal(B2AuthInfo{
		DownloadURL:        f.srv.URL,
		APIURL:             f.srv.URL,
		AuthorizationToken: "persisted-token",
		AccountID:          "acct-1",
		Allowed:            B2Allowed{BucketID: "bucket-1", BucketName: "pics"},
	})
	if err := svc.SetAuthInfo(snap); err != nil {
		t.Fatalf("SetAuthInfo: %v", err)
	}

	files, err := svc.ListFiles(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}
	if f.authCalls != 0 {
		t.Errorf("authorize called %d times during rehydrated listing, want 0", f.authCalls)
	}
}

func TestB2ListFiles(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{
			{FileID: "id-1", FileName: "a.jpg", ContentLength: 2048, ContentType: "application/octet-stream", UploadTimestamp: 1700000000000, Action: "upload"},
			{FileName: "sub/", Action: "folder"},
		},
	}

	svc := connectB2(t, f)
	files, err := svc.ListFiles(context.Background(), "", DefaultMaxFiles)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}

	file := files[0]
	if file.MimeType != "image/jpeg" {
		t.Errorf("mimeType = %q, want image/jpeg (remote content type must be ignored)", file.MimeType)
	}
	if file.ETag != "id-1" {
		t.Errorf("etag = %q, want id-1", file.ETag)
	}
	if file.URL == nil {
		t.Fatal("file url is nil")
	}
	if want := f.srv.URL + "/file/pics/a.jpg?Authorization=dl-token"; *file.URL != want {
		t.Errorf("url = %q, want %q", *file.URL, want)
	}

	dir := files[1]
	if !dir.IsDirectory {
		t.Error("folder marker not flagged as directory")
	}
	if dir.Size != 0 {
		t.Errorf("directory size = %d, want 0", dir.Size)
	}
	if dir.URL != nil {
		t.Errorf("directory url = %q, want nil", *dir.URL)
	}

	if f.dlCalls != 1 {
		t.Errorf("download authorizations = %d, want 1 per listing", f.dlCalls)
	}
}

func TestB2ListFiles_Pagination(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{
			{FileID: "id-1", FileName: "a.jpg", Action: "upload"},
			{FileID: "id-2", FileName: "b.jpg", Action: "upload"},
		},
		NextFileName: "c.jpg",
	}
	f.pages["c.jpg"] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-3", FileName: "c.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)

	files, err := svc.ListFiles(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("len(files) = %d, want 3", len(files))
	}
	if f.listCalls != 2 {
		t.Errorf("list calls = %d, want 2", f.listCalls)
	}
}

func TestB2ListFiles_TruncatesToMaxFiles(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{
			{FileID: "id-1", FileName: "a.jpg", Action: "upload"},
			{FileID: "id-2", FileName: "b.jpg", Action: "upload"},
		},
		NextFileName: "c.jpg",
	}

	svc := connectB2(t, f)

	files, err := svc.ListFiles(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	if f.listCalls != 1 {
		t.Errorf("list calls = %d, want 1 (cursor must not be followed past the cap)", f.listCalls)
	}
	if f.lastList.MaxFileCount != 2 {
		t.Errorf("maxFileCount = %d, want 2 (min of 1000 and remaining cap)", f.lastList.MaxFileCount)
	}
}

func TestB2ListFiles_ZeroMax(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)

	files, err := svc.ListFiles(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("len(files) = %d, want 0", len(files))
	}
	if f.listCalls != 0 || f.dlCalls != 0 {
		t.Errorf("remote calls made for a zero cap: list=%d dlauth=%d", f.listCalls, f.dlCalls)
	}
}

func TestB2ListFiles_RetryOnExpiredToken(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)
	f.failDL = 1

	files, err := svc.ListFiles(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("ListFiles after retry: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}
	if f.authCalls != 2 {
		t.Errorf("authorize calls = %d, want 2 (connect + one re-authorization)", f.authCalls)
	}
	if f.lastListTok != "acct-token-2" {
		t.Errorf("listing used token %q, want refreshed acct-token-2", f.lastListTok)
	}
}

func TestB2ListFiles_SecondExpiryFails(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)
	f.failDL = 2

	_, err := svc.ListFiles(context.Background(), "", 10)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want ErrAuthentication", err)
	}
	if f.authCalls != 2 {
		t.Errorf("authorize calls = %d, want exactly 2 (no unbounded retry)", f.authCalls)
	}
}

func TestB2FileURL(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)

	u, err := svc.FileURL(context.Background(), "sub/a photo.jpg", 30*time.Minute)
	if err != nil {
		t.Fatalf("FileURL: %v", err)
	}
	if want := f.srv.URL + "/file/pics/sub%2Fa%20photo.jpg?Authorization=dl-token"; u != want {
		t.Errorf("url = %q, want %q", u, want)
	}
	if f.lastDL.ValidDurationInSeconds != 1800 {
		t.Errorf("validDurationInSeconds = %d, want 1800", f.lastDL.ValidDurationInSeconds)
	}
	if f.lastDL.FileNamePrefix != "sub/a photo.jpg" {
		t.Errorf("fileNamePrefix = %q, want the exact path", f.lastDL.FileNamePrefix)
	}

	// Two URLs in quick succession resolve the same path and bucket.
	u2, err := svc.FileURL(context.Background(), "sub/a photo.jpg", 30*time.Minute)
	if err != nil {
		t.Fatalf("FileURL: %v", err)
	}
	trim := func(s string) string { return s[:strings.Index(s, "?")] }
	if trim(u) != trim(u2) {
		t.Errorf("path segments differ between calls: %q vs %q", u, u2)
	}
}

func TestB2DeleteFile(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)
	if err := svc.DeleteFile(context.Background(), "a.jpg"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if len(f.deleted) != 1 || f.deleted[0].FileID != "id-1" || f.deleted[0].FileName != "a.jpg" {
		t.Errorf("deleted = %+v, want one delete of id-1/a.jpg", f.deleted)
	}
}

func TestB2DeleteFile_NotFound(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)

	err := svc.DeleteFile(context.Background(), "missing.jpg")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestB2Exists(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)

	ok, err := svc.Exists(context.Background(), "a.jpg")
	if err != nil || !ok {
		t.Fatalf("Exists(a.jpg) = %v, %v; want true, nil", ok, err)
	}

	ok, err = svc.Exists(context.Background(), "missing.jpg")
	if err != nil || ok {
		t.Fatalf("Exists(missing.jpg) = %v, %v; want false, nil", ok, err)
	}

	// Remote failures also collapse to false.
	f.failList = 1
	ok, err = svc.Exists(context.Background(), "a.jpg")
	if err != nil || ok {
		t.Fatalf("Exists during outage = %v, %v; want false, nil", ok, err)
	}
}

func TestB2CreateFolder(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)

	if err := svc.CreateFolder(context.Background(), "new-folder"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("err = %v, want ErrNotImplemented", err)
	}
}

func TestB2UploadNotSupported(t *testing.T) {
	f := newB2Fake(t)
	svc := connectB2(t, f)

	if _, ok := svc.(Uploader); ok {
		t.Fatal("b2 service must not advertise the upload capability")
	}
}

func TestB2Copy(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)
	if err := svc.Copy(context.Background(), "a.jpg", "b.jpg"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if len(f.copied) != 1 || f.copied[0].SourceFileID != "id-1" || f.copied[0].FileName != "b.jpg" {
		t.Errorf("copied = %+v, want one copy of id-1 to b.jpg", f.copied)
	}
}

func TestB2Move(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{{FileID: "id-1", FileName: "a.jpg", Action: "upload"}},
	}

	svc := connectB2(t, f)
	if err := svc.Move(context.Background(), "a.jpg", "b.jpg"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if len(f.copied) != 1 {
		t.Fatalf("copied = %+v, want one copy", f.copied)
	}
	if len(f.deleted) != 1 || f.deleted[0].FileName != "a.jpg" {
		t.Fatalf("deleted = %+v, want the source deleted", f.deleted)
	}
}

func TestB2DeleteFolder(t *testing.T) {
	f := newB2Fake(t)
	f.pages[""] = b2ListFileNamesResponse{
		Files: []b2FileEntry{
			{FileID: "id-1", FileName: "photos/a.jpg", Action: "upload"},
			{FileID: "id-2", FileName: "photos/b.jpg", Action: "upload"},
			{FileName: "photos/nested/", Action: "folder"},
		},
	}

	svc := connectB2(t, f)
	if err := svc.DeleteFolder(context.Background(), "photos/"); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}

	names := map[string]bool{}
	for _, d := range f.deleted {
		names[d.FileName] = true
	}
	if len(names) != 2 || !names["photos/a.jpg"] || !names["photos/b.jpg"] {
		t.Errorf("deleted = %+v, want exactly the two files", f.deleted)
	}
}

// Concurrent deletes hitting an expired token must share one
// re-authorization and all complete. DeleteFolder fans deletes across
// goroutines, so this path runs under the race detector in CI.
func TestB2DeleteFile_ConcurrentExpiry(t *testing.T) {
	paths := []string{"photos/a.jpg", "photos/b.jpg", "photos/c.jpg", "photos/d.jpg"}

	f := newB2Fake(t)
	page := b2ListFileNamesResponse{}
	for i, p := range paths {
		page.Files = append(page.Files, b2FileEntry{
			FileID: fmt.Sprintf("id-%d", i+1), FileName: p, Action: "upload",
		})
	}
	f.pages[""] = page

	svc := connectB2(t, f)
	f.mu.Lock()
	f.expired["acct-token-1"] = true
	f.mu.Unlock()

	errs := make([]error, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			errs[i] = svc.DeleteFile(context.Background(), p)
		}(i, p)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("DeleteFile(%s): %v", paths[i], err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authCalls != 2 {
		t.Errorf("authorize calls = %d, want 2 (connect + one shared re-authorization)", f.authCalls)
	}
	if len(f.deleted) != len(paths) {
		t.Errorf("deleted %d files, want %d: %+v", len(f.deleted), len(paths), f.deleted)
	}
}

func TestIsAuthTokenError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"expired code", &b2APIError{StatusCode: 401, Code: "expired_auth_token", Message: "token expired"}, true},
		{"bad token code", &b2APIError{StatusCode: 401, Code: "bad_auth_token", Message: "token invalid"}, true},
		{"no code, canonical message", &b2APIError{StatusCode: 401, Message: "Invalid authorizationToken"}, true},
		{"wrapped", fmt.Errorf("list: %w", &b2APIError{StatusCode: 401, Code: "expired_auth_token"}), true},
		{"other api error", &b2APIError{StatusCode: 403, Code: "unauthorized", Message: "capability missing"}, false},
		{"plain error with message", errors.New("remote said: Invalid authorizationToken"), true},
		{"unrelated error", errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := isAuthTokenError(tc.err); got != tc.want {
			t.Errorf("%s: isAuthTokenError = %v, want %v", tc.name, got, tc.want)
		}
	}
}
