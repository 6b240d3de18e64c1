// Package storage defines the provider-agnostic storage service contract
// and the factory that builds provider clients from stored credentials.
// Object metadata and listing come straight from the remote provider;
// connection rows are persisted separately by the connections package.
package storage

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Supported connection types.
const (
	TypeB2 = "b2"
	TypeR2 = "r2"
	TypeS3 = "s3"
)

const (
	// DefaultMaxFiles caps a listing when the caller does not.
	DefaultMaxFiles = 1000

	// DefaultURLTTL is the signed-URL validity when the caller does not
	// specify one.
	DefaultURLTTL = time.Hour
)

// File describes one remote object or synthesized directory entry.
// It is transient, never persisted. JSON tags mirror the API wire shape.
type File struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	MimeType     string    `json:"mimeType"`
	// ETag is the provider's file identifier used for delete/copy
	// targeting, not a content hash.
	ETag        string  `json:"etag"`
	IsDirectory bool    `json:"isDirectory"`
	URL         *string `json:"url"`
}

// Credentials is the provider-specific secret bundle for a connection.
// Endpoint overrides the provider's authorization base URL when set.
type Credentials struct {
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	Bucket    string `json:"bucket,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
}

// Settings holds user-facing display options, independent of credentials.
type Settings struct {
	CustomDomain string `json:"customDomain,omitempty"`
	IsEnabled    *bool  `json:"isEnabled,omitempty"`
	CDNProvider  string `json:"cdnProvider,omitempty"`
}

// ConnectInfo is the non-sensitive subset of an authorization result that
// is safe to echo to a caller.
type ConnectInfo struct {
	DownloadURL        string `json:"downloadUrl"`
	APIURL             string `json:"apiUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// Service is the capability contract every storage provider satisfies.
//
// A Service instance is built fresh per logical operation and owns one
// cached authorization snapshot for its lifetime. Any method other than
// Exists may refresh that snapshot transparently after a token expiry;
// callers persisting the snapshot should re-read it after use.
type Service interface {
	// Connect performs remote authorization with the construction-time
	// credentials and caches the full authorization snapshot.
	Connect(ctx context.Context) (ConnectInfo, error)

	// AuthInfo returns the cached authorization snapshot for persistence.
	// The payload is provider-specific and must be treated as opaque.
	AuthInfo() (json.RawMessage, error)

	// SetAuthInfo rehydrates a previously persisted snapshot into this
	// instance, skipping Connect. The snapshot is trusted as-is.
	SetAuthInfo(raw json.RawMessage) error

	// ListFiles lists objects under prefix, synthesizing directory
	// entries, up to maxFiles. maxFiles <= 0 returns an empty list
	// without any remote call.
	ListFiles(ctx context.Context, prefix string, maxFiles int) ([]File, error)

	// FileURL produces a time-limited signed download URL for one object.
	FileURL(ctx context.Context, path string, expiresIn time.Duration) (string, error)

	DeleteFile(ctx context.Context, path string) error

	// Exists reports whether an object exists. Any failure, including
	// network errors, collapses to false.
	Exists(ctx context.Context, path string) (bool, error)

	CreateFolder(ctx context.Context, path string) error

	// DeleteFolder recursively deletes all objects under the prefix.
	// Not transactional: a partial delete is a possible outcome.
	DeleteFolder(ctx context.Context, path string) error

	// Move is copy-then-delete of the source. Not atomic: a failed
	// delete after a successful copy leaves the object at both paths.
	Move(ctx context.Context, from, to string) error

	Copy(ctx context.Context, from, to string) error
}

// Uploader is the optional upload capability. Providers that cannot
// upload simply do not implement it; callers type-assert before use.
type Uploader interface {
	UploadFile(ctx context.Context, r io.Reader, size int64, path string) (string, error)
	UploadURL(ctx context.Context, path string) (string, error)
}
