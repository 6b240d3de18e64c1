package storage

import "fmt"

// New builds a provider client for the given connection type. It performs
// no I/O: credential validation here is purely structural, and remote
// authorization happens later via Connect.
func New(typ string, creds Credentials) (Service, error) {
	switch typ {
	case TypeB2:
		// Bucket is required up front even though the provider resolves
		// the effective bucket from the authorization response.
		if creds.Bucket == "" {
			return nil, fmt.Errorf("%w: bucket is required for b2 storage", ErrConfiguration)
		}
		return newB2Service(creds), nil
	case TypeR2:
		return nil, fmt.Errorf("%w: r2 storage", ErrNotImplemented)
	case TypeS3:
		return nil, fmt.Errorf("%w: s3 storage", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, typ)
	}
}
