// Package session provides recording session persistence with S3 upload capabilities.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/halcyonbio/biolink-gateway/internal/types"
)

// Sentinel errors for session operations.
var (
	// ErrSessionActive is returned when trying to start a session while one is running.
	ErrSessionActive = errors.New("a session is already active")

	// ErrNoSession is returned when trying to end a session while none is running.
	ErrNoSession = errors.New("no active session")

	// ErrNoDestination is returned when starting a session before a storage destination is set.
	ErrNoDestination = errors.New("no storage destination set")

	// ErrBadDestination is returned for destination handles that cannot be parsed.
	ErrBadDestination = errors.New("malformed storage destination")
)

// DefaultSpoolDir is the fallback spool directory for s3-only sessions.
const DefaultSpoolDir = "/tmp/biolink-sessions"

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string // Custom S3 endpoint (empty for AWS)
	Region          string // Region, "auto" when empty
	Bucket          string // S3 bucket name
	AccessKeyID     string // Access key ID
	SecretAccessKey string // Secret access key
	Prefix          string // Key prefix for uploaded sessions
}

// IsConfigured returns true if S3 settings are complete enough to upload.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Destination is a parsed storage destination handle.
type Destination struct {
	Mode     types.StorageMode
	LocalDir string
	Bucket   string
	Prefix   string
}

// ParseDestination parses a destination handle. The grammar is
// "local:<dir>", "s3:<bucket>[/<prefix>]", or both joined with "+".
func ParseDestination(handle string) (Destination, error) {
	if handle == "" {
		return Destination{}, fmt.Errorf("%w: empty handle", ErrBadDestination)
	}

	var dest Destination
	for part := range strings.SplitSeq(handle, "+") {
		switch {
		case strings.HasPrefix(part, "local:"):
			dir := strings.TrimPrefix(part, "local:")
			if dir == "" {
				return Destination{}, fmt.Errorf("%w: empty local dir in %q", ErrBadDestination, handle)
			}
			if dest.LocalDir != "" {
				return Destination{}, fmt.Errorf("%w: duplicate local part in %q", ErrBadDestination, handle)
			}
			dest.LocalDir = dir
		case strings.HasPrefix(part, "s3:"):
			bucket, prefix, _ := strings.Cut(strings.TrimPrefix(part, "s3:"), "/")
			if bucket == "" {
				return Destination{}, fmt.Errorf("%w: empty bucket in %q", ErrBadDestination, handle)
			}
			if dest.Bucket != "" {
				return Destination{}, fmt.Errorf("%w: duplicate s3 part in %q", ErrBadDestination, handle)
			}
			dest.Bucket = bucket
			dest.Prefix = prefix
		default:
			return Destination{}, fmt.Errorf("%w: unknown scheme in %q", ErrBadDestination, handle)
		}
	}

	switch {
	case dest.LocalDir != "" && dest.Bucket != "":
		dest.Mode = types.StorageBoth
	case dest.Bucket != "":
		dest.Mode = types.StorageS3
	default:
		dest.Mode = types.StorageLocal
	}
	return dest, nil
}

// String renders the destination back into handle form.
func (d Destination) String() string {
	parts := make([]string, 0, 2)
	if d.LocalDir != "" {
		parts = append(parts, "local:"+d.LocalDir)
	}
	if d.Bucket != "" {
		s := "s3:" + d.Bucket
		if d.Prefix != "" {
			s += "/" + d.Prefix
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "+")
}
