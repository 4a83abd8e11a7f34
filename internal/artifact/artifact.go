// Package artifact stores artifact payloads outside the relational store.
// Only URIs and metadata are persisted on runs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
)

// URIScheme prefixes every artifact URI.
const URIScheme = "artifact://"

// Typed suffixes identify the artifact kind from its URI alone.
const (
	SuffixChangesetBundle = ".changeset-bundle.json"
	SuffixReport          = ".report.json"
	SuffixEngineOutput    = ".output"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("artifact not found")

// Store holds artifact bytes by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// ChangesetBundleKey is where a changeset proposal is written.
func ChangesetBundleKey(runID, changesetID string) string {
	return path.Join("runs", runID, changesetID+SuffixChangesetBundle)
}

// ReportKey is where a submitted report is written.
func ReportKey(runID, name string) string {
	return path.Join("runs", runID, name+SuffixReport)
}

// OutputKey is where an engine-produced artifact is written.
func OutputKey(runID, name string) string {
	return path.Join("runs", runID, name+SuffixEngineOutput)
}

// URI returns the artifact URI for key.
func URI(key string) string {
	return URIScheme + key
}

// KeyFromURI strips the scheme from an artifact URI.
func KeyFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, URIScheme) {
		return "", fmt.Errorf("not an artifact uri: %q", uri)
	}
	return strings.TrimPrefix(uri, URIScheme), nil
}

// KindFromURI returns the artifact kind encoded in the URI suffix, or "".
func KindFromURI(uri string) string {
	switch {
	case strings.HasSuffix(uri, SuffixChangesetBundle):
		return domain.ArtifactKindChangesetBundle
	case strings.HasSuffix(uri, SuffixReport):
		return domain.ArtifactKindReport
	case strings.HasSuffix(uri, SuffixEngineOutput):
		return domain.ArtifactKindEngineOutput
	}
	return ""
}

// Write stores data under key and returns the reference to persist.
func Write(ctx context.Context, s Store, key string, data []byte) (domain.ArtifactRef, error) {
	if err := validateKey(key); err != nil {
		return domain.ArtifactRef{}, err
	}
	if err := s.Put(ctx, key, data); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("put artifact %s: %w", key, err)
	}
	uri := URI(key)
	return domain.ArtifactRef{URI: uri, Kind: KindFromURI(uri), Size: int64(len(data))}, nil
}

// Read loads the artifact behind ref.
func Read(ctx context.Context, s Store, ref domain.ArtifactRef) ([]byte, error) {
	key, err := KeyFromURI(ref.URI)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid artifact key %q", key)
		}
	}
	return nil
}
