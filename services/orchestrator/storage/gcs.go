// Copyright (C) 2026 Kodiak AI (maintainers@kodiakchat.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStore serves attachments from a Google Cloud Storage bucket.
//
// Objects live under "users/<owner>/files/<fileID>", so ownership is
// structural: a fetch can only ever address the caller's own prefix.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

// NewGCSStore connects to the given bucket. credentialsFile may be empty
// to use ambient credentials (workload identity, ADC).
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("GCS bucket name is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	slog.Info("Initialized GCS object store", "bucket", bucket)
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (s *GCSStore) objectPath(owner, fileID string) string {
	return path.Join("users", owner, "files", fileID)
}

// Fetch implements the ObjectStore interface.
func (s *GCSStore) Fetch(ctx context.Context, owner, fileID string) (*Object, error) {
	obj := s.client.Bucket(s.bucket).Object(s.objectPath(owner, fileID))

	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", fileID, err)
	}

	reader, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object %s: %w", fileID, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", fileID, err)
	}

	name := attrs.Metadata["filename"]
	if name == "" {
		name = fileID
	}
	return &Object{
		Name:     name,
		MimeType: attrs.ContentType,
		Data:     data,
	}, nil
}

// SignedURL implements the ObjectStore interface.
func (s *GCSStore) SignedURL(ctx context.Context, owner, fileID string, ttl time.Duration) (string, error) {
	objPath := s.objectPath(owner, fileID)

	if _, err := s.client.Bucket(s.bucket).Object(objPath).Attrs(ctx); err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return "", ErrObjectNotFound
		}
		return "", fmt.Errorf("failed to stat object %s: %w", fileID, err)
	}

	url, err := s.client.Bucket(s.bucket).SignedURL(objPath, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for object %s: %w", fileID, err)
	}
	return url, nil
}

// Close implements the ObjectStore interface.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// Compile-time interface check.
var _ ObjectStore = (*GCSStore)(nil)
