/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("blobstore: object not found")

// ReadBlob reads the given key from the given bucket. A missing key
// results in an error wrapping ErrNotFound.
func ReadBlob(ctx context.Context, bucket *blob.Bucket, key string) ([]byte, error) {
	var b bytes.Buffer
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("reading blob key %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("reading blob key %s: %w", key, err)
	}
	defer r.Close()
	if _, err = io.Copy(&b, r); err != nil {
		return nil, fmt.Errorf("reading blob key %s: %w", key, err)
	}
	return b.Bytes(), nil
}

// WriteBlob writes the given data to the given bucket.
func WriteBlob(ctx context.Context, bucket *blob.Bucket, key string, data []byte) error {
	w, err := bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("blobstore: creating writer for blob %s: %w", key, err)
	}
	if _, err = io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("blobstore: copying blob %s: %w", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("blobstore: writing blob %s: %w", key, err)
	}
	return nil
}

// ReadAll reads the object at location, which may be a blob URL
// (see IsBlob), a plain http(s) URL, or a local path.
func ReadAll(ctx context.Context, location string) ([]byte, error) {
	switch {
	case IsBlob(location):
		bucketURL, key, err := Split(location)
		if err != nil {
			return nil, err
		}
		bucket, err := OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, err
		}
		defer closeBucket(bucketURL, bucket)
		return ReadBlob(ctx, bucket, key)
	case strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://"):
		return readHTTP(ctx, location)
	default:
		b, err := os.ReadFile(location)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blobstore: %s: %w", location, ErrNotFound)
		}
		return b, err
	}
}

// WriteAll writes data to location, which may be a blob URL or a local
// path. Parent directories of local paths are created.
func WriteAll(ctx context.Context, location string, data []byte) error {
	if !IsBlob(location) {
		if err := os.MkdirAll(filepath.Dir(location), os.ModePerm); err != nil {
			return fmt.Errorf("blobstore: %w", err)
		}
		return os.WriteFile(location, data, 0644)
	}
	bucketURL, key, err := Split(location)
	if err != nil {
		return err
	}
	bucket, err := OpenBucket(ctx, bucketURL)
	if err != nil {
		return err
	}
	defer closeBucket(bucketURL, bucket)
	return WriteBlob(ctx, bucket, key, data)
}

// Download copies the object at location into dir and returns the path
// of the local copy. Local paths that already exist are returned as-is.
func Download(ctx context.Context, location, dir string) (string, error) {
	if _, err := os.Stat(location); err == nil {
		return location, nil
	}
	b, err := ReadAll(ctx, location)
	if err != nil {
		return "", err
	}
	name := filepath.Join(dir, filepath.Base(location))
	if err := os.WriteFile(name, b, 0644); err != nil {
		return "", fmt.Errorf("blobstore: saving download: %w", err)
	}
	return name, nil
}

func readHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blobstore: downloading %s: %w", location, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("blobstore: downloading %s: %w", location, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("blobstore: downloading %s: %s", location, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// closeBucket closes b unless it is a shared in-process bucket.
func closeBucket(bucketURL string, b *blob.Bucket) {
	if strings.HasPrefix(bucketURL, "mem://") {
		return
	}
	b.Close()
}
