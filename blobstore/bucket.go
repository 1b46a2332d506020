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

// Package blobstore opens blob storage buckets for the storage providers
// that host the NA-CORDEX archive and splits object locations into a
// bucket and a key.
package blobstore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// S3Endpoints maps the host names of S3-compatible object stores that are
// addressed with https URLs to their regions. Locations such as
// https://stratus.ucar.edu/ncar-na-cordex/day/tmax.zarr are opened as S3
// buckets (here "ncar-na-cordex") on that endpoint.
var S3Endpoints = map[string]string{
	"stratus.ucar.edu": "us-east-1",
}

// DefaultRegion is the AWS region used for s3:// buckets when $AWS_REGION
// is not set. The public NA-CORDEX bucket lives in us-west-2.
const DefaultRegion = "us-west-2"

var (
	memLock    sync.Mutex
	memBuckets = make(map[string]*blob.Bucket)
)

// IsBlob returns whether the given path represents a blob
// (i.e., if it starts with 'gs://', 's3://', 'file://', 'mem://', or is an
// https URL on one of the S3Endpoints).
func IsBlob(path string) bool {
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "gs", "s3", "file", "mem":
		return true
	case "https":
		_, ok := S3Endpoints[u.Hostname()]
		return ok
	}
	return false
}

// Split divides a location into the URL of its bucket and the key of the
// object within the bucket. For file:// locations the parent directory is
// the bucket and the base name is the key.
func Split(location string) (bucketURL, key string, err error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("blobstore: parsing location %s: %v", location, err)
	}
	switch u.Scheme {
	case "file":
		p := filepath.Clean(u.Host + u.Path)
		return "file://" + filepath.Dir(p), filepath.Base(p), nil
	case "gs", "s3", "mem":
		return u.Scheme + "://" + u.Host, strings.TrimPrefix(u.Path, "/"), nil
	case "https":
		if _, ok := S3Endpoints[u.Hostname()]; !ok {
			return "", "", fmt.Errorf("blobstore: %s is not a known S3-compatible endpoint", u.Host)
		}
		p := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
		if len(p) < 2 {
			return "", "", fmt.Errorf("blobstore: location %s has no bucket", location)
		}
		return "https://" + u.Host + "/" + p[0], p[1], nil
	default:
		return "", "", fmt.Errorf("blobstore: invalid provider %q in %s", u.Scheme, location)
	}
}

// OpenBucket returns the blob storage bucket specified by bucketURL,
// where bucketURL must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// The currently accepted storage providers are "file" for the local
// filesystem, "mem" for an in-process bucket shared by name, "gs" for
// Google Cloud Storage, "s3" for AWS S3, and "https" for the S3-compatible
// endpoints listed in S3Endpoints.
func OpenBucket(ctx context.Context, bucketURL string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("blobstore.OpenBucket: %v", err)
	}
	switch u.Scheme {
	case "file":
		dir := filepath.Clean(u.Host + u.Path)
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("blobstore.OpenBucket: %v", err)
		}
		return fileblob.OpenBucket(dir, nil)
	case "mem":
		return memBucket(u.Host), nil
	case "gs":
		return gsBucket(ctx, u.Hostname())
	case "s3":
		return s3Bucket(ctx, u.Hostname(), "", envRegion())
	case "https":
		region, ok := S3Endpoints[u.Hostname()]
		if !ok {
			return nil, fmt.Errorf("blobstore.OpenBucket: %s is not a known S3-compatible endpoint", u.Host)
		}
		return s3Bucket(ctx, strings.Trim(u.Path, "/"), "https://"+u.Host, region)
	default:
		return nil, fmt.Errorf("blobstore.OpenBucket: invalid provider %s", u.Scheme)
	}
}

// memBucket returns the in-process bucket with the given name, creating it
// if necessary. Closing a shared bucket is not supported, so callers
// should not close mem:// buckets.
func memBucket(name string) *blob.Bucket {
	memLock.Lock()
	defer memLock.Unlock()
	if b, ok := memBuckets[name]; ok {
		return b
	}
	b := memblob.OpenBucket(nil)
	memBuckets[name] = b
	return b
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}

func envRegion() string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	return DefaultRegion
}

// s3Bucket opens an s3 storage bucket. If AWS_ACCESS_KEY_ID is set,
// credentials are taken from the environment; otherwise the bucket is
// accessed anonymously, which is how the public NA-CORDEX buckets are read.
// endpoint, if not empty, is the URL of an S3-compatible object store.
func s3Bucket(ctx context.Context, name, endpoint, region string) (*blob.Bucket, error) {
	creds := credentials.AnonymousCredentials
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		creds = credentials.NewEnvCredentials()
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: creds,
	}
	if endpoint != "" {
		c.Endpoint = aws.String(endpoint)
		c.S3ForcePathStyle = aws.Bool(true)
	}
	s, err := session.NewSession(c)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating AWS session: %v", err)
	}
	return s3blob.OpenBucket(ctx, s, name, nil)
}
