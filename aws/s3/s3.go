// Copyright 2025 Rastermill Contributors.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package s3 implements the object store against S3 and S3-compatible
// services such as MinIO.
package s3

import (
	"bytes"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"

	"github.com/rastermill/rastermill"
)

// StoreOption is a functional option type for s3.Store.
type StoreOption func(s *Store)

// OptStoreRegion sets the AWS region.
func OptStoreRegion(region string) StoreOption {
	return func(s *Store) {
		s.region = region
	}
}

// OptStoreEndpoint points the client at an alternate endpoint such as a
// MinIO deployment. Implies path-style addressing.
func OptStoreEndpoint(endpoint string) StoreOption {
	return func(s *Store) {
		s.endpoint = endpoint
	}
}

var _ rastermill.ObjectStore = (*Store)(nil)

// Store is a rastermill.ObjectStore backed by S3.
type Store struct {
	region   string
	endpoint string

	s3         *s3.S3
	sess       *session.Session
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

// NewStore returns a new Store with the options applied.
func NewStore(opts ...StoreOption) (*Store, error) {
	s := &Store{region: "us-east-1"}
	for _, opt := range opts {
		opt(s)
	}
	cfg := &aws.Config{Region: aws.String(s.region)}
	if s.endpoint != "" {
		cfg.Endpoint = aws.String(s.endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	s.sess = sess
	s.s3 = s3.New(sess)
	s.downloader = s3manager.NewDownloader(sess)
	s.uploader = s3manager.NewUploader(sess)
	return s, nil
}

// List returns all objects in bucket under prefix.
func (s *Store) List(bucket, prefix string) ([]rastermill.StoredObject, error) {
	var out []rastermill.StoredObject
	err := s.s3.ListObjectsPages(&s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsOutput, lastPage bool) bool {
		for _, obj := range page.Contents {
			out = append(out, rastermill.StoredObject{
				Key:  aws.StringValue(obj.Key),
				Size: aws.Int64Value(obj.Size),
			})
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing objects in %s/%s", bucket, prefix)
	}
	return out, nil
}

// Download fetches bucket/key into localPath.
func (s *Store) Download(bucket, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return errors.Wrapf(err, "creating local file '%s'", localPath)
	}
	defer f.Close()
	_, err = s.downloader.Download(f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "downloading %s/%s", bucket, key)
}

// Put uploads data to bucket/key.
func (s *Store) Put(bucket, key string, data []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return errors.Wrapf(err, "uploading %s/%s", bucket, key)
}

// Copy performs a server-side copy between buckets.
func (s *Store) Copy(srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := s.s3.CopyObject(&s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	return errors.Wrapf(err, "copying %s/%s to %s/%s", srcBucket, srcKey, dstBucket, dstKey)
}

// Delete removes an object. S3 delete is idempotent; deleting a missing
// key succeeds.
func (s *Store) Delete(bucket, key string) error {
	_, err := s.s3.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "deleting %s/%s", bucket, key)
}
