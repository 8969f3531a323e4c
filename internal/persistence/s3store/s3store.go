/*
Copyright (C) 2024  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package s3store backs persistence.SegmentStore with S3 (or an
// S3-compatible endpoint like MinIO): lazy client init on first use, one
// object per segment, no append support so segments are always written
// whole.
package s3store

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/launix-de/blobnode/internal/berr"
	"github.com/launix-de/blobnode/internal/persistence"
)

var _ persistence.SegmentStore = (*Store)(nil)

// Config names the bucket and endpoint to store segments in (spec §6
// ambient config style: plain textual keys, see internal/nodeconfig).
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string // custom endpoint for S3-compatible storage (MinIO, etc.)
	Bucket          string
	Prefix          string
	ForcePathStyle  bool
}

// Factory hands out one Store per node id, each rooted at its own
// prefix under the configured bucket.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) ForNode(nodeID string) *Store {
	prefix := strings.TrimSuffix(f.cfg.Prefix, "/")
	if prefix != "" {
		prefix = prefix + "/" + nodeID
	} else {
		prefix = nodeID
	}
	return &Store{cfg: f.cfg, prefix: prefix}
}

// Store is a persistence.SegmentStore backed by one S3 bucket/prefix.
type Store struct {
	cfg    Config
	prefix string

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func (s *Store) ensureOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if s.cfg.Region != "" {
		opts = append(opts, config.WithRegion(s.cfg.Region))
	}
	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return berr.Wrap(berr.IOError, "s3store: load AWS config", err)
	}

	var s3Opts []func(*s3.Options)
	if s.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(s.cfg.Endpoint) })
	}
	if s.cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	s.client = s3.NewFromConfig(awsCfg, s3Opts...)
	s.opened = true
	return nil
}

func (s *Store) key(id string) string {
	return s.prefix + "/" + id + ".blob"
}

func (s *Store) Put(id string, r io.Reader) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return berr.Wrap(berr.IOError, "s3store.Put: read source", err)
	}
	_, err = s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(id)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return berr.Wrap(berr.IOError, "s3store.Put", err)
	}
	return nil
}

func (s *Store) Open(id string) (io.ReadCloser, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return nil, berr.Wrap(berr.NotFound, "s3store.Open: "+id, err)
	}
	return resp.Body, nil
}

func (s *Store) Remove(id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return berr.Wrap(berr.IOError, "s3store.Remove", err)
	}
	return nil
}

func (s *Store) List() ([]string, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	prefix := s.prefix + "/"
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, berr.Wrap(berr.IOError, "s3store.List", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			name = strings.TrimSuffix(name, ".blob")
			if name != "" {
				ids = append(ids, name)
			}
		}
	}
	return ids, nil
}

