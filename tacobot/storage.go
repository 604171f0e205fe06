package tacobot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound indicates the requested key does not exist in the
// object store.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the blob storage behind saved queues, rendered
// molecule images and other bot state. Keys use '/' separators, and a
// key ending in '/' is a folder marker.
type ObjectStore interface {
	// Exists reports whether any object exists with the given key as
	// prefix, so folder markers count
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the object contents, or ErrObjectNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	Put(ctx context.Context, key string, data []byte) error

	// EnsureFolder creates a zero-byte folder marker if the prefix
	// does not already exist
	EnsureFolder(ctx context.Context, prefix string) error

	// PresignGet returns a URL granting read access to the object for
	// the given duration
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// newObjectStore returns the configured S3 store, falling back to an
// in-memory store when no bucket is configured so the bot can run
// without credentials. In-memory state does not survive a restart.
func newObjectStore(
	ctx context.Context,
	cfg *StorageConfig,
	logger *slog.Logger,
) (ObjectStore, error) {
	if cfg == nil || cfg.Bucket == "" {
		logger.Warn("no object store configured, using in-memory storage")
		return newMemoryStore(), nil
	}
	return newS3Store(ctx, cfg, logger)
}

// s3Store stores objects in a single S3 bucket.
type s3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger
}

func newS3Store(
	ctx context.Context,
	cfg *StorageConfig,
	logger *slog.Logger,
) (*s3Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "storage")

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger,
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("error listing objects: %w", err)
	}
	return len(out.Contents) > 0, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("error getting object: %w", err)
	}
	defer func() {
		_ = out.Body.Close()
	}()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading object body: %w", err)
	}
	s.logger.DebugContext(
		ctx, "downloaded object", "key", key, "size", len(data),
	)
	return data, nil
}

func (s *s3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("error putting object: %w", err)
	}
	s.logger.InfoContext(
		ctx, "uploaded object", "key", key, "size", len(data),
	)
	return nil
}

func (s *s3Store) EnsureFolder(ctx context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	exists, err := s.Exists(ctx, prefix)
	if err != nil {
		return err
	}
	if exists {
		s.logger.DebugContext(ctx, "folder already exists", "prefix", prefix)
		return nil
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(prefix),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("error creating folder: %w", err)
	}
	s.logger.InfoContext(ctx, "created folder", "prefix", prefix)
	return nil
}

func (s *s3Store) PresignGet(
	ctx context.Context,
	key string,
	expires time.Duration,
) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("error presigning object: %w", err)
	}
	return req.URL, nil
}

// memoryStore is an in-memory ObjectStore for tests and running
// without S3 credentials.
type memoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.objects {
		if strings.HasPrefix(k, key) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) EnsureFolder(ctx context.Context, prefix string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	exists, _ := m.Exists(ctx, prefix)
	if exists {
		return nil
	}
	return m.Put(ctx, prefix, nil)
}

func (m *memoryStore) PresignGet(
	_ context.Context,
	key string,
	_ time.Duration,
) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrObjectNotFound
	}
	return "memory://" + key, nil
}
