// Package blob registers object-store backends with package store:
//
//	s3://bucket/prefix?region=us-east-1&endpoint=http://minio:9000&path_style=true
//	localblob:///var/lib/idx-objects
//
// Enable it with a blank import:
//
//	import _ "github.com/haivivi/idxstore/pkg/store/blob"
//
// S3 credentials are read from AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY
// and AWS_SESSION_TOKEN.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/haivivi/idxstore/pkg/directory"
	"github.com/haivivi/idxstore/pkg/lock"
	"github.com/haivivi/idxstore/pkg/storage"
	"github.com/haivivi/idxstore/pkg/store"
)

const (
	SchemeS3    = "s3"
	SchemeLocal = "localblob"
)

func init() {
	store.RegisterBackend(SchemeS3, func(cfg store.BackendConfig) (store.Backend, error) {
		fs, err := openS3(cfg.Connection)
		if err != nil {
			return nil, err
		}
		return New(cfg.Scheme, fs, cfg.Logger), nil
	})
	store.RegisterBackend(SchemeLocal, func(cfg store.BackendConfig) (store.Backend, error) {
		u, err := url.Parse(cfg.Connection)
		if err != nil {
			return nil, fmt.Errorf("blob: parse %q: %w", cfg.Connection, err)
		}
		fs, err := storage.NewLocal(u.Host + u.Path)
		if err != nil {
			return nil, err
		}
		return New(cfg.Scheme, fs, cfg.Logger), nil
	})
}

func openS3(conn string) (*storage.S3Store, error) {
	u, err := url.Parse(conn)
	if err != nil {
		return nil, fmt.Errorf("blob: parse %q: %w", conn, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("blob: %q has no bucket", conn)
	}
	q := u.Query()
	region := q.Get("region")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	pathStyle, _ := strconv.ParseBool(q.Get("path_style"))
	opts := s3.Options{
		Region:       region,
		Credentials:  aws.NewCredentialsCache(envCredentials{}),
		UsePathStyle: pathStyle,
	}
	if ep := q.Get("endpoint"); ep != "" {
		opts.BaseEndpoint = aws.String(ep)
	}
	return storage.NewS3(s3.New(opts), u.Host, strings.Trim(u.Path, "/")), nil
}

type envCredentials struct{}

func (envCredentials) Retrieve(context.Context) (aws.Credentials, error) {
	id, secret := os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("AWS_SECRET_ACCESS_KEY")
	if id == "" || secret == "" {
		return aws.Credentials{}, errors.New("blob: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set")
	}
	return aws.Credentials{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}, nil
}

// Backend stores sub-indexes as objects "{subcontext}/{subindex}/{file}".
type Backend struct {
	scheme string
	fs     storage.FileStore
	logger *slog.Logger
}

var _ store.Backend = (*Backend)(nil)

// New returns a backend over fs.
func New(scheme string, fs storage.FileStore, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{scheme: scheme, fs: fs, logger: logger}
}

func (b *Backend) Scheme() string { return b.scheme }

func (b *Backend) Location(subContext, subIndex string) lock.Location {
	return lock.Location{SubContext: subContext, SubIndex: subIndex}
}

func prefix(subContext, subIndex string) string {
	return subContext + "/" + subIndex + "/"
}

func (b *Backend) Open(_ context.Context, subContext, subIndex string) (directory.Directory, error) {
	return directory.NewBlob(b.fs, b.Location(subContext, subIndex)), nil
}

func (b *Backend) IndexExists(ctx context.Context, subContext, subIndex string) (store.Exists, error) {
	paths, err := b.fs.List(ctx, prefix(subContext, subIndex))
	if err != nil {
		return store.ExistsUnknown, err
	}
	if len(paths) == 0 {
		return store.ExistsFalse, nil
	}
	return store.ExistsUnknown, nil
}

func (b *Backend) DeleteIndex(ctx context.Context, subContext, subIndex string) error {
	return directory.NewBlob(b.fs, b.Location(subContext, subIndex)).DeleteAll(ctx)
}

func (b *Backend) CleanIndex(ctx context.Context, d directory.Directory) error {
	raw, ok := directory.Raw(d).(*directory.Blob)
	if !ok {
		return directory.Clear(ctx, directory.Raw(d))
	}
	if err := raw.DeleteAll(ctx); err != nil {
		return err
	}
	directory.Invalidate(d)
	return nil
}

func (b *Backend) Capabilities() store.Capabilities {
	return store.Capabilities{ConcurrentOperations: true, ConcurrentCommits: true}
}

func (b *Backend) DefaultLockFactory() (lock.Factory, error) {
	return lock.NewSingleInstance(lock.Config{}), nil
}

// BeforeCopyFrom moves existing objects to "{subcontext}/{subindex}.copyfrom-{id}/".
func (b *Backend) BeforeCopyFrom(ctx context.Context, subContext, subIndex string, raw directory.Directory) (*store.CopySession, error) {
	s := &store.CopySession{SubContext: subContext, SubIndex: subIndex, Dir: raw}
	from := prefix(subContext, subIndex)
	paths, err := b.fs.List(ctx, from)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		s.Created = true
		return s, nil
	}
	aside := fmt.Sprintf("%s/%s.copyfrom-%s/", subContext, subIndex, uuid.NewString())
	if err := b.move(ctx, from, aside); err != nil {
		return nil, fmt.Errorf("blob: move %s aside: %w", from, err)
	}
	s.Aside = aside
	return s, nil
}

func (b *Backend) AfterSuccessfulCopyFrom(ctx context.Context, s *store.CopySession) error {
	if s.Aside == "" {
		return nil
	}
	return b.deletePrefix(ctx, s.Aside)
}

// AfterFailedCopyFrom moves the original objects back. If that fails the
// aside objects stay for manual recovery.
func (b *Backend) AfterFailedCopyFrom(ctx context.Context, s *store.CopySession) error {
	live := prefix(s.SubContext, s.SubIndex)
	if err := b.deletePrefix(ctx, live); err != nil {
		return err
	}
	if s.Aside == "" {
		return nil
	}
	if err := b.move(ctx, s.Aside, live); err != nil {
		return fmt.Errorf("blob: original kept at %s: %w", s.Aside, err)
	}
	return nil
}

func (b *Backend) PerformScheduledTasks(context.Context) error { return nil }

func (b *Backend) Close() error { return nil }

// move copies every object under from to the same name under to, then
// deletes the source objects.
func (b *Backend) move(ctx context.Context, from, to string) error {
	paths, err := b.fs.List(ctx, from)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := b.copyObject(ctx, p, to+strings.TrimPrefix(p, from)); err != nil {
			return err
		}
	}
	for _, p := range paths {
		if err := b.fs.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) copyObject(ctx context.Context, from, to string) error {
	r, err := b.fs.Read(ctx, from)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := b.fs.Write(ctx, to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (b *Backend) deletePrefix(ctx context.Context, p string) error {
	paths, err := b.fs.List(ctx, p)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := b.fs.Delete(ctx, path); err != nil {
			return err
		}
	}
	return nil
}
