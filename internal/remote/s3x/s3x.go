// Package s3x implements the object-storage backend. Directories are a
// fiction synthesised from delimiter listings: a common prefix lists as
// a directory, and a missing object whose prefix has children stats as
// one.
package s3x

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ferry-sync/internal/profile"
	"ferry-sync/internal/remote"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

const (
	multipartPartSize = 5 * 1024 * 1024
	multipartWorkers  = 4
	downloadChunkSize = 64 * 1024
)

func init() {
	remote.RegisterBackend(profile.ProtocolS3, func(p *profile.Profile) (remote.Backend, error) {
		return New(p), nil
	})
}

type Backend struct {
	profile *profile.Profile

	mu     sync.Mutex
	client *s3.Client
}

func New(p *profile.Profile) *Backend {
	return &Backend{profile: p}
}

func (b *Backend) Connect(ctx context.Context) error {
	p := b.profile
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			p.AccessKeyID,
			p.SecretAccessKey,
			"",
		)))
	if err != nil {
		return remote.Internalf("aws config: %v", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if p.Endpoint != "" {
			o.BaseEndpoint = aws.String(p.Endpoint)
			// Virtual-host addressing breaks against custom endpoints
			// (minio and friends), so fall back to path style there.
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.Bucket)}); err != nil {
		if ctx.Err() != nil {
			return remote.ErrCancelled
		}
		return fmt.Errorf("%w: %v", remote.ErrBucketAccessDenied, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.client = nil
	b.mu.Unlock()
	return nil
}

func (b *Backend) api() (*s3.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, remote.ErrNotConnected
	}
	return b.client, nil
}

// dirPrefix converts a remote path to the listing prefix for its
// children: "" at the root, "a/b/" below it.
func dirPrefix(remotePath string) string {
	key := remote.ToKey(remotePath)
	if key == "" {
		return ""
	}
	return key + "/"
}

func (b *Backend) List(ctx context.Context, remotePath string) ([]remote.DirectoryEntry, error) {
	client, err := b.api()
	if err != nil {
		return nil, err
	}

	prefix := dirPrefix(remotePath)
	var entries []remote.DirectoryEntry
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.profile.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(ctx, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, remote.DirectoryEntry{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			e := remote.DirectoryEntry{Name: name, Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				e.ModTime = obj.LastModified.UTC()
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Stat heads the object; a missing object whose prefix has children is
// reported as a directory.
func (b *Backend) Stat(ctx context.Context, remotePath string) (remote.Stat, error) {
	client, err := b.api()
	if err != nil {
		return remote.Stat{}, err
	}

	key := remote.ToKey(remotePath)
	if key != "" {
		head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.profile.Bucket),
			Key:    aws.String(key),
		})
		if err == nil {
			st := remote.Stat{Size: aws.ToInt64(head.ContentLength), Mode: remote.ModeRegular}
			if head.LastModified != nil {
				st.ModTime = head.LastModified.Unix()
			}
			return st, nil
		}
		if !isNotFound(err) {
			return remote.Stat{}, classify(ctx, err)
		}
	}

	// Key absent: a prefix with children is a directory.
	list, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.profile.Bucket),
		Prefix:  aws.String(dirPrefix(remotePath)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return remote.Stat{}, classify(ctx, err)
	}
	if aws.ToInt32(list.KeyCount) > 0 || key == "" {
		return remote.Stat{Mode: remote.ModeDir}, nil
	}
	return remote.Stat{}, fmt.Errorf("%w: %s", remote.ErrNotFound, remotePath)
}

func (b *Backend) Get(ctx context.Context, remotePath, localPath string) error {
	st, err := b.Stat(ctx, remotePath)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return b.GetWithProgress(ctx, remotePath, localPath, 0, nil)
	}
	if err := os.MkdirAll(localPath, 0755); err != nil {
		return remote.Internalf("mkdir %s: %v", localPath, err)
	}
	entries, err := b.List(ctx, remotePath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return remote.ErrCancelled
		}
		if err := b.Get(ctx, remote.Join(remotePath, e.Name), filepath.Join(localPath, e.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, localPath, remotePath string) error {
	fi, err := os.Stat(localPath)
	if err != nil {
		return remote.Internalf("stat %s: %v", localPath, err)
	}
	if !fi.IsDir() {
		return b.PutWithProgress(ctx, localPath, remotePath, 0, nil)
	}
	// No directory objects: uploading the children is what creates the
	// prefix.
	children, err := os.ReadDir(localPath)
	if err != nil {
		return remote.Internalf("readdir %s: %v", localPath, err)
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return remote.ErrCancelled
		}
		if err := b.Put(ctx, filepath.Join(localPath, child.Name()), remote.Join(remotePath, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// GetWithProgress downloads one object. offset > 0 issues a ranged read
// and appends to the local file.
func (b *Backend) GetWithProgress(ctx context.Context, remotePath, localPath string, offset int64, progress remote.ProgressFunc) error {
	client, err := b.api()
	if err != nil {
		return err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.profile.Bucket),
		Key:    aws.String(remote.ToKey(remotePath)),
	}
	if offset > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
	}
	out, err := client.GetObject(ctx, input)
	if err != nil {
		return classify(ctx, err)
	}
	defer out.Body.Close()

	totalSize := offset + aws.ToInt64(out.ContentLength)

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return remote.Internalf("mkdir %s: %v", filepath.Dir(localPath), err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	dst, err := os.OpenFile(localPath, flags, 0644)
	if err != nil {
		return remote.Internalf("open %s: %v", localPath, err)
	}
	defer dst.Close()

	buf := make([]byte, downloadChunkSize)
	transferred := offset
	for {
		select {
		case <-ctx.Done():
			return remote.ErrCancelled
		default:
		}
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return remote.Internalf("write %s: %v", localPath, werr)
			}
			transferred += int64(n)
			if progress != nil {
				progress(transferred, int64(n), totalSize)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return classify(ctx, rerr)
		}
	}
}

// PutWithProgress uploads one object as a multipart upload: 5 MiB parts,
// four in flight. Object storage cannot append, so a resume offset is
// ignored and the upload restarts from zero; the first progress tick at
// 0 is the restart announcement the queue keys off. Cancellation aborts
// the multipart upload so no parts linger server-side.
func (b *Backend) PutWithProgress(ctx context.Context, localPath, remotePath string, offset int64, progress remote.ProgressFunc) error {
	client, err := b.api()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return remote.Internalf("open %s: %v", localPath, err)
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return remote.Internalf("stat %s: %v", localPath, err)
	}
	totalSize := fi.Size()

	bucket := aws.String(b.profile.Bucket)
	key := aws.String(remote.ToKey(remotePath))

	create, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: bucket,
		Key:    key,
	})
	if err != nil {
		return classify(ctx, err)
	}
	uploadID := create.UploadId

	abort := func() {
		// The transfer context may already be cancelled; the abort must
		// still reach the server.
		client.AbortMultipartUpload(context.Background(), &s3.AbortMultipartUploadInput{
			Bucket:   bucket,
			Key:      key,
			UploadId: uploadID,
		})
	}

	if progress != nil {
		progress(0, 0, totalSize)
	}

	var (
		partsMu     sync.Mutex
		completed   []types.CompletedPart
		transferred int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(multipartWorkers)

	partNumber := int32(0)
	for {
		buf := make([]byte, multipartPartSize)
		n, rerr := io.ReadFull(src, buf)
		if rerr == io.EOF {
			break
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF {
			abort()
			return remote.Internalf("read %s: %v", localPath, rerr)
		}
		partNumber++
		num := partNumber
		part := buf[:n]

		g.Go(func() error {
			out, err := client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     bucket,
				Key:        key,
				UploadId:   uploadID,
				PartNumber: aws.Int32(num),
				Body:       bytes.NewReader(part),
			})
			if err != nil {
				return classify(gctx, err)
			}
			partsMu.Lock()
			completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
			transferred += int64(len(part))
			tick := transferred
			partsMu.Unlock()
			if progress != nil {
				progress(tick, int64(len(part)), totalSize)
			}
			return nil
		})
		if rerr == io.ErrUnexpectedEOF {
			break
		}
		if gctx.Err() != nil {
			break
		}
	}
	// An empty file still needs one (empty) part.
	if partNumber == 0 {
		g.Go(func() error {
			out, err := client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     bucket,
				Key:        key,
				UploadId:   uploadID,
				PartNumber: aws.Int32(1),
				Body:       bytes.NewReader(nil),
			})
			if err != nil {
				return classify(gctx, err)
			}
			partsMu.Lock()
			completed = append(completed, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(1)})
			partsMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		abort()
		if ctx.Err() != nil {
			return remote.ErrCancelled
		}
		return err
	}
	if ctx.Err() != nil {
		abort()
		return remote.ErrCancelled
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	_, err = client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          bucket,
		Key:             key,
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		abort()
		return classify(ctx, err)
	}
	return nil
}

func (b *Backend) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := b.api()
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.profile.Bucket),
		Key:    aws.String(remote.ToKey(remotePath)),
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return data, nil
}

func (b *Backend) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	client, err := b.api()
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.profile.Bucket),
		Key:    aws.String(remote.ToKey(remotePath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return classify(ctx, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "NoSuchBucket"
	}
	return false
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return remote.ErrCancelled
	}
	if isNotFound(err) {
		return fmt.Errorf("%w: %v", remote.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AllAccessDisabled":
			return fmt.Errorf("%w: %v", remote.ErrPermission, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %v", remote.ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %v", remote.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %v", remote.ErrNetworkDropped, err)
}
