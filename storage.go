package cogwarp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	adst "go.airbusds-geo.com/gcp/storage"
	"google.golang.org/api/iterator"
)

// ParseObjectURL splits s3://bucket/key or gs://bucket/object into scheme,
// bucket and key.
func ParseObjectURL(url string) (scheme, bucket, key string, err error) {
	for _, s := range []string{"s3", "gs"} {
		prefix := s + "://"
		if strings.HasPrefix(url, prefix) {
			rest := strings.TrimPrefix(url, prefix)
			i := strings.Index(rest, "/")
			if i <= 0 || i == len(rest)-1 {
				return "", "", "", fmt.Errorf("invalid object url %q", url)
			}
			return s, rest[:i], rest[i+1:], nil
		}
	}
	return "", "", "", fmt.Errorf("unsupported object url %q", url)
}

// MultiStore routes object operations to the S3 or GCS backend by URL
// scheme. Either backend may be nil when the deployment only uses one
// provider.
type MultiStore struct {
	S3  *S3Store
	GCS *GCSStore
}

func (m *MultiStore) route(url string) (ObjectStore, error) {
	scheme, _, _, err := ParseObjectURL(url)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "s3":
		if m.S3 == nil {
			return nil, fmt.Errorf("no s3 client configured for %s", url)
		}
		return m.S3, nil
	case "gs":
		if m.GCS == nil {
			return nil, fmt.Errorf("no gcs client configured for %s", url)
		}
		return m.GCS, nil
	}
	return nil, fmt.Errorf("unsupported scheme %q", scheme)
}

func (m *MultiStore) Exists(ctx context.Context, url string) (bool, error) {
	st, err := m.route(url)
	if err != nil {
		return false, err
	}
	return st.Exists(ctx, url)
}

func (m *MultiStore) Size(ctx context.Context, url string) (int64, error) {
	st, err := m.route(url)
	if err != nil {
		return 0, err
	}
	return st.Size(ctx, url)
}

func (m *MultiStore) Download(ctx context.Context, url, localPath string) error {
	st, err := m.route(url)
	if err != nil {
		return err
	}
	return st.Download(ctx, url, localPath)
}

func (m *MultiStore) Upload(ctx context.Context, localPath, url string) error {
	st, err := m.route(url)
	if err != nil {
		return err
	}
	return st.Upload(ctx, localPath, url)
}

// List enumerates objects under a prefix URL with the matching backend.
func (m *MultiStore) List(ctx context.Context, url string) ([]string, error) {
	scheme, _, _, err := ParseObjectURL(url)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "s3":
		if m.S3 == nil {
			return nil, fmt.Errorf("no s3 client configured for %s", url)
		}
		return m.S3.List(ctx, url)
	case "gs":
		if m.GCS == nil {
			return nil, fmt.Errorf("no gcs client configured for %s", url)
		}
		return m.GCS.List(ctx, url)
	}
	return nil, fmt.Errorf("unsupported scheme %q", scheme)
}

// S3Store implements ObjectStore over an S3 client, using the transfer
// manager for parallel multipart downloads and uploads.
type S3Store struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

func NewS3Store(client *s3.Client) *S3Store {
	return &S3Store{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
	}
}

func (s *S3Store) Exists(ctx context.Context, url string) (bool, error) {
	_, bucket, key, err := ParseObjectURL(url)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head %s: %w", url, err)
	}
	return true, nil
}

func (s *S3Store) Size(ctx context.Context, url string) (int64, error) {
	_, bucket, key, err := ParseObjectURL(url)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("head %s: %w", url, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (s *S3Store) Download(ctx context.Context, url, localPath string) error {
	_, bucket, key, err := ParseObjectURL(url)
	if err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		return fmt.Errorf("download %s: %w", url, err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, localPath, url string) error {
	_, bucket, key, err := ParseObjectURL(url)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", url, err)
	}
	return nil
}

// List returns the object URLs under an s3://bucket/prefix, paginating
// through the full listing.
func (s *S3Store) List(ctx context.Context, url string) ([]string, error) {
	_, bucket, prefix, err := ParseObjectURL(url)
	if err != nil {
		return nil, err
	}
	var urls []string
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", url, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			urls = append(urls, fmt.Sprintf("s3://%s/%s", bucket, *obj.Key))
		}
	}
	return urls, nil
}

// GCSStore implements ObjectStore over a GCS client. Uploads go through the
// ads storage wrapper, which retries transient failures.
type GCSStore struct {
	client *storage.Client
	adstcl *adst.Client
}

func NewGCSStore(ctx context.Context, client *storage.Client) (*GCSStore, error) {
	adstcl, err := adst.New(ctx, adst.WithStorageClient(client))
	if err != nil {
		return nil, fmt.Errorf("ads storage.new: %w", err)
	}
	return &GCSStore{client: client, adstcl: adstcl}, nil
}

func (g *GCSStore) object(url string) (*storage.ObjectHandle, error) {
	_, bucket, key, err := ParseObjectURL(url)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(bucket).Object(key), nil
}

func (g *GCSStore) Exists(ctx context.Context, url string) (bool, error) {
	obj, err := g.object(url)
	if err != nil {
		return false, err
	}
	_, err = obj.Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("attrs %s: %w", url, err)
	}
	return true, nil
}

func (g *GCSStore) Size(ctx context.Context, url string) (int64, error) {
	obj, err := g.object(url)
	if err != nil {
		return 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("attrs %s: %w", url, err)
	}
	return attrs.Size, nil
}

func (g *GCSStore) Download(ctx context.Context, url, localPath string) error {
	obj, err := g.object(url)
	if err != nil {
		return err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer r.Close()
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("download %s: %w", url, err)
	}
	return f.Close()
}

func (g *GCSStore) Upload(ctx context.Context, localPath, url string) error {
	if err := g.adstcl.UploadFromFile(ctx, url, localPath); err != nil {
		return fmt.Errorf("upload %s: %w", url, err)
	}
	return nil
}

// List returns the object URLs under a gs://bucket/prefix.
func (g *GCSStore) List(ctx context.Context, url string) ([]string, error) {
	_, bucket, prefix, err := ParseObjectURL(url)
	if err != nil {
		return nil, err
	}
	var urls []string
	it := g.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", url, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		urls = append(urls, fmt.Sprintf("gs://%s/%s", bucket, attrs.Name))
	}
	return urls, nil
}
