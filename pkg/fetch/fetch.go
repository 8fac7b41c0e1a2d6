// Package fetch downloads update artifacts, verifies their checksum and
// parses them into manifests. Artifacts are addressed either by a presigned
// http(s) URL or by an s3:// URI resolved through the AWS SDK.
package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// DefaultAlgorithm is used when a command does not name one.
const DefaultAlgorithm = "sha256"

// IntegrityError reports a checksum mismatch or a failure that prevented
// verifying the artifact. The partial download is removed before it is
// returned; callers never see unverified content.
type IntegrityError struct {
	URL       string
	Algorithm string
	Expected  string
	Computed  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s failed %s verification: expected %s, computed %s",
		e.URL, e.Algorithm, e.Expected, e.Computed)
}

// ObjectGetter is the slice of the S3 API the fetcher consumes.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher retrieves artifacts into private temp files.
type Fetcher struct {
	log   logging.Logger
	httpc *http.Client

	s3mu sync.Mutex
	s3c  ObjectGetter
}

// Option adjusts a Fetcher at construction.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client used for http(s) artifacts.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.httpc = c }
}

// WithObjectGetter overrides the S3 client used for s3:// artifacts.
func WithObjectGetter(g ObjectGetter) Option {
	return func(f *Fetcher) { f.s3c = g }
}

func New(log logging.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		log:   log,
		httpc: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the artifact, verifies its checksum with the named
// algorithm and parses it as a manifest. On success it returns the parsed
// manifest and the temp path holding the verified bytes; the caller owns the
// path and removes it once storage is done.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, expectedChecksum, algorithm string) (*wire.Manifest, string, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	hasher, err := newHasher(algorithm)
	if err != nil {
		return nil, "", err
	}

	body, err := f.open(ctx, rawURL)
	if err != nil {
		return nil, "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", "otad_artifact_*")
	if err != nil {
		return nil, "", errors.Wrap(err, "create artifact temp file")
	}
	path := tmp.Name()

	_, err = io.Copy(io.MultiWriter(tmp, hasher), body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, "", errors.Wrapf(err, "download %s", rawURL)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if !digestsEqual(computed, expectedChecksum) {
		os.Remove(path)
		return nil, "", &IntegrityError{
			URL:       rawURL,
			Algorithm: algorithm,
			Expected:  expectedChecksum,
			Computed:  computed,
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		os.Remove(path)
		return nil, "", errors.Wrap(err, "reread verified artifact")
	}
	manifest, err := wire.ParseManifest(data)
	if err != nil {
		os.Remove(path)
		return nil, "", err
	}

	f.log.WithField("url", rawURL).WithField("path", path).Info("downloaded and verified artifact")
	return manifest, path, nil
}

func (f *Fetcher) open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse artifact url %q", rawURL)
	}

	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(ctx, rawURL)
	case "s3":
		return f.openS3(ctx, u)
	default:
		return nil, errors.Errorf("unsupported artifact url scheme %q", u.Scheme)
	}
}

func (f *Fetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build artifact request")
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("get %s: response status code was %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

func (f *Fetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	getter, err := f.objectGetter(ctx)
	if err != nil {
		return nil, err
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, errors.Errorf("s3 url %q must be s3://bucket/key", u.String())
	}

	out, err := getter.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	return out.Body, nil
}

func (f *Fetcher) objectGetter(ctx context.Context) (ObjectGetter, error) {
	f.s3mu.Lock()
	defer f.s3mu.Unlock()
	if f.s3c != nil {
		return f.s3c, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws configuration")
	}
	f.s3c = s3.NewFromConfig(cfg)
	return f.s3c, nil
}

func newHasher(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errors.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

// digestsEqual compares hex digests without early exit on the first
// differing byte.
func digestsEqual(computed, expected string) bool {
	a := []byte(strings.ToLower(computed))
	b := []byte(strings.ToLower(expected))
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
