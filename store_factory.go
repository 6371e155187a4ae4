package objq

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscredentials "github.com/aws/aws-sdk-go-v2/credentials"
	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/objq/internal/storage"
	awsstore "pkt.systems/objq/internal/storage/aws"
	azurestore "pkt.systems/objq/internal/storage/azure"
	"pkt.systems/objq/internal/storage/disk"
	"pkt.systems/objq/internal/storage/memory"
	"pkt.systems/objq/internal/storage/s3"
)

// CredentialSummary records where object store credentials came from, for
// the startup log. It never carries the secret itself.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// storeReadyTimeout bounds the bucket probe performed when opening a store.
const storeReadyTimeout = 10 * time.Second

type backendOpener func(context.Context, Config) (storage.Backend, error)

var backendOpeners = map[string]backendOpener{
	"":       openMemory,
	"mem":    openMemory,
	"memory": openMemory,
	"disk": func(_ context.Context, cfg Config) (storage.Backend, error) {
		dc, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(dc)
	},
	"azure": func(_ context.Context, cfg Config) (storage.Backend, error) {
		ac, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(ac)
	},
	"s3": func(ctx context.Context, cfg Config) (storage.Backend, error) {
		sc, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(sc)
		if err != nil {
			return nil, err
		}
		return probed(ctx, store, sc.Bucket, store.BucketExists)
	},
	"aws": func(ctx context.Context, cfg Config) (storage.Backend, error) {
		ac, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := awsstore.New(ac)
		if err != nil {
			return nil, err
		}
		return probed(ctx, store, ac.Bucket, store.BucketExists)
	},
}

func openMemory(_ context.Context, cfg Config) (storage.Backend, error) {
	return memory.NewWithConfig(memory.Config{ChangeFeed: cfg.MemChangeFeed}), nil
}

func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	open, ok := backendOpeners[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return open(ctx, cfg)
}

// probed returns backend once its bucket is confirmed to exist. Queues live
// in a pre-provisioned bucket; objq never creates one.
func probed(ctx context.Context, backend storage.Backend, bucket string, exists func(context.Context) (bool, error)) (storage.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	ok, err := exists(ctx)
	if err == nil && !ok {
		err = fmt.Errorf("object store bucket %s does not exist", bucket)
	} else if err != nil {
		err = fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return backend, nil
}

// storeURL is a parsed --store value of an expected scheme.
type storeURL struct {
	*url.URL
	query url.Values
}

func parseStoreURL(raw, scheme string) (storeURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return storeURL{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != scheme {
		return storeURL{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	return storeURL{URL: u, query: u.Query()}, nil
}

// first returns the first non-empty candidate after the query parameter
// named param.
func (s storeURL) first(param string, fallbacks ...string) string {
	if v := strings.TrimSpace(s.query.Get(param)); v != "" {
		return v
	}
	for _, v := range fallbacks {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// flag reports a boolean query parameter; set is false when it is absent or
// unparsable.
func (s storeURL) flag(param string) (value, set bool) {
	v, err := strconv.ParseBool(s.query.Get(param))
	if err != nil {
		return false, false
	}
	return v, true
}

// bucketPath splits /bucket/some/prefix.
func (s storeURL) bucketPath() (bucket, prefix string) {
	return splitBucketPath(s.Path)
}

// BuildGenericS3Config maps s3://host[:port]/bucket[/prefix] onto an
// S3-compatible service reached through minio-go.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	const shape = "expected s3://host[:port]/bucket[/prefix]"
	u, err := parseStoreURL(cfg.Store, "s3")
	if err != nil {
		return s3.Config{}, CredentialSummary{}, err
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (%s)", shape)
	}
	bucket, prefix := u.bucketPath()
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (%s)", shape)
	}
	secure := !strings.EqualFold(u.query.Get("scheme"), "http")
	for _, param := range []string{"tls", "secure"} {
		if v, ok := u.flag(param); ok {
			secure = v
		}
	}
	if v, _ := u.flag("insecure"); v {
		secure = false
	}
	pathStyle, _ := u.flag("path-style")
	creds, summary, err := genericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         u.first("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: pathStyle,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       u.first("kms-key-id", cfg.S3KMSKeyID),
		CustomCreds:    creds,
		BufferBudget:   cfg.S3BufferBudget,
	}, summary, nil
}

// BuildAWSConfig maps aws://bucket[/prefix] onto Amazon S3 through the AWS
// SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := parseStoreURL(cfg.Store, "aws")
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, err
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	region := u.first("region", cfg.AWSRegion, os.Getenv("AWS_REGION"), os.Getenv("AWS_DEFAULT_REGION"))
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires region (set --aws-region or OBJQ_AWS_REGION)")
	}
	insecure, _ := u.flag("insecure")
	pathStyle, _ := u.flag("path-style")
	creds, summary := awsCredentials()
	return awsstore.Config{
		Endpoint:      u.first("endpoint"),
		Region:        region,
		Bucket:        bucket,
		Prefix:        strings.Trim(u.Path, "/"),
		Insecure:      insecure,
		UsePathStyle:  pathStyle,
		ServerSideEnc: cfg.S3SSE,
		KMSKeyID:      u.first("kms-key-id", cfg.AWSKMSKeyID, cfg.S3KMSKeyID),
		Credentials:   creds,
		BufferBudget:  cfg.S3BufferBudget,
	}, summary, nil
}

// s3CredentialSources are consulted in order when the config carries no
// keys of its own.
var s3CredentialSources = []struct{ access, secret, token string }{
	{"OBJQ_S3_ACCESS_KEY_ID", "OBJQ_S3_SECRET_ACCESS_KEY", "OBJQ_S3_SESSION_TOKEN"},
	{"OBJQ_S3_ROOT_USER", "OBJQ_S3_ROOT_PASSWORD", ""},
}

func genericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	access, secret, token := strings.TrimSpace(cfg.S3AccessKeyID), cfg.S3SecretAccessKey, cfg.S3SessionToken
	source := "config"
	for _, src := range s3CredentialSources {
		if access != "" || secret != "" || token != "" {
			break
		}
		access, secret = strings.TrimSpace(os.Getenv(src.access)), os.Getenv(src.secret)
		if src.token != "" {
			token = os.Getenv(src.token)
		}
		source = "env:" + src.access
	}
	if access == "" && secret == "" && token == "" {
		return minioCredentials.NewStaticV4("", "", ""), CredentialSummary{Source: "anonymous"}, nil
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

// awsCredentials pins static credentials from OBJQ_AWS_* when present. A nil
// provider leaves the SDK default chain in charge; the summary then only
// describes what that chain is likely to pick.
func awsCredentials() (aws.CredentialsProvider, CredentialSummary) {
	if access := strings.TrimSpace(os.Getenv("OBJQ_AWS_ACCESS_KEY_ID")); access != "" {
		secret := os.Getenv("OBJQ_AWS_SECRET_ACCESS_KEY")
		provider := awscredentials.NewStaticCredentialsProvider(access, secret, os.Getenv("OBJQ_AWS_SESSION_TOKEN"))
		return provider, CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: "env:OBJQ_AWS_ACCESS_KEY_ID"}
	}
	if access := firstEnv("AWS_ACCESS_KEY_ID"); access != "" {
		return nil, CredentialSummary{AccessKey: access, HasSecret: firstEnv("AWS_SECRET_ACCESS_KEY") != "", Source: "env:AWS_ACCESS_KEY_ID"}
	}
	if profile := firstEnv("AWS_PROFILE"); profile != "" {
		return nil, CredentialSummary{Source: "profile:" + profile}
	}
	return nil, CredentialSummary{Source: "auto"}
}

// BuildAzureConfig maps azure://account/container[/prefix] onto Azure Blob
// Storage. The account may also come from config or the usual Azure
// environment variables.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := parseStoreURL(cfg.Store, "azure")
	if err != nil {
		return azurestore.Config{}, err
	}
	account := strings.TrimSpace(cfg.AzureAccount)
	if account == "" {
		account = strings.TrimSpace(u.Host)
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := u.bucketPath()
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("OBJQ_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   u.first("endpoint", cfg.AzureEndpoint),
		SASToken:   u.first("sas", cfg.AzureSASToken, firstEnv("OBJQ_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")),
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig maps disk:///abs/path onto a disk.Config. disk://rel/path
// is read as /rel/path. The cleaned root is returned for logging.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := parseStoreURL(cfg.Store, "disk")
	if err != nil {
		return disk.Config{}, "", err
	}
	root := "/" + strings.Trim(path.Join(strings.TrimSpace(u.Host), strings.TrimSpace(u.Path)), "/")
	if root == "/" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/objq)")
	}
	root = filepath.Clean(root)
	return disk.Config{Root: root, ChangeFeed: cfg.DiskChangeFeed}, root, nil
}

func splitBucketPath(raw string) (bucket, prefix string) {
	bucket, prefix, _ = strings.Cut(strings.Trim(raw, "/"), "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
