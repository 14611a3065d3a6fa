package s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every blob name.
	Prefix string

	// PartSize is the multipart upload part size. Default: 8MB.
	PartSize int64

	// Concurrency is the number of concurrent part uploads. Default: 5.
	Concurrency int

	// ChecksumCRC32C enables CRC32C integrity validation on upload.
	// Default: true.
	ChecksumCRC32C bool

	// ConfigOptions are passed to config.LoadDefaultConfig by New.
	ConfigOptions []func(*config.LoadOptions) error

	// Endpoint overrides the service endpoint, e.g. for LocalStack.
	Endpoint string

	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// Option configures a Store.
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		PartSize:       8 * 1024 * 1024,
		Concurrency:    5,
		ChecksumCRC32C: true,
	}
}

// WithPrefix sets the key prefix for all blobs.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithRegion sets the AWS region used by New.
func WithRegion(region string) Option {
	return func(o *Options) {
		o.ConfigOptions = append(o.ConfigOptions, config.WithRegion(region))
	}
}

// WithCredentials sets a static credentials provider used by New.
func WithCredentials(provider aws.CredentialsProvider) Option {
	return func(o *Options) {
		o.ConfigOptions = append(o.ConfigOptions, config.WithCredentialsProvider(provider))
	}
}

// WithEndpoint overrides the S3 endpoint and enables path-style addressing.
func WithEndpoint(endpoint string) Option {
	return func(o *Options) {
		o.Endpoint = endpoint
		o.UsePathStyle = true
	}
}

// WithPartSize sets the multipart upload part size.
func WithPartSize(size int64) Option {
	return func(o *Options) { o.PartSize = size }
}

// WithConcurrency sets the number of concurrent part uploads.
func WithConcurrency(n int) Option {
	return func(o *Options) { o.Concurrency = n }
}

// WithChecksum toggles CRC32C upload checksums.
func WithChecksum(enabled bool) Option {
	return func(o *Options) { o.ChecksumCRC32C = enabled }
}
