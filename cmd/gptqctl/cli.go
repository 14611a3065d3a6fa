package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/gptq/blobstore"
	"github.com/hupe1980/gptq/blobstore/minio"
	"github.com/hupe1980/gptq/blobstore/s3"
	"github.com/spf13/cobra"
)

// NewCLI returns the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gptqctl",
		Short: "Quantize layer weights and work with quantized artifacts",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	rootCmd.PersistentFlags().String("store", ".", "Artifact store: a directory, s3://bucket/prefix or minio://host:port/bucket/prefix")
	rootCmd.PersistentFlags().String("endpoint", "", "Custom S3 endpoint")
	rootCmd.PersistentFlags().Bool("insecure", false, "Connect to MinIO without TLS")
	rootCmd.PersistentFlags().Int64("cache-bytes", 0, "Cache remote reads in memory up to this many bytes")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newQuantizeCmd(),
		newListCmd(),
		newInspectCmd(),
		newVerifyCmd(),
		newDequantizeCmd(),
	)
	return rootCmd
}

func logLevel(cmd *cobra.Command) slog.Level {
	if v, _ := cmd.Flags().GetBool("verbose"); v {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

// openStore resolves the --store flag.
func openStore(ctx context.Context, cmd *cobra.Command) (blobstore.BlobStore, error) {
	location, _ := cmd.Flags().GetString("store")
	endpoint, _ := cmd.Flags().GetString("endpoint")
	insecure, _ := cmd.Flags().GetBool("insecure")
	cacheBytes, _ := cmd.Flags().GetInt64("cache-bytes")

	var (
		store  blobstore.BlobStore
		remote bool
	)
	switch {
	case strings.HasPrefix(location, "s3://"):
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(location, "s3://"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid store %q: missing bucket", location)
		}
		opts := []s3.Option{s3.WithPrefix(prefix)}
		if endpoint != "" {
			opts = append(opts, s3.WithEndpoint(endpoint))
		}
		s, err := s3.New(ctx, bucket, opts...)
		if err != nil {
			return nil, err
		}
		store, remote = s, true
	case strings.HasPrefix(location, "minio://"):
		parts := strings.SplitN(strings.TrimPrefix(location, "minio://"), "/", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid store %q: want minio://host:port/bucket[/prefix]", location)
		}
		prefix := ""
		if len(parts) == 3 {
			prefix = parts[2]
		}
		s, err := minio.Dial(parts[0], os.Getenv("MINIO_ACCESS_KEY"), os.Getenv("MINIO_SECRET_KEY"), !insecure, parts[1], prefix)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		store, remote = s, true
	default:
		store = blobstore.NewLocalStore(strings.TrimPrefix(location, "file://"))
	}

	if remote && cacheBytes > 0 {
		store = blobstore.NewCachingStore(store, cacheBytes, blobstore.DefaultBlockSize)
	}
	return store, nil
}

// splitOutput maps an output path to a local store and a blob name.
func splitOutput(path string) (*blobstore.LocalStore, string, error) {
	if path == "" {
		return nil, "", errors.New("--out is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	return blobstore.NewLocalStore(filepath.Dir(abs)), filepath.Base(abs), nil
}
