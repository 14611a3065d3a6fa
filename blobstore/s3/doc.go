// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("llama-7b/4bit/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = persistence.Save(ctx, store, "layers.0.mlp.down_proj.gptq", packed)
//
// # Features
//
//   - Range reads for efficient partial fetches
//   - Multipart uploads for large artifacts
//   - Automatic pagination for listing
//   - Configurable prefix to keep several models in one bucket
package s3
