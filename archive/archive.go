// Package archive bundles a system's accumulated result artifacts into a
// single tarball and optionally uploads it to S3. Bundling is always
// attempted regardless of teardown outcome.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

// Bundle tars the system working directory into <resultsDir>/<system>.tar.gz
// and returns the bundle path.
func Bundle(workDir, resultsDir, system string) (string, error) {
	err := os.MkdirAll(resultsDir, 0o755)
	if err != nil {
		return "", err
	}
	bundlePath := filepath.Join(resultsDir, system+".tar.gz")

	f, err := os.Create(bundlePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.Join(system, rel)
		err = tw.WriteHeader(hdr)
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("can't bundle %s: %w", workDir, err)
	}

	slog.Info("bundled result artifacts", slog.String("system", system), slog.String("bundle", bundlePath))
	return bundlePath, nil
}

// UploadToS3 pushes the bundle to the archive bucket under the run prefix.
func UploadToS3(ctx context.Context, bundlePath, bucket, runID string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithEC2IMDSRegion())
	if err != nil {
		return fmt.Errorf("can't load AWS config: %w", err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(fi.Size(), "Uploading "+filepath.Base(bundlePath))
	defer bar.Finish()

	key := fmt.Sprintf("%s/%s", runID, filepath.Base(bundlePath))
	uploader := manager.NewUploader(s3.NewFromConfig(cfg))
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
		Body:   io.TeeReader(f, bar),
	})
	if err != nil {
		return fmt.Errorf("can't upload bundle: %w", err)
	}
	slog.Info("uploaded bundle", slog.String("bucket", bucket), slog.String("key", key))
	return nil
}
