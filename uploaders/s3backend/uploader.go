// Package s3backend adapts uploaders/aws.go's direct-to-S3 upload path
// into a kernel.StageFunc: instead of one credential set per MQTT 'start'
// operation, an Uploader is configured once with static
// bucket/region/credentials and reused across batches.
package s3backend

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

// Credentials mirrors the options AWSUploader expected from a 'start'
// operation payload (aws.region/aws.access.key.id/...), now supplied once
// at construction time instead of per-request.
type Credentials struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string // optional
	Bucket          string
}

// Options configures an Uploader.
type Options struct {
	Credentials     Credentials
	ObjectKey       func(f store.FileRecord) string // default: f.Name
	ComputeChecksum bool
	Logger          kernel.Logger
}

// Uploader uploads batch files to a single S3 bucket via the AWS SDK's
// multipart manager.Uploader.
type Uploader struct {
	opts     Options
	uploader *manager.Uploader
}

type sdkLogAdapter struct{ log kernel.Logger }

func (l sdkLogAdapter) Logf(classification logging.Classification, format string, v ...interface{}) {
	if l.log == nil {
		return
	}
	if classification == logging.Debug {
		l.log.Debugf(format, v...)
	} else if classification == logging.Warn {
		l.log.Warnf(format, v...)
	} else {
		l.log.Infof(format, v...)
	}
}

// New constructs an Uploader, resolving an AWS SDK config from static
// credentials, the same shape as getAWSCredentials/NewAWSUploader.
func New(opts Options) (*Uploader, error) {
	c := opts.Credentials
	if c.Bucket == "" {
		return nil, fmt.Errorf("s3backend: missing bucket")
	}
	if c.AccessKeyID == "" {
		return nil, fmt.Errorf("s3backend: missing access key id")
	}
	if c.Region == "" {
		return nil, fmt.Errorf("s3backend: missing region")
	}
	if c.SecretAccessKey == "" {
		return nil, fmt.Errorf("s3backend: missing secret access key")
	}

	provider := credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(provider),
		config.WithRegion(c.Region),
		config.WithLogger(sdkLogAdapter{log: opts.Logger}),
	)
	if err != nil {
		return nil, err
	}

	return &Uploader{
		opts:     opts,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

// Stage is a kernel.StageFunc uploading every file in the batch to S3
// concurrently.
func (u *Uploader) Stage(ctx context.Context, k *kernel.Kernel, batchID string, fileIDs []string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fileIDs))

	for i, id := range fileIDs {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = u.uploadOne(ctx, k, id)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Uploader) uploadOne(ctx context.Context, k *kernel.Kernel, id string) error {
	f, ok := k.GetFile(id)
	if !ok {
		return nil
	}

	rc, err := f.Data.Open()
	if err != nil {
		return u.fail(k, f, err)
	}
	defer rc.Close()

	key := f.Name
	if u.opts.ObjectKey != nil {
		key = u.opts.ObjectKey(f)
	}

	var total int64
	if f.Size != nil {
		total = *f.Size
	}
	var uploaded int64
	var body io.Reader = &countingReader{r: rc, onRead: func(n int64) {
		uploaded += n
		u.reportProgress(k, id, uploaded, total)
	}}

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.opts.Credentials.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}

	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return u.fail(k, f, err)
	}
	return u.succeed(k, f)
}

func (u *Uploader) reportProgress(k *kernel.Kernel, id string, uploaded, total int64) {
	f, ok := k.GetFile(id)
	if !ok {
		return
	}
	f.Progress.BytesUploaded = uploaded
	f.Progress.BytesTotal = total
	_ = k.SetFileState(f)
}

func (u *Uploader) fail(k *kernel.Kernel, f store.FileRecord, err error) error {
	f.Err = err
	_ = k.SetFileState(f)
	return err
}

func (u *Uploader) succeed(k *kernel.Kernel, f store.FileRecord) error {
	f.Progress.UploadComplete = true
	f.Progress.Percentage = 100
	_ = k.SetFileState(f)
	return nil
}

type countingReader struct {
	r      io.Reader
	onRead func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(int64(n))
	}
	return n, err
}
