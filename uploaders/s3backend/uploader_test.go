package s3backend

import (
	"bytes"
	"os"
	"testing"

	"github.com/kanto-io/uploadkit/kernel"
	"github.com/kanto-io/uploadkit/store"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Region: "eu-west-1", AccessKeyID: "a", SecretAccessKey: "s"}})
	if err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestNewRequiresAccessKeyID(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Region: "eu-west-1", Bucket: "b", SecretAccessKey: "s"}})
	if err == nil {
		t.Fatalf("expected error for missing access key id")
	}
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"}})
	if err == nil {
		t.Fatalf("expected error for missing region")
	}
}

func TestNewRequiresSecretAccessKey(t *testing.T) {
	_, err := New(Options{Credentials: Credentials{Bucket: "b", AccessKeyID: "a", Region: "eu-west-1"}})
	if err == nil {
		t.Fatalf("expected error for missing secret access key")
	}
}

// TestUploadAgainstRealBucket exercises a full upload against a live S3
// bucket, mirroring uploaders/aws_test.go's own env-var-gated integration
// style (getTestCredentials) since there is no local S3 stand-in
// available. It is skipped unless the four AWS_* variables are set.
func TestUploadAgainstRealBucket(t *testing.T) {
	creds := credentialsFromEnv(t)

	u, err := New(Options{Credentials: creds})
	assertNoError(t, err)

	k := kernel.New(kernel.Options{})
	defer k.Close()

	size := int64(len(testBody))
	id, err := k.AddFile(kernel.NewFile{Source: "local", Name: "uploadkit-s3backend-test.txt", Size: &size, Data: memFile{data: []byte(testBody)}})
	assertNoError(t, err)

	k.AddUploader(u.Stage)

	result, err := k.Upload([]string{id})
	assertNoError(t, err)
	if len(result.Successful) != 1 {
		t.Fatalf("result = %+v, want 1 successful", result)
	}
}

const testBody = "uploadkit s3backend integration test content"

type memFile struct{ data []byte }

type memReadCloser struct{ *bytes.Reader }

func (memReadCloser) Close() error { return nil }

func (m memFile) Open() (store.ReadCloser, error) {
	return memReadCloser{bytes.NewReader(m.data)}, nil
}

func credentialsFromEnv(t *testing.T) Credentials {
	t.Helper()
	mapping := map[string]*string{}
	c := Credentials{}
	mapping["AWS_BUCKET"] = &c.Bucket
	mapping["AWS_ACCESS_KEY_ID"] = &c.AccessKeyID
	mapping["AWS_SECRET_ACCESS_KEY"] = &c.SecretAccessKey
	mapping["AWS_REGION"] = &c.Region

	for env, field := range mapping {
		v := os.Getenv(env)
		if v == "" {
			t.Skipf("environment variable '%s' not set", env)
		}
		*field = v
	}
	return c
}
