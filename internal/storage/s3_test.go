package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	data, _ := io.ReadAll(in.Body)
	f.body = string(data)
	return &s3.PutObjectOutput{}, f.err
}

func TestNewRequiresConfig(t *testing.T) {
	if _, err := New(Config{Endpoint: "https://r2.example", Bucket: "b"}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	c, err := New(Config{Endpoint: "https://r2.example/", AccessKey: "a", SecretKey: "s", Bucket: "b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := c.ObjectURL("/alerts/x.jpg"); got != "https://r2.example/b/alerts/x.jpg" {
		t.Fatalf("ObjectURL = %q", got)
	}
}

func TestUpload(t *testing.T) {
	api := &fakePutter{}
	c := &Client{api: api, bucket: "stills", endpoint: "https://r2.example", publicBaseURL: "https://cdn.example"}

	url, err := c.Upload(context.Background(), "alerts/cam/20240501/id.jpg", strings.NewReader("jpeg"), 4, "image/jpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "https://cdn.example/stills/alerts/cam/20240501/id.jpg" {
		t.Fatalf("url = %q", url)
	}
	if aws.ToString(api.input.Bucket) != "stills" || aws.ToString(api.input.ContentType) != "image/jpeg" || aws.ToInt64(api.input.ContentLength) != 4 {
		t.Fatalf("unexpected input %+v", api.input)
	}
	if api.body != "jpeg" {
		t.Fatalf("body = %q", api.body)
	}
}

func TestUploadErrors(t *testing.T) {
	var nilClient *Client
	if _, err := nilClient.Upload(context.Background(), "k", strings.NewReader("x"), 1, "image/jpeg"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("nil client err = %v", err)
	}

	c := &Client{api: &fakePutter{}, bucket: "b"}
	if _, err := c.Upload(context.Background(), "k", strings.NewReader(""), 0, "image/jpeg"); err == nil {
		t.Fatalf("empty upload should fail")
	}

	boom := errors.New("boom")
	c = &Client{api: &fakePutter{err: boom}, bucket: "b"}
	if _, err := c.Upload(context.Background(), "k", strings.NewReader("x"), 1, "image/jpeg"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}
