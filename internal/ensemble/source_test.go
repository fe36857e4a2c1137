package ensemble

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensource-finance/perdiem/internal/domain"
)

type fakeS3 struct {
	objects map[string][]byte
	err     error
	keys    []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.keys = append(f.keys, *in.Bucket+"/"+*in.Key)
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "linear.json"), []byte(linearArtifact), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	src := DirSource{Dir: dir}

	data, err := src.Open(context.Background(), "linear.json")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(data) != linearArtifact {
		t.Error("unexpected artifact contents")
	}

	_, err = src.Open(context.Background(), "random-forest.json")
	if !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestS3Source(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{"models/v3/linear.json": []byte(linearArtifact)}}
	src := NewS3Source(client, "perdiem-artifacts", "models/v3")

	data, err := src.Open(context.Background(), "linear.json")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if string(data) != linearArtifact {
		t.Error("unexpected artifact contents")
	}
	if client.keys[0] != "perdiem-artifacts/models/v3/linear.json" {
		t.Errorf("unexpected key %s", client.keys[0])
	}

	t.Run("missing key", func(t *testing.T) {
		_, err := src.Open(context.Background(), "random-forest.json")
		if !errors.Is(err, ErrArtifactNotFound) {
			t.Errorf("expected ErrArtifactNotFound, got %v", err)
		}
	})

	t.Run("transport error", func(t *testing.T) {
		failing := NewS3Source(&fakeS3{err: errors.New("connection reset")}, "b", "")
		_, err := failing.Open(context.Background(), "linear.json")
		if err == nil || errors.Is(err, ErrArtifactNotFound) {
			t.Errorf("expected transport error, got %v", err)
		}
	})

	if src.String() != "s3://perdiem-artifacts/models/v3" {
		t.Errorf("unexpected String() %s", src.String())
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		prefix string
		ok     bool
	}{
		{"s3://bucket/models/", "bucket", "models", true},
		{"s3://bucket", "bucket", "", true},
		{"s3:///models", "", "", false},
		{"./models", "", "", false},
	}
	for _, tt := range tests {
		bucket, prefix, ok := parseS3URL(tt.in)
		if bucket != tt.bucket || prefix != tt.prefix || ok != tt.ok {
			t.Errorf("parseS3URL(%q) = %q, %q, %v", tt.in, bucket, prefix, ok)
		}
	}
}

func TestNewSourceLocal(t *testing.T) {
	src, err := NewSource(context.Background(), domain.ModelsConfig{Source: "./models"})
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if _, ok := src.(DirSource); !ok {
		t.Errorf("expected DirSource, got %T", src)
	}
}
