package storage

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// TestGCSObjectHandles verifies every object is addressed through the same
// bucket handle under the base directory.
func TestGCSObjectHandles(t *testing.T) {
	ctx := context.Background()
	client, err := storage.NewClient(ctx, option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	tests := []struct {
		baseDir string
		path    string
		want    string
	}{
		{"mtc", "captures/abc/index.json", "mtc/captures/abc/index.json"},
		{"/mtc/", "/captures/abc/segment_3.mtc", "mtc/captures/abc/segment_3.mtc"},
		{"", "captures/abc/index.json", "captures/abc/index.json"},
	}

	for _, tt := range tests {
		s := newGCSStorage(ctx, client, "sync-bucket", tt.baseDir)

		obj := s.object(tt.path)
		if obj.BucketName() != "sync-bucket" {
			t.Errorf("Expected bucket sync-bucket, got %s", obj.BucketName())
		}
		if obj.ObjectName() != tt.want {
			t.Errorf("Expected object %s, got %s", tt.want, obj.ObjectName())
		}
	}
}
