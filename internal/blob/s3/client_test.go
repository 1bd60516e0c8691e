package s3blob

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		bucket  string
		wantErr bool
	}{
		{name: "bucket exists", bucket: "windows"},
		{name: "bucket missing", bucket: "gone", wantErr: true},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead && r.URL.Path == "/windows" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(context.Background(), ClientConfig{
				Endpoint:       srv.URL,
				Region:         "us-east-1",
				Bucket:         tt.bucket,
				AccessKey:      "key",
				SecretKey:      "secret",
				ForcePathStyle: true,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			err = c.Health(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Health() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
