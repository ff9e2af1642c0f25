package backup

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeObject struct {
	Key          string
	LastModified string
	Size         int64
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Xmlns       string   `xml:"xmlns,attr"`
	Name        string
	Prefix      string
	KeyCount    int
	IsTruncated bool
	Contents    []fakeObject
}

// fakeS3 serves the path-style PutObject, ListObjectsV2 and DeleteObject
// calls S3Destination makes, for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		http.Error(w, "NoSuchBucket", http.StatusNotFound)
		return
	}
	switch {
	case r.Method == http.MethodPut && key != "":
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = fakeObject{
			Key:          key,
			LastModified: time.Now().UTC().Format(time.RFC3339),
			Size:         int64(len(body)),
		}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "" && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		res := listBucketResult{Xmlns: "http://s3.amazonaws.com/doc/2006-03-01/", Name: f.bucket, Prefix: prefix}
		for k, obj := range f.objects {
			if strings.HasPrefix(k, prefix) {
				res.Contents = append(res.Contents, obj)
			}
		}
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodDelete && key != "":
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func newFakeS3(t *testing.T) (*fakeS3, *s3.Client) {
	t.Helper()
	fake := &fakeS3{bucket: "backups", objects: map[string]fakeObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return fake, client
}

func TestS3Destination_UploadListDelete(t *testing.T) {
	fake, client := newFakeS3(t)
	d := newS3Destination(client, "backups", "")
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "teams-20260101-120000.db")
	if err := os.WriteFile(local, []byte("snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}
	key, err := d.Upload(ctx, local)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if key != "teamctx/teams-20260101-120000.db" {
		t.Fatalf("unexpected key %s", key)
	}

	fake.mu.Lock()
	fake.objects["other/ignored.db"] = fakeObject{Key: "other/ignored.db", LastModified: "2026-01-01T00:00:00Z"}
	fake.mu.Unlock()

	infos, err := d.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].Key != key {
		t.Fatalf("unexpected listing %+v", infos)
	}

	if err := d.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	infos, err = d.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected empty listing, got %+v", infos)
	}
}

func TestS3Destination_ListNewestFirstAndPrune(t *testing.T) {
	fake, client := newFakeS3(t)
	d := newS3Destination(client, "backups", "db/")

	for i, ts := range []string{"2026-01-02T00:00:00Z", "2026-01-03T00:00:00Z", "2026-01-01T00:00:00Z"} {
		key := "db/teams-" + string(rune('a'+i)) + ".db"
		fake.objects[key] = fakeObject{Key: key, LastModified: ts, Size: int64(i)}
	}

	infos, err := d.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got := []string{infos[0].Key, infos[1].Key, infos[2].Key}
	want := []string{"db/teams-b.db", "db/teams-a.db", "db/teams-c.db"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	n, err := Prune(context.Background(), d, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.objects["db/teams-b.db"]; !ok || len(fake.objects) != 1 {
		t.Fatalf("unexpected objects left: %v", fake.objects)
	}
}

func TestS3Destination_MissingBucket(t *testing.T) {
	_, client := newFakeS3(t)
	d := newS3Destination(client, "nope", "")
	if _, err := d.List(context.Background()); err == nil {
		t.Fatal("expected error for a missing bucket")
	}
}

func TestNewS3Destination_RequiresBucket(t *testing.T) {
	if _, err := NewS3Destination(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without a bucket")
	}
}
