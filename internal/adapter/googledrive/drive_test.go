package googledrive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/Silverpeas/Silverpeas-WebBrowserEdition/internal/adapter"
)

func TestToMetadata(t *testing.T) {
	tests := []struct {
		name      string
		in        *drive.File
		wantOwner string
	}{
		{"owner email", &drive.File{Owners: []*drive.User{{EmailAddress: "ann@example.com", PermissionId: "p1"}}}, "ann@example.com"},
		{"owner permission id", &drive.File{Owners: []*drive.User{{PermissionId: "p1"}}}, "p1"},
		{"no owner", &drive.File{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.Id = "f1"
			tt.in.Version = 12
			tt.in.ModifiedTime = "2024-03-01T10:00:00.123Z"
			got := toMetadata(tt.in)
			if got.OwnerID != tt.wantOwner {
				t.Errorf("OwnerID = %q, want %q", got.OwnerID, tt.wantOwner)
			}
			if got.Version != "12" {
				t.Errorf("Version = %q, want %q", got.Version, "12")
			}
			want := time.Date(2024, 3, 1, 10, 0, 0, 123000000, time.UTC)
			if !got.ModifiedTime.Equal(want) {
				t.Errorf("ModifiedTime = %v, want %v", got.ModifiedTime, want)
			}
		})
	}
}

// newTestAdapter serves a single Drive file "f1" holding "hello".
func newTestAdapter(t *testing.T) *DriveAdapter {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/files/f1") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"File not found"}}`)
			return
		}
		if r.URL.Query().Get("alt") == "media" {
			fmt.Fprint(w, "hello")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"f1","name":"report.docx","mimeType":"application/vnd.openxmlformats-officedocument.wordprocessingml.document","modifiedTime":"2024-03-01T10:00:00.000Z","size":"5","version":"7","owners":[{"emailAddress":"ann@example.com"}]}`)
	}))
	t.Cleanup(srv.Close)

	d, err := NewDriveAdapter(context.Background(), srv.Client(), "", option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewDriveAdapter failed: %v", err)
	}
	return d
}

func TestDriveAdapter_GetFile(t *testing.T) {
	d := newTestAdapter(t)

	f, err := d.GetFile(context.Background(), "f1")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if string(f.Content) != "hello" {
		t.Errorf("Content = %q, want %q", f.Content, "hello")
	}
	if f.Name != "report.docx" || f.Size != 5 || f.Version != "7" || f.OwnerID != "ann@example.com" {
		t.Errorf("Unexpected metadata: %+v", f.FileMetadata)
	}
}

func TestDriveAdapter_NotFound(t *testing.T) {
	d := newTestAdapter(t)

	_, err := d.GetMetadata(context.Background(), "missing")
	if err != adapter.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDriveAdapter_SaveFile_VersionMismatch(t *testing.T) {
	d := newTestAdapter(t)

	_, err := d.SaveFile(context.Background(), "f1", []byte("new"), "6")
	if err != adapter.ErrPreconditionFailed {
		t.Errorf("Expected ErrPreconditionFailed, got %v", err)
	}
}
