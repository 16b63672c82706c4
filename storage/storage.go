// Package storage uploads alert snapshots to a Google Drive folder and lists them back.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nvr-ai/intrusion-warning/config"
)

const (
	mimeJPEG   = "image/jpeg"
	nameLayout = "20060102_150405"
	dayLayout  = "20060102"
)

// Object is an uploaded file.
type Object struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// RemoteName returns the deterministic remote file name for a snapshot taken at t:
// {class}_{site}_{YYYYMMDD}_{HHMMSS}.jpg.
func RemoteName(className, siteID string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.jpg", className, siteID, t.Format(nameLayout))
}

// Drive stores snapshots in one Drive folder.
type Drive struct {
	files     *drive.FilesService
	folderID  string
	className string
	siteID    string
}

// New creates a Drive client from a service account credentials file.
// Extra options are appended after the credentials, so tests can point the
// client at a local server.
func New(ctx context.Context, conf config.StorageConfig, opts ...option.ClientOption) (*Drive, error) {
	var clientOpts []option.ClientOption
	if conf.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(conf.CredentialsFile), option.WithScopes(drive.DriveScope))
	}
	if conf.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(conf.Endpoint))
	}
	clientOpts = append(clientOpts, opts...)

	srv, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create drive service")
	}

	return &Drive{
		files:     srv.Files,
		folderID:  conf.FolderID,
		className: conf.ClassName,
		siteID:    conf.SiteID,
	}, nil
}

// Upload stores a JPEG named after the capture time.
func (d *Drive) Upload(ctx context.Context, capturedAt time.Time, r io.Reader) (*Object, error) {
	name := RemoteName(d.className, d.siteID, capturedAt)
	meta := &drive.File{
		Name:     name,
		MimeType: mimeJPEG,
		Parents:  []string{d.folderID},
	}

	f, err := d.files.Create(meta).
		Media(r, googleapi.ContentType(mimeJPEG)).
		Fields("id", "name", "webViewLink").
		Context(ctx).
		Do()
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", name)
	}

	log.WithFields(log.Fields{"id": f.Id, "name": f.Name}).Info("uploaded snapshot")
	return &Object{ID: f.Id, Name: f.Name, Link: f.WebViewLink}, nil
}

// queryEscaper escapes a value for use inside a quoted Drive query literal.
var queryEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

func escapeQuery(v string) string {
	return queryEscaper.Replace(v)
}

// List returns the snapshots of a site taken on the given day, newest first.
func (d *Drive) List(ctx context.Context, siteID string, day time.Time) ([]Object, error) {
	q := fmt.Sprintf("name contains '%s_%s' and mimeType = '%s' and '%s' in parents and trashed = false",
		escapeQuery(siteID), day.Format(dayLayout), mimeJPEG, escapeQuery(d.folderID))

	var out []Object
	err := d.files.List().
		Q(q).
		OrderBy("createdTime desc").
		Fields("nextPageToken", "files(id, name, webViewLink, createdTime)").
		Context(ctx).
		Pages(ctx, func(page *drive.FileList) error {
			for _, f := range page.Files {
				obj := Object{ID: f.Id, Name: f.Name, Link: f.WebViewLink}
				if created, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
					obj.CreatedAt = created
				}
				out = append(out, obj)
			}
			return nil
		})
	if err != nil {
		return nil, errors.Wrap(err, "list snapshots")
	}
	return out, nil
}
