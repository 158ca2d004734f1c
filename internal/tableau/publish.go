package tableau

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// PublishMode selects what happens when a datasource with the same name
// already exists in the project.
type PublishMode string

const (
	CreateNew PublishMode = "CreateNew"
	Append    PublishMode = "Append"
	Overwrite PublishMode = "Overwrite"
)

// ParsePublishMode accepts the mode names case-insensitively. Empty means
// CreateNew.
func ParsePublishMode(s string) (PublishMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "createnew":
		return CreateNew, nil
	case "append":
		return Append, nil
	case "overwrite":
		return Overwrite, nil
	}
	return "", fmt.Errorf("unknown publish mode %q (want CreateNew, Append or Overwrite)", s)
}

// PublishRequest describes one datasource publish.
type PublishRequest struct {
	// Path is the local extract file. Its extension becomes the
	// datasourceType query parameter.
	Path      string
	ProjectID string
	// Name defaults to the file name without extension.
	Name string
	Mode PublishMode
}

type publishPayload struct {
	XMLName    xml.Name `xml:"tsRequest"`
	Datasource struct {
		Name    string `xml:"name,attr"`
		Project struct {
			ID string `xml:"id,attr"`
		} `xml:"project"`
	} `xml:"datasource"`
}

type datasourceEnvelope struct {
	Datasource Datasource `json:"datasource"`
}

type fileUploadEnvelope struct {
	FileUpload struct {
		UploadSessionID string `json:"uploadSessionId"`
		FileSize        Int    `json:"fileSize"`
	} `json:"fileUpload"`
}

// Publish uploads req.Path as a datasource in req.ProjectID.
//
// Files up to ChunkThreshold go in one multipart/mixed request; larger
// files go through a file-upload session in ChunkSize pieces followed by a
// commit request.
//
// Errors:
//   - ErrNotSignedIn without a session.
//   - missing file, missing project id or a file without extension.
//   - *APIError from the server (for example 409 with CreateNew when the
//     datasource exists).
func (c *Client) Publish(ctx context.Context, req PublishRequest) (Datasource, error) {
	if !c.SignedIn() {
		return Datasource{}, ErrNotSignedIn
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return Datasource{}, errors.New("publish: project id is required")
	}
	mode, err := ParsePublishMode(string(req.Mode))
	if err != nil {
		return Datasource{}, err
	}
	fi, err := os.Stat(req.Path)
	if err != nil {
		return Datasource{}, fmt.Errorf("publish: %w", err)
	}
	if fi.IsDir() {
		return Datasource{}, fmt.Errorf("publish: %s is a directory", req.Path)
	}
	fileName := filepath.Base(req.Path)
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if ext == "" {
		return Datasource{}, fmt.Errorf("publish: %s has no extension to derive the datasource type from", fileName)
	}
	name := req.Name
	if name == "" {
		name = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}

	var p publishPayload
	p.Datasource.Name = name
	p.Datasource.Project.ID = req.ProjectID
	payload, err := xml.Marshal(p)
	if err != nil {
		return Datasource{}, err
	}

	q := url.Values{}
	q.Set("datasourceType", strings.ToLower(ext))
	switch mode {
	case Overwrite:
		q.Set("overwrite", "true")
	case Append:
		q.Set("append", "true")
	}

	c.log.Info("Publishing datasource",
		"file", fileName, "size", humanize.IBytes(uint64(fi.Size())), "name", name,
		"project_id", req.ProjectID, "mode", string(mode))

	var body []byte
	var contentType string
	if fi.Size() <= c.opts.ChunkThreshold {
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return Datasource{}, fmt.Errorf("publish: %w", err)
		}
		body, contentType, err = mixedBody(payload, "tableau_datasource", fileName, data)
		if err != nil {
			return Datasource{}, err
		}
	} else {
		uploadID, err := c.uploadChunks(ctx, req.Path, fi.Size())
		if err != nil {
			return Datasource{}, err
		}
		q.Set("uploadSessionId", uploadID)
		body, contentType, err = mixedBody(payload, "", "", nil)
		if err != nil {
			return Datasource{}, err
		}
	}

	path, err := c.sitePath("datasources")
	if err != nil {
		return Datasource{}, err
	}
	var env datasourceEnvelope
	if err := c.do(ctx, http.MethodPost, path+"?"+q.Encode(), "publish", body, contentType, &env); err != nil {
		return Datasource{}, fmt.Errorf("publish %s: %w", fileName, err)
	}
	c.log.Info("Datasource published", "datasource_id", env.Datasource.ID, "name", env.Datasource.Name)
	return env.Datasource, nil
}

// uploadChunks opens a file-upload session and PUTs the file in ChunkSize
// pieces. It returns the session id to commit with.
func (c *Client) uploadChunks(ctx context.Context, path string, size int64) (string, error) {
	initPath, err := c.sitePath("fileUploads")
	if err != nil {
		return "", err
	}
	var env fileUploadEnvelope
	if err := c.do(ctx, http.MethodPost, initPath, "upload_init", nil, "", &env); err != nil {
		return "", fmt.Errorf("start file upload: %w", err)
	}
	id := env.FileUpload.UploadSessionID
	if id == "" {
		return "", errors.New("start file upload: empty upload session id")
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	defer f.Close()

	chunkPath, err := c.sitePath("fileUploads/" + url.PathEscape(id))
	if err != nil {
		return "", err
	}
	buf := make([]byte, c.opts.ChunkSize)
	var sent int64
	for n := 1; ; n++ {
		read, err := io.ReadFull(f, buf)
		if read > 0 {
			body, contentType, berr := mixedBody(nil, "tableau_file", filepath.Base(path), buf[:read])
			if berr != nil {
				return "", berr
			}
			if perr := c.do(ctx, http.MethodPut, chunkPath, "upload_chunk", body, contentType, nil); perr != nil {
				return "", fmt.Errorf("upload chunk %d: %w", n, perr)
			}
			sent += int64(read)
			c.log.Debug("Uploaded chunk", "chunk", n, "sent", humanize.IBytes(uint64(sent)), "total", humanize.IBytes(uint64(size)))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
	}
	return id, nil
}

// mixedBody builds a multipart/mixed body with a request_payload part and,
// when fileField is set, one file part.
func mixedBody(payload []byte, fileField, fileName string, file []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `name="request_payload"`)
	h.Set("Content-Type", "text/xml")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := pw.Write(payload); err != nil {
		return nil, "", err
	}

	if fileField != "" {
		fh := textproto.MIMEHeader{}
		fh.Set("Content-Disposition", fmt.Sprintf(`name=%q; filename=%q`, fileField, fileName))
		fh.Set("Content-Type", "application/octet-stream")
		fw, err := mw.CreatePart(fh)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(file); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + mw.Boundary(), nil
}
