package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"

	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/common/infra/object"
)

const maxMediaBytes = 32 << 20

// MediaService pulls inbound media off the network and parks it in object
// storage so downstream consumers get a stable key instead of a short-lived
// network URL. Images additionally get a thumbnail.
type MediaService struct {
	client *minio.Client
	bucket string
	http   *http.Client
}

func NewMediaService(client *minio.Client, bucket string) *MediaService {
	return &MediaService{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads the message's media and stores it under the tenant's
// prefix. Returns the object key and, for images, a thumbnail key.
func (s *MediaService) Fetch(ctx context.Context, tenantID string, msg chatnet.Message) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, msg.MediaURL, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch media: unexpected status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return "", "", fmt.Errorf("read media: %w", err)
	}

	objectKey := fmt.Sprintf("%s/inbound/%s%s", tenantID, msg.ID, mediaExt(msg))
	if err := object.Put(ctx, s.client, s.bucket, objectKey, bytes.NewReader(payload), int64(len(payload)), msg.MimeType); err != nil {
		return "", "", fmt.Errorf("store media: %w", err)
	}

	thumbKey := ""
	if strings.HasPrefix(msg.MimeType, "image/") {
		if key, err := s.makeThumbnail(ctx, objectKey, payload); err == nil {
			thumbKey = key
		}
	}
	return objectKey, thumbKey, nil
}

func (s *MediaService) makeThumbnail(ctx context.Context, objectKey string, payload []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	thumb := imaging.Thumbnail(img, 320, 320, imaging.Lanczos)
	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}
	ext := path.Ext(objectKey)
	thumbKey := strings.TrimSuffix(objectKey, ext) + "_thumb.jpg"
	if err := object.Put(ctx, s.client, s.bucket, thumbKey, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumb: %w", err)
	}
	return thumbKey, nil
}

func mediaExt(msg chatnet.Message) string {
	if ext := path.Ext(msg.FileName); ext != "" {
		return ext
	}
	switch msg.MimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "audio/ogg":
		return ".ogg"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
