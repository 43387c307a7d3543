package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/wagate/pkg/wagate/media"
)

// uploader is the part of whatsmeow.Client used to build media messages.
type uploader interface {
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// waMediaType maps a media category to the whatsmeow upload kind.
func waMediaType(t media.MediaType) whatsmeow.MediaType {
	switch t {
	case media.MediaTypeImage:
		return whatsmeow.MediaImage
	case media.MediaTypeVideo:
		return whatsmeow.MediaVideo
	case media.MediaTypeAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage uploads m and wraps the result in the message kind that
// matches its MIME category.
func buildMediaMessage(ctx context.Context, up uploader, m *media.Media) (*waE2E.Message, error) {
	if m == nil || len(m.Data) == 0 {
		return nil, fmt.Errorf("empty media")
	}

	kind := m.Type()
	uploaded, err := up.Upload(ctx, m.Data, waMediaType(kind))
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	return mediaMessage(kind, m, uploaded), nil
}

func mediaMessage(kind media.MediaType, m *media.Media, uploaded whatsmeow.UploadResponse) *waE2E.Message {
	size := proto.Uint64(uint64(len(m.Data)))

	var caption *string
	if m.Caption != "" {
		caption = proto.String(m.Caption)
	}

	switch kind {
	case media.MediaTypeImage:
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(m.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    size,
				Caption:       caption,
			},
		}

	case media.MediaTypeVideo:
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(m.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    size,
				Caption:       caption,
			},
		}

	case media.MediaTypeAudio:
		// Audio messages carry no caption; see captionFollowUp.
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(m.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    size,
				PTT:           proto.Bool(strings.Contains(m.MimeType, "ogg")),
			},
		}

	default:
		filename := m.Filename
		if filename == "" {
			filename = "file"
		}
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				Mimetype:      proto.String(m.MimeType),
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    size,
				FileName:      proto.String(filename),
				Title:         proto.String(filename),
				Caption:       caption,
			},
		}
	}
}

// captionFollowUp returns the text message that carries m's caption when
// the media kind has no caption field, or nil when none is needed.
func captionFollowUp(m *media.Media) *waE2E.Message {
	if m.Caption == "" || m.Type() != media.MediaTypeAudio {
		return nil
	}
	return &waE2E.Message{Conversation: proto.String(m.Caption)}
}
