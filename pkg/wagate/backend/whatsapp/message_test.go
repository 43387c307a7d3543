package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"

	"github.com/jholhewres/wagate/pkg/wagate/media"
)

type fakeUploader struct {
	kinds []whatsmeow.MediaType
	err   error
}

func (f *fakeUploader) Upload(ctx context.Context, data []byte, kind whatsmeow.MediaType) (whatsmeow.UploadResponse, error) {
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return whatsmeow.UploadResponse{}, f.err
	}
	return whatsmeow.UploadResponse{
		URL:        "https://mmg.whatsapp.net/x",
		DirectPath: "/v/t62/x",
		MediaKey:   []byte("key"),
	}, nil
}

func TestBuildMediaMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("image keeps caption", func(t *testing.T) {
		up := &fakeUploader{}
		msg, err := buildMediaMessage(ctx, up, &media.Media{MimeType: "image/png", Data: []byte{1, 2}, Caption: "look"})
		require.NoError(t, err)
		require.NotNil(t, msg.GetImageMessage())
		assert.Equal(t, "look", msg.GetImageMessage().GetCaption())
		assert.Equal(t, uint64(2), msg.GetImageMessage().GetFileLength())
		assert.Equal(t, "/v/t62/x", msg.GetImageMessage().GetDirectPath())
		assert.Equal(t, []whatsmeow.MediaType{whatsmeow.MediaImage}, up.kinds)
	})

	t.Run("video", func(t *testing.T) {
		up := &fakeUploader{}
		msg, err := buildMediaMessage(ctx, up, &media.Media{MimeType: "video/mp4", Data: []byte{1}})
		require.NoError(t, err)
		require.NotNil(t, msg.GetVideoMessage())
		assert.Nil(t, msg.GetVideoMessage().Caption)
		assert.Equal(t, []whatsmeow.MediaType{whatsmeow.MediaVideo}, up.kinds)
	})

	t.Run("ogg audio is a voice note", func(t *testing.T) {
		msg, err := buildMediaMessage(ctx, &fakeUploader{}, &media.Media{MimeType: "audio/ogg", Data: []byte{1}})
		require.NoError(t, err)
		assert.True(t, msg.GetAudioMessage().GetPTT())
	})

	t.Run("audio caption is sent as a follow-up text", func(t *testing.T) {
		m := &media.Media{MimeType: "audio/mpeg", Data: []byte{1}, Caption: "listen"}
		msg, err := buildMediaMessage(ctx, &fakeUploader{}, m)
		require.NoError(t, err)
		require.NotNil(t, msg.GetAudioMessage())
		assert.False(t, msg.GetAudioMessage().GetPTT())

		follow := captionFollowUp(m)
		require.NotNil(t, follow)
		assert.Equal(t, "listen", follow.GetConversation())
	})

	t.Run("document has a file name", func(t *testing.T) {
		up := &fakeUploader{}
		msg, err := buildMediaMessage(ctx, up, &media.Media{MimeType: "application/pdf", Data: []byte{1}, Filename: "report.pdf"})
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", msg.GetDocumentMessage().GetFileName())
		assert.Equal(t, []whatsmeow.MediaType{whatsmeow.MediaDocument}, up.kinds)
	})

	t.Run("upload failure", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := buildMediaMessage(ctx, &fakeUploader{err: boom}, &media.Media{MimeType: "image/png", Data: []byte{1}})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty media", func(t *testing.T) {
		_, err := buildMediaMessage(ctx, &fakeUploader{}, &media.Media{MimeType: "image/png"})
		assert.Error(t, err)
	})
}

func TestCaptionFollowUp(t *testing.T) {
	assert.Nil(t, captionFollowUp(&media.Media{MimeType: "audio/ogg"}), "no caption")
	assert.Nil(t, captionFollowUp(&media.Media{MimeType: "image/png", Caption: "inline"}), "image carries its own caption")
	assert.Nil(t, captionFollowUp(&media.Media{MimeType: "application/pdf", Caption: "inline"}))
	require.NotNil(t, captionFollowUp(&media.Media{MimeType: "audio/ogg", Caption: "hi"}))
}
