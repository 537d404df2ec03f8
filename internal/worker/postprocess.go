package worker

import (
	"context"

	"boxrelay/internal/resolve"
)

type ThumbFetcher interface {
	Fetch(ctx context.Context, url, dst string) error
}

type ThumbEmbedder interface {
	EmbedThumbnail(ctx context.Context, video, thumb, tmp string) error
}

// ThumbnailStep fetches the stream's preview image next to the artifact and,
// when an embedder is set, muxes it into the video as cover art.
type ThumbnailStep struct {
	Fetcher  ThumbFetcher
	Embedder ThumbEmbedder
}

// Process returns the thumbnail path for the upload. An error leaves the
// video untouched.
func (s ThumbnailStep) Process(ctx context.Context, a Artifact, st resolve.Stream) (string, error) {
	if st.ThumbnailURL == "" || s.Fetcher == nil {
		return "", nil
	}
	if err := s.Fetcher.Fetch(ctx, st.ThumbnailURL, a.Thumb); err != nil {
		return "", err
	}
	if s.Embedder != nil {
		if err := s.Embedder.EmbedThumbnail(ctx, a.Video, a.Thumb, a.Part); err != nil {
			// The sidecar is still usable as the upload thumbnail.
			return a.Thumb, err
		}
	}
	return a.Thumb, nil
}
