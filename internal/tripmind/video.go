package tripmind

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"
)

func (s *Service) generateDestinationVideo(ctx context.Context, p VideoParams) (any, error) {
	prompt := fmt.Sprintf("A beautiful cinematic travel montage of %s, high quality, vibrant colors.", p.Destination)

	op, err := Retry(ctx, s.retryPolicy(ActionGenerateDestinationVideo), func() (*videoOperation, error) {
		return traced(ctx, "upstream.predictLongRunning", ActionGenerateDestinationVideo, func(ctx context.Context) (*videoOperation, error) {
			op, err := s.upstream.startVideo(ctx, s.cfg.Models.Video, prompt)
			s.metrics.observeUpstream(ActionGenerateDestinationVideo, err)
			return op, err
		})
	})
	if err != nil {
		return nil, err
	}

	op, err = traced(ctx, "upstream.awaitVideo", ActionGenerateDestinationVideo, func(ctx context.Context) (*videoOperation, error) {
		return s.awaitVideo(ctx, op)
	})
	if err != nil {
		return nil, err
	}
	uri := op.assetURI()
	if uri == "" {
		return nil, ErrNoVideoAsset
	}

	data, mimeType, err := s.upstream.download(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("download video: %w", err)
	}
	s.log.InfoContext(ctx, "video ready",
		"operation", op.Name,
		"size", formatBytes(uint64(len(data))),
		"mime_type", mimeType,
	)
	return Video{
		VideoData: base64.StdEncoding.EncodeToString(data),
		MimeType:  mimeType,
	}, nil
}

// awaitVideo polls the operation at the configured fixed interval until the
// upstream reports it done. Polls are sequential; the loop ends early only
// when ctx is cancelled.
func (s *Service) awaitVideo(ctx context.Context, op *videoOperation) (*videoOperation, error) {
	polls := 0
	for !op.Done {
		if err := s.sleep(ctx, s.cfg.Upstream.videoPollDur); err != nil {
			return nil, err
		}
		polls++
		next, err := s.upstream.getOperation(ctx, op.Name)
		if err != nil {
			return nil, fmt.Errorf("poll video operation %s: %w", op.Name, err)
		}
		if next.Name == "" {
			next.Name = op.Name
		}
		op = next
		s.log.DebugContext(ctx, "video operation polled", "operation", op.Name, "done", op.Done, "polls", polls)
	}
	if op.Error != nil {
		return nil, &UpstreamError{
			StatusCode: http.StatusInternalServerError,
			Code:       op.Error.Code,
			Status:     op.Error.Status,
			Message:    op.Error.Message,
		}
	}
	return op, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
