package fetchers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/lfaureyt/rx-player/internal/errs"
	"github.com/lfaureyt/rx-player/internal/logger"
	"github.com/lfaureyt/rx-player/internal/manifest/index"
)

const readChunkSize = 16 * 1024

// NewRequestFunc returns the default RequestFunc, backed by a shared
// net/http client. userAgent is sent on every request when non-empty.
func NewRequestFunc(userAgent string, log logger.Logger) RequestFunc {
	transport := &http.Transport{
		ResponseHeaderTimeout: 3 * time.Second,
	}
	client := &http.Client{Transport: transport}

	return func(ctx context.Context, req Request) (*Response, error) {
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request for %s: %w", req.URL, err)
		}
		if userAgent != "" {
			httpReq.Header.Set("User-Agent", userAgent)
		}
		if req.Range != nil {
			httpReq.Header.Set("Range", formatRange(req.Range))
		}

		sendingTime := time.Now()
		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, classifyTransportError(req.URL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &errs.NetworkError{
				Kind:   errs.NetworkHTTPStatus,
				Status: resp.StatusCode,
				URL:    req.URL,
			}
		}

		finalURL := req.URL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}

		var data []byte
		var received int64
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				received += int64(n)
				if req.OnChunk != nil {
					req.OnChunk(buf[:n])
				} else {
					data = append(data, buf[:n]...)
				}
				if req.OnProgress != nil {
					req.OnProgress(Progress{
						Bytes:   received,
						Elapsed: time.Since(sendingTime),
						Total:   max(resp.ContentLength, 0),
					})
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				return nil, classifyTransportError(req.URL, readErr)
			}
		}

		receivedTime := time.Now()
		log.Debugf("Fetched %s (%d bytes in %v)", finalURL, received, receivedTime.Sub(sendingTime))
		return &Response{
			Data:         data,
			Size:         received,
			Duration:     receivedTime.Sub(sendingTime),
			URL:          finalURL,
			Status:       resp.StatusCode,
			SendingTime:  sendingTime,
			ReceivedTime: receivedTime,
		}, nil
	}
}

func formatRange(r *index.ByteRange) string {
	if r.End == math.MaxInt64 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// classifyTransportError maps a net/http failure onto the error taxonomy:
// caller cancellation, timeout, or a generic retryable network failure.
func classifyTransportError(url string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request for %s: %w", url, errs.ErrCancellation)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &errs.NetworkError{Kind: errs.NetworkTimeout, URL: url, Err: err}
	}
	return &errs.NetworkError{Kind: errs.NetworkOther, URL: url, Err: err}
}
