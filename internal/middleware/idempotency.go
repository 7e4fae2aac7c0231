package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	idempotencyHold   = 30 * time.Second
	pendingMarker     = "pending"
)

// replayedResponse is a finished response kept for retries of the same key.
type replayedResponse struct {
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
}

type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// mutating requests. Keys are scoped by caller and route. A retry that lands
// while the first request is still running gets 409.
//
// Redis failures let the request through unprotected; the dispatch
// operations behind it are conditional anyway.
func Idempotency(client *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
		default:
			c.Next()
			return
		}

		key := c.GetHeader(idempotencyHeader)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		cacheKey := idempotencyKey(c, key)

		claimed, err := client.SetNX(ctx, cacheKey, pendingMarker, idempotencyHold).Result()
		if err != nil {
			c.Next()
			return
		}
		if !claimed {
			replay(ctx, c, client, cacheKey)
			return
		}

		w := &recordingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w
		c.Next()

		status := w.Status()
		store := context.WithoutCancel(ctx)
		if status >= http.StatusInternalServerError {
			// Let the client retry server failures.
			client.Del(store, cacheKey)
			return
		}
		data, err := json.Marshal(replayedResponse{
			StatusCode:  status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
		})
		if err != nil {
			client.Del(store, cacheKey)
			return
		}
		client.Set(store, cacheKey, data, idempotencyTTL)
	}
}

func replay(ctx context.Context, c *gin.Context, client *redis.Client, cacheKey string) {
	data, err := client.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; treat as in progress.
		data = []byte(pendingMarker)
	} else if err != nil {
		c.Next()
		return
	}
	if string(data) == pendingMarker {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "request with this idempotency key is in progress"})
		return
	}

	var resp replayedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		c.Next()
		return
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Header("Idempotent-Replayed", "true")
	c.Data(resp.StatusCode, contentType, resp.Body)
	c.Abort()
}

func idempotencyKey(c *gin.Context, key string) string {
	caller := "anonymous"
	if claims, ok := ClaimsFromContext(c); ok {
		caller = claims.UserID
	}
	return "idempotency:" + caller + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key
}
